// Package lifecycle holds the ticket and work-order decision rules: status
// enums, the work-order transition table, comment-triggered reopen, and the
// update-reason selection used for notification events. Everything here is
// pure; handlers load inputs and apply the results.
package lifecycle

import (
	"fmt"
	"time"
)

// Ticket statuses.
const (
	StatusPending  = "pending"
	StatusOpen     = "open"
	StatusClosed   = "closed"
	StatusResolved = "resolved"
)

// Ticket priorities, lowest to highest.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

var ticketStatuses = map[string]struct{}{
	StatusPending:  {},
	StatusOpen:     {},
	StatusClosed:   {},
	StatusResolved: {},
}

var priorityRank = map[string]int{
	PriorityLow:    0,
	PriorityMedium: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// ValidStatus reports whether s is one of the ticket statuses.
func ValidStatus(s string) bool {
	_, ok := ticketStatuses[s]
	return ok
}

// ValidPriority reports whether p is one of the ticket priorities.
func ValidPriority(p string) bool {
	_, ok := priorityRank[p]
	return ok
}

// Escalate returns the next priority up, or p unchanged if already urgent.
func Escalate(p string) string {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	case PriorityHigh:
		return PriorityUrgent
	}
	return p
}

// Update reasons, first match wins: closing beats a generic status change,
// which beats a priority change. A single reason string is reported even
// when several fields changed in one request.
const (
	ReasonClosed          = "closed"
	ReasonStatusChanged   = "status_changed"
	ReasonPriorityChanged = "priority_changed"
)

// UpdateReason selects the notification reason for a ticket update.
// The bool is false when nothing notification-worthy changed.
func UpdateReason(oldStatus, newStatus, oldPriority, newPriority string) (string, bool) {
	if newStatus == StatusClosed && oldStatus != StatusClosed {
		return ReasonClosed, true
	}
	if newStatus != oldStatus {
		return ReasonStatusChanged, true
	}
	if newPriority != oldPriority {
		return ReasonPriorityChanged, true
	}
	return "", false
}

// ReopenOnComment reports whether appending a comment to a ticket in the
// given status must flip it back to open and clear its close timestamp.
func ReopenOnComment(status string) bool {
	return status == StatusClosed || status == StatusPending
}

// WorkOrderStatus is the work-order lifecycle state.
type WorkOrderStatus int

const (
	WOPending WorkOrderStatus = iota
	WOApproved
	WOInProgress
	WOCompleted
	WORejected
)

func (s WorkOrderStatus) String() string {
	switch s {
	case WOPending:
		return "pending"
	case WOApproved:
		return "approved"
	case WOInProgress:
		return "in_progress"
	case WOCompleted:
		return "completed"
	case WORejected:
		return "rejected"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// ParseWorkOrderStatus maps a wire string to a status.
func ParseWorkOrderStatus(s string) (WorkOrderStatus, bool) {
	switch s {
	case "pending":
		return WOPending, true
	case "approved":
		return WOApproved, true
	case "in_progress":
		return WOInProgress, true
	case "completed":
		return WOCompleted, true
	case "rejected":
		return WORejected, true
	}
	return 0, false
}

// workOrderEdges is the allowed transition table. Rejected -> Approved is
// the only back-edge; it re-opens a rejected order.
var workOrderEdges = map[WorkOrderStatus][]WorkOrderStatus{
	WOPending:    {WOApproved, WORejected},
	WOApproved:   {WOInProgress, WORejected},
	WOInProgress: {WOCompleted, WORejected},
	WOCompleted:  {WORejected},
	WORejected:   {WOApproved},
}

// InvalidTransitionError reports a requested transition outside the table.
type InvalidTransitionError struct {
	From WorkOrderStatus
	To   WorkOrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid work order transition: %s -> %s", e.From, e.To)
}

// CanTransition reports whether from -> to is allowed. Self-transitions are
// always allowed as a no-op.
func CanTransition(from, to WorkOrderStatus) bool {
	if from == to {
		return true
	}
	for _, t := range workOrderEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to, returning *InvalidTransitionError when
// the edge is not in the table.
func Transition(from, to WorkOrderStatus) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// Policy is a snapshot of the global escalation/autoclose settings, copied
// onto each ticket at creation so later setting changes do not move already
// issued deadlines.
type Policy struct {
	EscalateValue  int
	EscalateUnit   string
	AutocloseValue int
	AutocloseUnit  string
	DateFormat     string
}

func policyDuration(value int, unit string) time.Duration {
	if value <= 0 {
		return 0
	}
	switch unit {
	case "minute", "minutes":
		return time.Duration(value) * time.Minute
	case "hour", "hours":
		return time.Duration(value) * time.Hour
	case "week", "weeks":
		return time.Duration(value) * 7 * 24 * time.Hour
	default: // days
		return time.Duration(value) * 24 * time.Hour
	}
}

// EscalateDeadline returns the escalation deadline for a ticket created at
// from, or zero time when escalation is disabled.
func (p Policy) EscalateDeadline(from time.Time) time.Time {
	d := policyDuration(p.EscalateValue, p.EscalateUnit)
	if d == 0 {
		return time.Time{}
	}
	return from.Add(d)
}

// AutocloseDeadline returns the auto-close deadline counted from the resolve
// timestamp, or zero time when auto-close is disabled.
func (p Policy) AutocloseDeadline(from time.Time) time.Time {
	d := policyDuration(p.AutocloseValue, p.AutocloseUnit)
	if d == 0 {
		return time.Time{}
	}
	return from.Add(d)
}
