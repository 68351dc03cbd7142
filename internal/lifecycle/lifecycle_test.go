package lifecycle

import (
	"errors"
	"testing"
	"time"
)

func TestWorkOrderTransitionTable(t *testing.T) {
	allowed := map[WorkOrderStatus][]WorkOrderStatus{
		WOPending:    {WOApproved, WORejected},
		WOApproved:   {WOInProgress, WORejected},
		WOInProgress: {WOCompleted, WORejected},
		WOCompleted:  {WORejected},
		WORejected:   {WOApproved},
	}
	all := []WorkOrderStatus{WOPending, WOApproved, WOInProgress, WOCompleted, WORejected}
	for _, from := range all {
		for _, to := range all {
			want := from == to
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTransitionError(t *testing.T) {
	err := Transition(WOCompleted, WOInProgress)
	if err == nil {
		t.Fatal("expected error for completed -> in-progress")
	}
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %T", err)
	}
	if ite.From != WOCompleted || ite.To != WOInProgress {
		t.Fatalf("unexpected error fields: %+v", ite)
	}
	if err := Transition(WOCompleted, WORejected); err != nil {
		t.Fatalf("completed -> rejected should be allowed: %v", err)
	}
}

func TestRejectedReapproval(t *testing.T) {
	// The only back-edge: a rejected order can be re-approved and then run
	// through the normal path again.
	path := []WorkOrderStatus{WOPending, WOApproved, WOInProgress, WORejected, WOApproved, WOInProgress, WOCompleted}
	for i := 1; i < len(path); i++ {
		if err := Transition(path[i-1], path[i]); err != nil {
			t.Fatalf("step %d (%s -> %s): %v", i, path[i-1], path[i], err)
		}
	}
}

func TestSelfTransitionNoOp(t *testing.T) {
	for _, s := range []WorkOrderStatus{WOPending, WOApproved, WOInProgress, WOCompleted, WORejected} {
		if err := Transition(s, s); err != nil {
			t.Errorf("self transition %s rejected: %v", s, err)
		}
	}
}

func TestParseWorkOrderStatus(t *testing.T) {
	for _, s := range []WorkOrderStatus{WOPending, WOApproved, WOInProgress, WOCompleted, WORejected} {
		got, ok := ParseWorkOrderStatus(s.String())
		if !ok || got != s {
			t.Errorf("round trip %s failed: %v %v", s, got, ok)
		}
	}
	if _, ok := ParseWorkOrderStatus("bogus"); ok {
		t.Error("parsed bogus status")
	}
	// Wire and storage spelling is underscored.
	if WOInProgress.String() != "in_progress" {
		t.Errorf("in-progress spelled %q", WOInProgress.String())
	}
	if _, ok := ParseWorkOrderStatus("in-progress"); ok {
		t.Error("hyphenated spelling must not parse")
	}
}

func TestUpdateReason(t *testing.T) {
	cases := []struct {
		name                 string
		oldStatus, newStatus string
		oldPrio, newPrio     string
		wantReason           string
		wantOK               bool
	}{
		{"close wins over priority", StatusOpen, StatusClosed, PriorityLow, PriorityHigh, ReasonClosed, true},
		{"status change", StatusPending, StatusOpen, PriorityLow, PriorityLow, ReasonStatusChanged, true},
		{"reopen from closed is a status change", StatusClosed, StatusOpen, PriorityLow, PriorityLow, ReasonStatusChanged, true},
		{"priority only", StatusOpen, StatusOpen, PriorityLow, PriorityUrgent, ReasonPriorityChanged, true},
		{"no change", StatusOpen, StatusOpen, PriorityLow, PriorityLow, "", false},
		{"already closed stays closed", StatusClosed, StatusClosed, PriorityLow, PriorityHigh, ReasonPriorityChanged, true},
	}
	for _, tc := range cases {
		reason, ok := UpdateReason(tc.oldStatus, tc.newStatus, tc.oldPrio, tc.newPrio)
		if reason != tc.wantReason || ok != tc.wantOK {
			t.Errorf("%s: got (%q, %v), want (%q, %v)", tc.name, reason, ok, tc.wantReason, tc.wantOK)
		}
	}
}

func TestReopenOnComment(t *testing.T) {
	if !ReopenOnComment(StatusClosed) || !ReopenOnComment(StatusPending) {
		t.Error("closed and pending tickets must reopen on comment")
	}
	if ReopenOnComment(StatusOpen) || ReopenOnComment(StatusResolved) {
		t.Error("open and resolved tickets must not reopen on comment")
	}
}

func TestEscalate(t *testing.T) {
	if Escalate(PriorityLow) != PriorityMedium || Escalate(PriorityHigh) != PriorityUrgent {
		t.Error("escalation order broken")
	}
	if Escalate(PriorityUrgent) != PriorityUrgent {
		t.Error("urgent must not escalate further")
	}
}

func TestPolicyDeadlines(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := Policy{EscalateValue: 4, EscalateUnit: "hours", AutocloseValue: 3, AutocloseUnit: "days"}
	if got := p.EscalateDeadline(base); !got.Equal(base.Add(4 * time.Hour)) {
		t.Errorf("escalate deadline = %v", got)
	}
	if got := p.AutocloseDeadline(base); !got.Equal(base.Add(72 * time.Hour)) {
		t.Errorf("autoclose deadline = %v", got)
	}
	var off Policy
	if !off.EscalateDeadline(base).IsZero() || !off.AutocloseDeadline(base).IsZero() {
		t.Error("disabled policy must yield zero deadlines")
	}
}

func TestValidators(t *testing.T) {
	for _, s := range []string{StatusPending, StatusOpen, StatusClosed, StatusResolved} {
		if !ValidStatus(s) {
			t.Errorf("%s should be valid", s)
		}
	}
	if ValidStatus("archived") {
		t.Error("archived is not a ticket status")
	}
	if !ValidPriority(PriorityUrgent) || ValidPriority("critical") {
		t.Error("priority validation broken")
	}
}
