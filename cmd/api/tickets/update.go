package tickets

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	app "github.com/opsdesk/opsdesk/cmd/api/app"
	authpkg "github.com/opsdesk/opsdesk/cmd/api/auth"
	eventspkg "github.com/opsdesk/opsdesk/cmd/api/events"
	settingspkg "github.com/opsdesk/opsdesk/cmd/api/settings"
	"github.com/opsdesk/opsdesk/internal/lifecycle"
	"github.com/opsdesk/opsdesk/internal/visibility"
)

type updateTicketReq struct {
	Subject           *string `json:"subject" binding:"omitempty,min=3"`
	Details           *string `json:"details"`
	Priority          *string `json:"priority" binding:"omitempty,oneof=low medium high urgent"`
	Status            *string `json:"status"`
	AssignedTo        *string `json:"assigned_to"`
	RegionID          *string `json:"region_id"`
	CategoryID        *string `json:"category_id"`
	TypeID            *string `json:"type_id"`
	ResolutionDetails *string `json:"resolution_details"`
}

// validTicketStatus accepts the built-in statuses plus any custom status
// defined in the catalog.
func validTicketStatus(c *gin.Context, a *app.App, s string) bool {
	if lifecycle.ValidStatus(s) {
		return true
	}
	var exists bool
	if err := a.DB.QueryRow(c.Request.Context(), `select exists(select 1 from ticket_statuses where name=$1)`, s).Scan(&exists); err != nil {
		return false
	}
	return exists
}

// Update applies a staff edit to a ticket and emits a single descriptive
// update event. When status and priority change in the same request the
// closing message wins, then status-changed, then priority-changed.
func Update(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := authpkg.Current(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		var in updateTicketReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		if in.Status != nil && !validTicketStatus(c, a, *in.Status) {
			c.JSON(http.StatusBadRequest, gin.H{"errors": map[string]string{"status": "invalid"}})
			return
		}

		ctx := c.Request.Context()
		args := []any{c.Param("id")}
		q := `select t.status, t.priority, t.first_response_at from tickets t where t.id=$1 and t.deleted_at is null`
		if scope, scopeArgs := visibility.Scope(user.ID, user.Roles, len(args)); scope != "" {
			q += " and " + scope
			args = append(args, scopeArgs...)
		}
		var oldStatus, oldPriority string
		var firstResponse *time.Time
		if err := a.DB.QueryRow(ctx, q, args...).Scan(&oldStatus, &oldPriority, &firstResponse); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}

		set := []string{}
		setArgs := []any{}
		add := func(col string, v any) {
			setArgs = append(setArgs, v)
			set = append(set, fmt.Sprintf("%s=$%d", col, len(setArgs)))
		}
		if in.Subject != nil {
			add("subject", *in.Subject)
		}
		if in.Details != nil {
			add("details", *in.Details)
		}
		if in.Priority != nil {
			add("priority", *in.Priority)
		}
		if in.AssignedTo != nil {
			add("assigned_to", nilIfEmpty(*in.AssignedTo))
		}
		if in.RegionID != nil {
			add("region_id", nilIfEmpty(*in.RegionID))
		}
		if in.CategoryID != nil {
			add("category_id", nilIfEmpty(*in.CategoryID))
		}
		if in.TypeID != nil {
			add("type_id", nilIfEmpty(*in.TypeID))
		}
		if in.ResolutionDetails != nil {
			add("resolution_details", *in.ResolutionDetails)
		}
		newStatus := oldStatus
		if in.Status != nil {
			newStatus = *in.Status
			add("status", newStatus)
			switch {
			case newStatus == lifecycle.StatusClosed && oldStatus != lifecycle.StatusClosed:
				set = append(set, "closed_at=now()")
			case newStatus == lifecycle.StatusResolved && oldStatus != lifecycle.StatusResolved:
				set = append(set, "resolved_at=now()")
				pol := settingspkg.LoadPolicy(ctx, a.DB)
				if d := pol.AutocloseDeadline(time.Now()); !d.IsZero() {
					add("autoclose_at", d)
				}
			case newStatus == lifecycle.StatusOpen && oldStatus == lifecycle.StatusClosed:
				set = append(set, "closed_at=null")
			}
		}
		newPriority := oldPriority
		if in.Priority != nil {
			newPriority = *in.Priority
		}
		// First staff interaction marks the response timestamp, once.
		if firstResponse == nil && visibility.Staff(user.Roles) {
			set = append(set, "first_response_at=now()")
		}
		if len(set) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no fields"})
			return
		}
		setArgs = append(setArgs, c.Param("id"))
		sql := fmt.Sprintf("update tickets t set %s, updated_at=now() where t.id=$%d returning "+ticketCols, strings.Join(set, ","), len(setArgs))
		t, err := scanTicket(a.DB.QueryRow(ctx, sql, setArgs...))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if reason, changed := lifecycle.UpdateReason(oldStatus, newStatus, oldPriority, newPriority); changed {
			payload := gin.H{"id": t.ID, "uid": t.UID, "reason": reason, "status": t.Status, "priority": t.Priority}
			eventspkg.Emit(ctx, a.DB, t.ID, eventspkg.TicketUpdated, payload)
			eventspkg.Publish(ctx, a.Q, eventspkg.Event{Type: eventspkg.TicketUpdated, Data: payload})
		}
		c.JSON(http.StatusOK, t)
	}
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Close marks a ticket closed.
func Close(a *app.App) gin.HandlerFunc {
	return setStatus(a, lifecycle.StatusClosed, false)
}

// Resolve marks a ticket resolved, recording resolution details and the
// auto-close deadline from the current policy.
func Resolve(a *app.App) gin.HandlerFunc {
	return setStatus(a, lifecycle.StatusResolved, true)
}

func setStatus(a *app.App, status string, wantDetails bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := authpkg.Current(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		var details string
		if wantDetails {
			var in struct {
				ResolutionDetails string `json:"resolution_details" binding:"required"`
			}
			if err := c.ShouldBindJSON(&in); err != nil {
				bindErrors(c, err)
				return
			}
			details = in.ResolutionDetails
		}
		ctx := c.Request.Context()
		args := []any{c.Param("id")}
		q := `select t.status, t.priority from tickets t where t.id=$1 and t.deleted_at is null`
		if scope, scopeArgs := visibility.Scope(user.ID, user.Roles, len(args)); scope != "" {
			q += " and " + scope
			args = append(args, scopeArgs...)
		}
		var oldStatus, priority string
		if err := a.DB.QueryRow(ctx, q, args...).Scan(&oldStatus, &priority); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}

		var t Ticket
		var err error
		if status == lifecycle.StatusClosed {
			t, err = scanTicket(a.DB.QueryRow(ctx,
				"update tickets t set status=$1, closed_at=now(), updated_at=now() where t.id=$2 returning "+ticketCols,
				status, c.Param("id")))
		} else {
			pol := settingspkg.LoadPolicy(ctx, a.DB)
			var autocloseAt *time.Time
			if d := pol.AutocloseDeadline(time.Now()); !d.IsZero() {
				autocloseAt = &d
			}
			t, err = scanTicket(a.DB.QueryRow(ctx,
				"update tickets t set status=$1, resolved_at=now(), resolution_details=$2, autoclose_at=$3, updated_at=now() where t.id=$4 returning "+ticketCols,
				status, details, autocloseAt, c.Param("id")))
		}
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if reason, changed := lifecycle.UpdateReason(oldStatus, status, priority, priority); changed {
			payload := gin.H{"id": t.ID, "uid": t.UID, "reason": reason, "status": t.Status}
			eventspkg.Emit(ctx, a.DB, t.ID, eventspkg.TicketUpdated, payload)
			eventspkg.Publish(ctx, a.Q, eventspkg.Event{Type: eventspkg.TicketUpdated, Data: payload})
		}
		c.JSON(http.StatusOK, t)
	}
}

// Delete soft-deletes a ticket; tickets are never hard-deleted.
func Delete(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := authpkg.Current(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		args := []any{c.Param("id")}
		sql := "update tickets t set deleted_at=now(), updated_at=now() where t.id=$1 and t.deleted_at is null"
		if scope, scopeArgs := visibility.Scope(user.ID, user.Roles, len(args)); scope != "" {
			sql += " and " + scope
			args = append(args, scopeArgs...)
		}
		tag, err := a.DB.Exec(c.Request.Context(), sql, args...)
		if err != nil || tag.RowsAffected() == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Restore brings back a soft-deleted ticket. Admin only (route-gated).
func Restore(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		tag, err := a.DB.Exec(c.Request.Context(),
			"update tickets set deleted_at=null, updated_at=now() where id=$1 and deleted_at is not null", c.Param("id"))
		if err != nil || tag.RowsAffected() == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
