// Package workorders implements the asset-maintenance request surface and
// its approval lifecycle.
package workorders

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	app "github.com/opsdesk/opsdesk/cmd/api/app"
	authpkg "github.com/opsdesk/opsdesk/cmd/api/auth"
	eventspkg "github.com/opsdesk/opsdesk/cmd/api/events"
	metricspkg "github.com/opsdesk/opsdesk/cmd/api/metrics"
	"github.com/opsdesk/opsdesk/internal/lifecycle"
)

type WorkOrder struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	AssetID     *string    `json:"asset_id,omitempty"`
	AssignedTo  *string    `json:"assigned_to,omitempty"`
	CreatedBy   string     `json:"created_by"`
	ApprovedBy  *string    `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	RejectedBy  *string    `json:"rejected_by,omitempty"`
	RejectedAt  *time.Time `json:"rejected_at,omitempty"`
	CompletedBy *string    `json:"completed_by,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

const woCols = `w.id::text, w.title, coalesce(w.description,''), w.due_date, w.priority, w.status,
w.asset_id::text, w.assigned_to::text, w.created_by::text,
w.approved_by::text, w.approved_at, w.rejected_by::text, w.rejected_at,
w.completed_by::text, w.completed_at, w.created_at`

func scanWorkOrder(row interface{ Scan(dest ...any) error }) (WorkOrder, error) {
	var w WorkOrder
	err := row.Scan(&w.ID, &w.Title, &w.Description, &w.DueDate, &w.Priority, &w.Status,
		&w.AssetID, &w.AssignedTo, &w.CreatedBy,
		&w.ApprovedBy, &w.ApprovedAt, &w.RejectedBy, &w.RejectedAt,
		&w.CompletedBy, &w.CompletedAt, &w.CreatedAt)
	return w, err
}

func bindErrors(c *gin.Context, err error) {
	errs := map[string]string{}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			errs[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	c.JSON(http.StatusBadRequest, gin.H{"errors": errs})
}

type createReq struct {
	Title       string     `json:"title" binding:"required,min=3"`
	Description string     `json:"description"`
	DueDate     *time.Time `json:"due_date"`
	Priority    string     `json:"priority" binding:"omitempty,oneof=low medium high"`
	AssetID     *string    `json:"asset_id"`
	AssignedTo  *string    `json:"assigned_to"`
}

// Create inserts a new work order in the pending state.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := authpkg.Current(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		var in createReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		if in.Priority == "" {
			in.Priority = lifecycle.PriorityLow
		}
		var id string
		if err := a.DB.QueryRow(c.Request.Context(),
			`insert into work_orders (title, description, due_date, priority, status, asset_id, assigned_to, created_by)
values ($1, $2, $3, $4, 'pending', $5, $6, $7) returning id::text`,
			in.Title, in.Description, in.DueDate, in.Priority, in.AssetID, in.AssignedTo, user.ID).Scan(&id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		w, err := scanWorkOrder(a.DB.QueryRow(c.Request.Context(), "select "+woCols+" from work_orders w where w.id=$1", id))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, w)
	}
}

// List returns work orders with optional status/priority/asset/assignee filters.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		where := []string{"true"}
		args := []any{}
		for _, f := range []struct{ param, col string }{
			{"status", "w.status"},
			{"priority", "w.priority"},
			{"asset", "w.asset_id"},
			{"assigned_to", "w.assigned_to"},
		} {
			if v := strings.TrimSpace(c.Query(f.param)); v != "" {
				args = append(args, v)
				where = append(where, fmt.Sprintf("%s = $%d", f.col, len(args)))
			}
		}
		sql := "select " + woCols + " from work_orders w where " + strings.Join(where, " and ") + " order by w.created_at desc limit 100"
		rows, err := a.DB.Query(c.Request.Context(), sql, args...)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []WorkOrder{}
		for rows.Next() {
			w, err := scanWorkOrder(rows)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, w)
		}
		c.JSON(http.StatusOK, out)
	}
}

// Get returns one work order.
func Get(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		w, err := scanWorkOrder(a.DB.QueryRow(c.Request.Context(), "select "+woCols+" from work_orders w where w.id=$1", c.Param("id")))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, w)
	}
}

type updateReq struct {
	Title       *string    `json:"title" binding:"omitempty,min=3"`
	Description *string    `json:"description"`
	DueDate     *time.Time `json:"due_date"`
	Priority    *string    `json:"priority" binding:"omitempty,oneof=low medium high"`
	AssignedTo  *string    `json:"assigned_to"`
}

// Update edits work-order metadata. Status changes go through UpdateStatus.
func Update(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in updateReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		set := []string{}
		args := []any{}
		add := func(col string, v any) {
			args = append(args, v)
			set = append(set, fmt.Sprintf("%s=$%d", col, len(args)))
		}
		if in.Title != nil {
			add("title", *in.Title)
		}
		if in.Description != nil {
			add("description", *in.Description)
		}
		if in.DueDate != nil {
			add("due_date", *in.DueDate)
		}
		if in.Priority != nil {
			add("priority", *in.Priority)
		}
		if in.AssignedTo != nil {
			add("assigned_to", *in.AssignedTo)
		}
		if len(set) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no fields"})
			return
		}
		args = append(args, c.Param("id"))
		sql := fmt.Sprintf("update work_orders w set %s, updated_at=now() where w.id=$%d returning "+woCols, strings.Join(set, ","), len(args))
		w, err := scanWorkOrder(a.DB.QueryRow(c.Request.Context(), sql, args...))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, w)
	}
}

// Delete removes a work order. Allowed only while it is still pending or
// rejected; anything further along is part of the maintenance record.
func Delete(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var status string
		if err := a.DB.QueryRow(c.Request.Context(), `select status from work_orders where id=$1`, c.Param("id")).Scan(&status); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if status != lifecycle.WOPending.String() && status != lifecycle.WORejected.String() {
			app.AbortError(c, http.StatusConflict, "not_deletable", "only pending or rejected work orders can be deleted", nil)
			return
		}
		if _, err := a.DB.Exec(c.Request.Context(), `delete from work_orders where id=$1`, c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// UpdateStatus applies a lifecycle transition. The adjacency table is
// enforced here regardless of what the client disabled; an out-of-table
// request gets a deterministic invalid_transition error. Approvals,
// rejections, and completions record the acting user and time; those audit
// fields accumulate across reject/re-approve cycles and are never cleared.
func UpdateStatus(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := authpkg.Current(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		var in struct {
			Status string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		to, ok := lifecycle.ParseWorkOrderStatus(in.Status)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"errors": map[string]string{"status": "invalid"}})
			return
		}
		ctx := c.Request.Context()
		var cur string
		if err := a.DB.QueryRow(ctx, `select status from work_orders where id=$1`, c.Param("id")).Scan(&cur); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		from, ok := lifecycle.ParseWorkOrderStatus(cur)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "corrupt status"})
			return
		}
		if from == to {
			// Duplicate status set is a no-op, always accepted.
			w, err := scanWorkOrder(a.DB.QueryRow(ctx, "select "+woCols+" from work_orders w where w.id=$1", c.Param("id")))
			if err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusOK, w)
			return
		}
		if err := lifecycle.Transition(from, to); err != nil {
			metricspkg.TransitionsRejected.Inc()
			app.AbortError(c, http.StatusUnprocessableEntity, "invalid_transition",
				err.Error(), map[string]string{"from": from.String(), "to": to.String()})
			return
		}

		set := []string{"status=$1", "updated_at=now()"}
		args := []any{to.String()}
		audit := func(byCol, atCol string) {
			args = append(args, user.ID)
			set = append(set, fmt.Sprintf("%s=$%d", byCol, len(args)), atCol+"=now()")
		}
		switch to {
		case lifecycle.WOApproved:
			audit("approved_by", "approved_at")
		case lifecycle.WORejected:
			audit("rejected_by", "rejected_at")
		case lifecycle.WOCompleted:
			audit("completed_by", "completed_at")
		}
		args = append(args, c.Param("id"))
		sql := fmt.Sprintf("update work_orders w set %s where w.id=$%d returning "+woCols, strings.Join(set, ","), len(args))
		w, err := scanWorkOrder(a.DB.QueryRow(ctx, sql, args...))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		eventspkg.Publish(ctx, a.Q, eventspkg.Event{Type: "workorder_updated", Data: gin.H{"id": w.ID, "status": w.Status}})
		c.JSON(http.StatusOK, w)
	}
}
