package tickets

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
	settingspkg "github.com/opsdesk/opsdesk/cmd/api/settings"
	"github.com/opsdesk/opsdesk/internal/assign"
	"github.com/opsdesk/opsdesk/internal/lifecycle"
	"github.com/opsdesk/opsdesk/internal/visibility"
)

type Ticket struct {
	ID                string     `json:"id"`
	UID               string     `json:"uid"`
	Subject           string     `json:"subject"`
	Details           string     `json:"details,omitempty"`
	Priority          string     `json:"priority"`
	Status            string     `json:"status"`
	ContactID         string     `json:"contact_id"`
	AssignedTo        *string    `json:"assigned_to,omitempty"`
	RegionID          *string    `json:"region_id,omitempty"`
	CategoryID        *string    `json:"category_id,omitempty"`
	TypeID            *string    `json:"type_id,omitempty"`
	FirstResponseAt   *time.Time `json:"first_response_at,omitempty"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	ResolutionDetails *string    `json:"resolution_details,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

const ticketCols = `t.id::text, t.uid, t.subject, coalesce(t.details,''), t.priority, t.status,
t.contact_id::text, t.assigned_to::text, t.region_id::text, t.category_id::text, t.type_id::text,
t.first_response_at, t.closed_at, t.resolved_at, t.resolution_details, t.created_at`

func scanTicket(row interface{ Scan(dest ...any) error }) (Ticket, error) {
	var t Ticket
	err := row.Scan(&t.ID, &t.UID, &t.Subject, &t.Details, &t.Priority, &t.Status,
		&t.ContactID, &t.AssignedTo, &t.RegionID, &t.CategoryID, &t.TypeID,
		&t.FirstResponseAt, &t.ClosedAt, &t.ResolvedAt, &t.ResolutionDetails, &t.CreatedAt)
	return t, err
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

// createTicketReq mirrors the JSON body for the staff creation path.
type createTicketReq struct {
	Subject    string  `json:"subject" binding:"required,min=3"`
	Details    string  `json:"details"`
	ContactID  string  `json:"contact_id" binding:"required"`
	Priority   string  `json:"priority" binding:"omitempty,oneof=low medium high urgent"`
	AssignedTo *string `json:"assigned_to"`
	RegionID   *string `json:"region_id"`
	CategoryID *string `json:"category_id"`
	TypeID     *string `json:"type_id"`
}

const insertTicket = `with s as (select nextval('ticket_seq') n)
insert into tickets (uid, subject, details, contact_id, assigned_to, region_id, category_id, type_id,
  priority, status, escalate_value, escalate_unit, autoclose_value, autoclose_unit, escalate_at)
values ((select 'TKT-'||n from s), $1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $10, $11, $12, $13)
returning id::text, uid`

func insertArgs(in createTicketReq, pol lifecycle.Policy, now time.Time) []any {
	var escalateAt *time.Time
	if d := pol.EscalateDeadline(now); !d.IsZero() {
		escalateAt = &d
	}
	return []any{in.Subject, in.Details, in.ContactID, in.AssignedTo, in.RegionID, in.CategoryID, in.TypeID,
		in.Priority, pol.EscalateValue, pol.EscalateUnit, pol.AutocloseValue, pol.AutocloseUnit, escalateAt}
}

// Create inserts a new ticket from the staff dashboard. Every new ticket
// starts pending with the current settings policy stamped onto it.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in createTicketReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		if in.Priority == "" {
			in.Priority = lifecycle.PriorityLow
		}
		ctx := c.Request.Context()
		pol := settingspkg.LoadPolicy(ctx, a.DB)
		var id, uid string
		if err := a.DB.QueryRow(ctx, insertTicket, insertArgs(in, pol, time.Now())...).Scan(&id, &uid); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		metricspkg.TicketsCreated.WithLabelValues("staff").Inc()
		eventspkg.Emit(ctx, a.DB, id, eventspkg.TicketCreated, gin.H{"id": id, "uid": uid})
		eventspkg.Publish(ctx, a.Q, eventspkg.Event{Type: eventspkg.TicketCreated, Data: gin.H{"id": id, "uid": uid}})
		if in.AssignedTo != nil && *in.AssignedTo != "" {
			eventspkg.Publish(ctx, a.Q, eventspkg.Event{Type: eventspkg.TicketAssigned, Data: gin.H{"id": id, "assigned_to": *in.AssignedTo}})
		}
		c.JSON(http.StatusCreated, gin.H{"id": id, "uid": uid})
	}
}

// publicCreateReq is the anonymous contact-form body.
type publicCreateReq struct {
	Name     string  `json:"name" binding:"required"`
	Email    string  `json:"email" binding:"required,email"`
	Subject  string  `json:"subject" binding:"required,min=3"`
	Details  string  `json:"details"`
	RegionID *string `json:"region_id"`
}

// PublicCreate handles the public contact-ticket form. When a region is
// given, the least-busy agent in that region gets the ticket; a region
// without agents leaves the ticket unassigned, which is not an error.
func PublicCreate(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in publicCreateReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		ctx := c.Request.Context()

		var contactID string
		err := a.DB.QueryRow(ctx, `select id::text from users where lower(email)=lower($1)`, in.Email).Scan(&contactID)
		if err != nil {
			const q = `with u as (
  insert into users (id, email, display_name) values (gen_random_uuid(), lower($1), $2) returning id
)
insert into user_roles (user_id, role_id) select u.id, r.id from u, roles r where r.name='contact'
returning user_id::text`
			if err := a.DB.QueryRow(ctx, q, in.Email, in.Name).Scan(&contactID); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		var assignedTo *string
		if in.RegionID != nil && *in.RegionID != "" {
			cand, err := assign.Pick(ctx, a.DB, *in.RegionID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if cand != nil {
				assignedTo = &cand.ID
			}
		}

		pol := settingspkg.LoadPolicy(ctx, a.DB)
		req := createTicketReq{
			Subject:    in.Subject,
			Details:    in.Details,
			ContactID:  contactID,
			Priority:   lifecycle.PriorityLow,
			AssignedTo: assignedTo,
			RegionID:   in.RegionID,
		}
		var id, uid string
		if err := a.DB.QueryRow(ctx, insertTicket, insertArgs(req, pol, time.Now())...).Scan(&id, &uid); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		metricspkg.TicketsCreated.WithLabelValues("public").Inc()
		eventspkg.Emit(ctx, a.DB, id, eventspkg.TicketCreated, gin.H{"id": id, "uid": uid})
		eventspkg.Publish(ctx, a.Q, eventspkg.Event{Type: eventspkg.TicketCreated, Data: gin.H{"id": id, "uid": uid}})
		if assignedTo != nil {
			metricspkg.AutoAssignments.Inc()
			eventspkg.Emit(ctx, a.DB, id, eventspkg.TicketAssigned, gin.H{"id": id, "assigned_to": *assignedTo})
			eventspkg.Publish(ctx, a.Q, eventspkg.Event{Type: eventspkg.TicketAssigned, Data: gin.H{"id": id, "assigned_to": *assignedTo}})
		}
		out := gin.H{"id": id, "uid": uid}
		if assignedTo != nil {
			out["assigned_to"] = *assignedTo
		}
		c.JSON(http.StatusCreated, out)
	}
}

// List returns tickets visible to the caller, newest first.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := authpkg.Current(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		where := []string{"t.deleted_at is null"}
		args := []any{}
		for _, f := range []struct{ param, col string }{
			{"status", "t.status"},
			{"priority", "t.priority"},
			{"region", "t.region_id"},
			{"category", "t.category_id"},
			{"assigned_to", "t.assigned_to"},
			{"contact", "t.contact_id"},
		} {
			if v := strings.TrimSpace(c.Query(f.param)); v != "" {
				args = append(args, v)
				where = append(where, fmt.Sprintf("%s = $%d", f.col, len(args)))
			}
		}
		if v := strings.TrimSpace(c.Query("search")); v != "" {
			args = append(args, "%"+v+"%")
			where = append(where, fmt.Sprintf("(t.subject ILIKE $%d OR t.details ILIKE $%d OR t.uid ILIKE $%d)", len(args), len(args), len(args)))
		}
		if scope, scopeArgs := visibility.Scope(user.ID, user.Roles, len(args)); scope != "" {
			where = append(where, scope)
			args = append(args, scopeArgs...)
		}
		sql := "select " + ticketCols + " from tickets t where " + strings.Join(where, " and ") + " order by t.created_at desc limit 100"
		rows, err := a.DB.Query(c.Request.Context(), sql, args...)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []Ticket{}
		for rows.Next() {
			t, err := scanTicket(rows)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, t)
		}
		c.JSON(http.StatusOK, out)
	}
}

// Get returns one ticket inside the caller's visibility scope. Tickets
// outside the scope are indistinguishable from missing ones.
func Get(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := authpkg.Current(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		args := []any{c.Param("id")}
		sql := "select " + ticketCols + " from tickets t where t.id=$1 and t.deleted_at is null"
		if scope, scopeArgs := visibility.Scope(user.ID, user.Roles, len(args)); scope != "" {
			sql += " and " + scope
			args = append(args, scopeArgs...)
		}
		t, err := scanTicket(a.DB.QueryRow(c.Request.Context(), sql, args...))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, t)
	}
}
