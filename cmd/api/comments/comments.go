package comments

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"

	app "github.com/opsdesk/opsdesk/cmd/api/app"
	authpkg "github.com/opsdesk/opsdesk/cmd/api/auth"
	eventspkg "github.com/opsdesk/opsdesk/cmd/api/events"
	"github.com/opsdesk/opsdesk/internal/lifecycle"
	"github.com/opsdesk/opsdesk/internal/visibility"
)

var sanitizer = bluemonday.UGCPolicy()

type Comment struct {
	ID        string    `json:"id"`
	AuthorID  *string   `json:"author_id,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// List returns a ticket's comments oldest first, scoped to the caller.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := authpkg.Current(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		ctx := c.Request.Context()
		args := []any{c.Param("id")}
		q := `select 1 from tickets t where t.id=$1 and t.deleted_at is null`
		if scope, scopeArgs := visibility.Scope(user.ID, user.Roles, len(args)); scope != "" {
			q += " and " + scope
			args = append(args, scopeArgs...)
		}
		var one int
		if err := a.DB.QueryRow(ctx, q, args...).Scan(&one); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		rows, err := a.DB.Query(ctx, `select id::text, author_id::text, body, created_at from ticket_comments where ticket_id=$1 order by created_at asc`, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []Comment{}
		for rows.Next() {
			var cm Comment
			if err := rows.Scan(&cm.ID, &cm.AuthorID, &cm.Body, &cm.CreatedAt); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, cm)
		}
		c.JSON(http.StatusOK, out)
	}
}

// Add appends a comment to a ticket. A comment on a closed or pending
// ticket reopens it: status flips to open, the close timestamp is cleared,
// and the response timestamp is stamped with the comment's time. Comment
// insert and status flip happen in one transaction with the ticket row
// locked, so concurrent comments cannot leave a half-updated ticket.
func Add(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := authpkg.Current(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		var in struct {
			Body string `json:"body" binding:"required"`
		}
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		body := sanitizer.Sanitize(in.Body)

		ctx := c.Request.Context()
		db := a.DB
		var commit func() error
		var rollback func()
		if txdb, ok := a.DB.(app.TxDB); ok {
			tx, err := txdb.Begin(ctx)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			db = tx
			commit = func() error { return tx.Commit(ctx) }
			rollback = func() { _ = tx.Rollback(ctx) }
		}

		ticketID := c.Param("id")
		args := []any{ticketID}
		q := `select t.status from tickets t where t.id=$1 and t.deleted_at is null`
		if scope, scopeArgs := visibility.Scope(user.ID, user.Roles, len(args)); scope != "" {
			q += " and " + scope
			args = append(args, scopeArgs...)
		}
		q += " for update"
		var status string
		if err := db.QueryRow(ctx, q, args...).Scan(&status); err != nil {
			if rollback != nil {
				rollback()
			}
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}

		var id string
		if err := db.QueryRow(ctx, `insert into ticket_comments (ticket_id, author_id, body) values ($1, $2, $3) returning id::text`,
			ticketID, nilIfEmpty(user.ID), body).Scan(&id); err != nil {
			if rollback != nil {
				rollback()
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		reopened := false
		if lifecycle.ReopenOnComment(status) {
			reopened = true
			if _, err := db.Exec(ctx, `update tickets set status=$1, closed_at=null, first_response_at=now(), updated_at=now() where id=$2`,
				lifecycle.StatusOpen, ticketID); err != nil {
				if rollback != nil {
					rollback()
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else if visibility.Staff(user.Roles) {
			// First staff interaction marks the response timestamp, once.
			if _, err := db.Exec(ctx, `update tickets set first_response_at=coalesce(first_response_at, now()), updated_at=now() where id=$1`, ticketID); err != nil {
				if rollback != nil {
					rollback()
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		if commit != nil {
			if err := commit(); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		payload := gin.H{"id": id, "ticket_id": ticketID, "reopened": reopened}
		eventspkg.Emit(ctx, a.DB, ticketID, eventspkg.CommentAdded, payload)
		eventspkg.Publish(ctx, a.Q, eventspkg.Event{Type: eventspkg.CommentAdded, Data: payload})
		c.JSON(http.StatusCreated, gin.H{"id": id, "reopened": reopened})
	}
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
