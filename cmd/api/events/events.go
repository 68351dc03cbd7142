// Package events records ticket events and fans them out to subscribers.
// Delivery is best effort: a failed publish is logged and never fails the
// mutation that triggered it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	apppkg "github.com/opsdesk/opsdesk/cmd/api/app"
	metricspkg "github.com/opsdesk/opsdesk/cmd/api/metrics"
)

// Event names emitted by the API.
const (
	TicketCreated   = "ticket_created"
	TicketAssigned  = "ticket_assigned"
	TicketUpdated   = "ticket_updated"
	TicketEscalated = "ticket_escalated"
	CommentAdded    = "comment_added"
	MessageCreated  = "message_created"
)

// Channel is the redis pub/sub channel events are broadcast on.
const Channel = "events"

// Event represents a message broadcast to subscribers.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// RoleUser is the minimal interface required for role-based filtering.
type RoleUser interface {
	GetRoles() []string
}

// Emit records a ticket event in the database. Best effort; errors are ignored.
func Emit(ctx context.Context, db apppkg.DB, ticketID, typ string, data interface{}) {
	if db == nil {
		return
	}
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	const q = `insert into ticket_events (ticket_id, event_type, payload) values ($1, $2, $3)`
	_, _ = db.Exec(ctx, q, ticketID, typ, b)
}

// Publish sends an event to the redis events channel. Failures are logged
// and swallowed; the triggering mutation is the source of truth.
func Publish(ctx context.Context, rdb *redis.Client, ev Event) {
	if rdb == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("type", ev.Type).Msg("event marshal")
		return
	}
	if err := rdb.Publish(ctx, Channel, b).Err(); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("type", ev.Type).Msg("event publish")
		return
	}
	metricspkg.EventsPublished.Inc()
}

// Stream serves server-sent events to authenticated clients. Admin-only
// event types are filtered for everyone else.
func Stream(rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rdb == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "events not available"})
			return
		}
		uVal, ok := c.Get("user")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		user, ok := uVal.(RoleUser)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid user"})
			return
		}

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		flusher, ok := c.Writer.(http.Flusher)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}

		ctx := c.Request.Context()
		sub := rdb.Subscribe(ctx, Channel)
		defer sub.Close()
		ch := sub.Channel()

		isAdmin := hasRole(user.GetRoles(), "admin")

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				if ev.Type == "settings_changed" && !isAdmin {
					continue
				}
				fmt.Fprintf(c.Writer, "event: %s\n", ev.Type)
				fmt.Fprintf(c.Writer, "data: %s\n\n", msg.Payload)
				flusher.Flush()
			}
		}
	}
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
