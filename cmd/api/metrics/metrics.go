package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicketsCreated counts tickets created through any path.
	TicketsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsdesk_tickets_created_total",
		Help: "Tickets created, labeled by source.",
	}, []string{"source"})

	// AutoAssignments counts tickets assigned by the region heuristic.
	AutoAssignments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsdesk_ticket_auto_assignments_total",
		Help: "Tickets auto-assigned at creation time.",
	})

	// EventsPublished counts successful event broadcasts.
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsdesk_events_published_total",
		Help: "Events published to the broadcast channel.",
	})

	// TransitionsRejected counts work-order transitions outside the table.
	TransitionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsdesk_workorder_transitions_rejected_total",
		Help: "Work order status transitions rejected by the server-side guard.",
	})
)

// Handler exposes the prometheus registry.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
