// Package reports serves aggregate roll-ups for the dashboard.
package reports

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	app "github.com/opsdesk/opsdesk/cmd/api/app"
)

type bucket struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

var ticketGroups = map[string]string{
	"status":   "t.status",
	"priority": "t.priority",
	"category": "coalesce(c.name, 'uncategorized')",
	"assignee": "coalesce(u.display_name, 'unassigned')",
}

// parseRange reads optional from/to query params (RFC 3339 or YYYY-MM-DD).
func parseRange(c *gin.Context) (time.Time, time.Time, error) {
	from := time.Time{}
	to := time.Now()
	if s := c.Query("from"); s != "" {
		t, err := parseDate(s)
		if err != nil {
			return from, to, fmt.Errorf("from: %w", err)
		}
		from = t
	}
	if s := c.Query("to"); s != "" {
		t, err := parseDate(s)
		if err != nil {
			return from, to, fmt.Errorf("to: %w", err)
		}
		to = t
	}
	return from, to, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// Tickets groups ticket counts by the requested dimension over a date range.
func Tickets(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		col, ok := ticketGroups[c.DefaultQuery("group", "status")]
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown group"})
			return
		}
		from, to, err := parseRange(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		q := fmt.Sprintf(`select %s, count(*)
			from tickets t
			left join categories c on c.id = t.category_id
			left join users u on u.id = t.assigned_to
			where t.deleted_at is null and t.created_at >= $1 and t.created_at <= $2
			group by 1 order by 2 desc`, col)
		rows, err := a.DB.Query(c.Request.Context(), q, from, to)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []bucket{}
		for rows.Next() {
			var b bucket
			if err := rows.Scan(&b.Key, &b.Count); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, b)
		}
		c.JSON(http.StatusOK, out)
	}
}

// WorkOrders returns work order counts by status over a date range.
func WorkOrders(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		from, to, err := parseRange(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rows, err := a.DB.Query(c.Request.Context(),
			`select status, count(*) from work_orders where created_at >= $1 and created_at <= $2 group by 1 order by 1`, from, to)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []bucket{}
		for rows.Next() {
			var b bucket
			if err := rows.Scan(&b.Key, &b.Count); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, b)
		}
		c.JSON(http.StatusOK, out)
	}
}

// ResponseTimes reports average first-response and resolution times in
// minutes for tickets created in the range.
func ResponseTimes(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		from, to, err := parseRange(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var firstResponse, resolution *float64
		err = a.DB.QueryRow(c.Request.Context(),
			`select
				avg(extract(epoch from first_response_at - created_at) / 60),
				avg(extract(epoch from resolved_at - created_at) / 60)
			from tickets
			where deleted_at is null and created_at >= $1 and created_at <= $2`, from, to).
			Scan(&firstResponse, &resolution)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"avg_first_response_minutes": firstResponse,
			"avg_resolution_minutes":     resolution,
		})
	}
}
