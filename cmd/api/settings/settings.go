// Package settings serves the DB-backed key/value product settings and the
// lifecycle policy snapshot stamped onto tickets at creation.
package settings

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	app "github.com/opsdesk/opsdesk/cmd/api/app"
	eventspkg "github.com/opsdesk/opsdesk/cmd/api/events"
	"github.com/opsdesk/opsdesk/internal/lifecycle"
)

// Setting groups exposed over the API.
var groups = map[string]struct{}{
	"general":   {},
	"lifecycle": {},
	"mail":      {},
	"broadcast": {},
}

// LoadPolicy reads the lifecycle settings group into a snapshot. Missing or
// malformed values fall back to zero (feature disabled) so ticket creation
// never fails on settings.
func LoadPolicy(ctx context.Context, db app.DB) lifecycle.Policy {
	var pol lifecycle.Policy
	if db == nil {
		return pol
	}
	rows, err := db.Query(ctx, `select key, value from settings where group_name='lifecycle'`)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("load lifecycle settings")
		return pol
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			continue
		}
		switch k {
		case "escalate_value":
			pol.EscalateValue, _ = strconv.Atoi(v)
		case "escalate_unit":
			pol.EscalateUnit = v
		case "autoclose_value":
			pol.AutocloseValue, _ = strconv.Atoi(v)
		case "autoclose_unit":
			pol.AutocloseUnit = v
		case "date_format":
			pol.DateFormat = v
		}
	}
	return pol
}

// Get returns one settings group as a flat map.
func Get(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		group := c.Param("group")
		if _, ok := groups[group]; !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown group"})
			return
		}
		rows, err := a.DB.Query(c.Request.Context(), `select key, value from settings where group_name=$1 order by key`, group)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := map[string]string{}
		for rows.Next() {
			var k, v string
			if err := rows.Scan(&k, &v); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out[k] = v
		}
		c.JSON(http.StatusOK, out)
	}
}

// Save upserts a settings group from a flat map. Admin only (route-gated).
func Save(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		group := c.Param("group")
		if _, ok := groups[group]; !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown group"})
			return
		}
		var in map[string]string
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		ctx := c.Request.Context()
		for k, v := range in {
			const q = `insert into settings (group_name, key, value) values ($1, $2, $3)
on conflict (group_name, key) do update set value=excluded.value`
			if _, err := a.DB.Exec(ctx, q, group, k, v); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		eventspkg.Publish(ctx, a.Q, eventspkg.Event{Type: "settings_changed", Data: gin.H{"group": group}})
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
