package settings

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	app "github.com/opsdesk/opsdesk/cmd/api/app"
)

const roleCacheKey = "opsdesk:roles"

// ListRoles returns all role names, served from the redis cache when warm.
func ListRoles(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if a.Q != nil {
			if cached, err := a.Q.SMembers(ctx, roleCacheKey).Result(); err == nil && len(cached) > 0 {
				c.JSON(http.StatusOK, cached)
				return
			}
		}
		rows, err := a.DB.Query(ctx, `select name from roles order by name`)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []string{}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, name)
		}
		if a.Q != nil && len(out) > 0 {
			vals := make([]interface{}, len(out))
			for i, v := range out {
				vals[i] = v
			}
			if err := a.Q.SAdd(ctx, roleCacheKey, vals...).Err(); err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("role cache fill")
			}
		}
		c.JSON(http.StatusOK, out)
	}
}

// SetUserRoles replaces a user's role set and invalidates the role cache.
func SetUserRoles(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in struct {
			Roles []string `json:"roles" binding:"required"`
		}
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		ctx := c.Request.Context()
		userID := c.Param("id")
		var exists bool
		if err := a.DB.QueryRow(ctx, `select exists(select 1 from users where id=$1)`, userID).Scan(&exists); err != nil || !exists {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if _, err := a.DB.Exec(ctx, `delete from user_roles where user_id=$1`, userID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		for _, r := range in.Roles {
			const q = `insert into user_roles (user_id, role_id)
select $1, id from roles where name=$2 on conflict do nothing`
			if _, err := a.DB.Exec(ctx, q, userID, r); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		if a.Q != nil {
			if err := a.Q.Del(ctx, roleCacheKey).Err(); err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("role cache invalidate")
			}
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
