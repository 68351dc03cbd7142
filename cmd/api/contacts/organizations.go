package contacts

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	app "github.com/opsdesk/opsdesk/cmd/api/app"
)

type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ListOrganizations returns all organizations.
func ListOrganizations(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := a.DB.Query(c.Request.Context(), `select id::text, name, created_at from organizations order by name`)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []Organization{}
		for rows.Next() {
			var o Organization
			if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, o)
		}
		c.JSON(http.StatusOK, out)
	}
}

// CreateOrganization inserts an organization.
func CreateOrganization(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in struct {
			Name string `json:"name" binding:"required,min=2"`
		}
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		var id string
		if err := a.DB.QueryRow(c.Request.Context(), `insert into organizations (name) values ($1) returning id::text`, in.Name).Scan(&id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

// DeleteOrganization removes an organization; member contacts keep their rows.
func DeleteOrganization(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		tag, err := a.DB.Exec(c.Request.Context(), `delete from organizations where id=$1`, c.Param("id"))
		if err != nil || tag.RowsAffected() == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
