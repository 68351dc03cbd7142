// Package catalog serves the lookup entities tickets reference: categories,
// departments, regions, ticket types, custom statuses, and priorities. One
// handler set covers them all; writes are admin-gated at the routes.
package catalog

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	app "github.com/opsdesk/opsdesk/cmd/api/app"
)

// Entity maps a URL segment to its lookup table.
type Entity struct {
	Slug  string
	Table string
}

var Entities = []Entity{
	{Slug: "categories", Table: "categories"},
	{Slug: "departments", Table: "departments"},
	{Slug: "regions", Table: "regions"},
	{Slug: "types", Table: "ticket_types"},
	{Slug: "statuses", Table: "ticket_statuses"},
	{Slug: "priorities", Table: "priorities"},
	{Slug: "assets", Table: "assets"},
}

type item struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type itemReq struct {
	Name string `json:"name" binding:"required,min=2"`
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

// List returns all rows, optionally filtered by a search term.
func List(a *app.App, e Entity) gin.HandlerFunc {
	return func(c *gin.Context) {
		sql := `select id::text, name, created_at from ` + e.Table
		args := []any{}
		if v := strings.TrimSpace(c.Query("search")); v != "" {
			sql += ` where name ILIKE $1`
			args = append(args, "%"+v+"%")
		}
		sql += ` order by name`
		rows, err := a.DB.Query(c.Request.Context(), sql, args...)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []item{}
		for rows.Next() {
			var it item
			if err := rows.Scan(&it.ID, &it.Name, &it.CreatedAt); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, it)
		}
		c.JSON(http.StatusOK, out)
	}
}

// Create inserts a named row.
func Create(a *app.App, e Entity) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in itemReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		var id string
		err := a.DB.QueryRow(c.Request.Context(), `insert into `+e.Table+` (name) values ($1) returning id::text`, in.Name).Scan(&id)
		if err != nil {
			if strings.Contains(err.Error(), "duplicate") {
				c.JSON(http.StatusConflict, gin.H{"errors": map[string]string{"name": "taken"}})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id, "name": in.Name})
	}
}

// Update renames a row.
func Update(a *app.App, e Entity) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in itemReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		tag, err := a.DB.Exec(c.Request.Context(), `update `+e.Table+` set name=$1 where id=$2`, in.Name, c.Param("id"))
		if err != nil || tag.RowsAffected() == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Delete removes one row.
func Delete(a *app.App, e Entity) gin.HandlerFunc {
	return func(c *gin.Context) {
		tag, err := a.DB.Exec(c.Request.Context(), `delete from `+e.Table+` where id=$1`, c.Param("id"))
		if err != nil || tag.RowsAffected() == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// BulkDelete removes a set of rows by id.
func BulkDelete(a *app.App, e Entity) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in struct {
			IDs []string `json:"ids" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		tag, err := a.DB.Exec(c.Request.Context(), `delete from `+e.Table+` where id = any($1)`, in.IDs)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": tag.RowsAffected()})
	}
}
