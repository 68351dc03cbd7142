// Package attachments stores ticket and work-order files in the object store.
package attachments

import (
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	app "github.com/opsdesk/opsdesk/cmd/api/app"
	authpkg "github.com/opsdesk/opsdesk/cmd/api/auth"
)

// Owner describes which parent table an attachment set hangs off.
type Owner struct {
	// Table is the parent table used for the existence check.
	Table string
	// Column is the attachment table's foreign key column.
	Column string
	// Prefix namespaces object keys, e.g. "tickets".
	Prefix string
}

var (
	TicketOwner    = Owner{Table: "tickets", Column: "ticket_id", Prefix: "tickets"}
	WorkOrderOwner = Owner{Table: "work_orders", Column: "work_order_id", Prefix: "workorders"}
)

type attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Bytes    int64  `json:"bytes"`
}

// List returns the parent's attachments oldest first.
func List(a *app.App, o Owner) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := `select id::text, filename, bytes from attachments where ` + o.Column + `=$1 order by created_at asc`
		rows, err := a.DB.Query(c.Request.Context(), q, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []attachment{}
		for rows.Next() {
			var at attachment
			if err := rows.Scan(&at.ID, &at.Filename, &at.Bytes); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, at)
		}
		c.JSON(http.StatusOK, out)
	}
}

// Upload stores a multipart file in the object store and records it.
func Upload(a *app.App, o Owner) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := authpkg.Current(c)
		if !ok || user.ID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		if a.M == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "object store not configured"})
			return
		}
		var one int
		if err := a.DB.QueryRow(c.Request.Context(), `select 1 from `+o.Table+` where id=$1`, c.Param("id")).Scan(&one); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		f, header, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file required"})
			return
		}
		defer f.Close()
		safeName := sanitizeFilename(header.Filename)
		if safeName == "" {
			safeName = "file"
		}
		key := o.Prefix + "/" + c.Param("id") + "/" + uuid.New().String() + "-" + safeName
		ct := header.Header.Get("Content-Type")
		if ct == "" {
			ct = mime.TypeByExtension(filepath.Ext(header.Filename))
		}
		if _, err := a.M.PutObject(c.Request.Context(), a.Cfg.MinIOBucket, key, f, header.Size, minio.PutObjectOptions{ContentType: ct}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		q := `insert into attachments (` + o.Column + `, uploader_id, object_key, filename, bytes) values ($1, $2, $3, $4, $5) returning id::text`
		var id string
		if err := a.DB.QueryRow(c.Request.Context(), q, c.Param("id"), user.ID, key, header.Filename, header.Size).Scan(&id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

// Get serves the file from the filesystem store, or redirects to a
// presigned URL when backed by MinIO.
func Get(a *app.App, o Owner) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := `select object_key, filename from attachments where id=$1 and ` + o.Column + `=$2`
		var key, fn string
		if err := a.DB.QueryRow(c.Request.Context(), q, c.Param("attID"), c.Param("id")).Scan(&key, &fn); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if a.M == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "object store not configured"})
			return
		}
		if fs, ok := a.M.(*app.FsObjectStore); ok {
			root := filepath.Join(fs.Base, a.Cfg.MinIOBucket)
			path := filepath.Clean(filepath.Join(root, key))
			if rel, err := filepath.Rel(root, path); err != nil || strings.HasPrefix(rel, "..") {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
				return
			}
			b, err := os.ReadFile(path)
			if err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.Writer.Header().Set("Content-Type", mime.TypeByExtension(filepath.Ext(fn)))
			c.Writer.Header().Set("Content-Disposition", "attachment; filename=\""+strings.ReplaceAll(fn, "\"", "")+"\"")
			_, _ = c.Writer.Write(b)
			return
		}
		u, err := a.M.PresignedGetObject(c.Request.Context(), a.Cfg.MinIOBucket, key, 15*time.Minute, url.Values{})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Redirect(http.StatusTemporaryRedirect, u.String())
	}
}

// Delete removes the record and the stored object.
func Delete(a *app.App, o Owner) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := `delete from attachments where id=$1 and ` + o.Column + `=$2 returning object_key`
		var key string
		if err := a.DB.QueryRow(c.Request.Context(), q, c.Param("attID"), c.Param("id")).Scan(&key); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if a.M != nil {
			_ = a.M.RemoveObject(c.Request.Context(), a.Cfg.MinIOBucket, key, minio.RemoveObjectOptions{})
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		}
		return '-'
	}, name)
	return strings.Trim(name, "-.")
}
