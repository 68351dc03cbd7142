// Package contacts manages the contact directory and their organizations.
package contacts

import (
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	app "github.com/opsdesk/opsdesk/cmd/api/app"
)

var phoneRe = regexp.MustCompile(`^\+?[0-9 ()-]{6,20}$`)

// ValidEmail validates an RFC 5322 address.
func ValidEmail(e string) bool {
	if e == "" {
		return false
	}
	_, err := mail.ParseAddress(e)
	return err == nil
}

// ValidPhone validates a simple international phone number.
func ValidPhone(p string) bool {
	if p == "" {
		return false
	}
	return phoneRe.MatchString(p)
}

type Contact struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	Phone          string    `json:"phone,omitempty"`
	OrganizationID *string   `json:"organization_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type contactReq struct {
	Name           string  `json:"name" binding:"required"`
	Email          string  `json:"email" binding:"required"`
	Phone          string  `json:"phone"`
	OrganizationID *string `json:"organization_id"`
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

func validateContact(c *gin.Context, in contactReq) bool {
	if !ValidEmail(in.Email) {
		c.JSON(http.StatusBadRequest, gin.H{"errors": map[string]string{"email": "invalid"}})
		return false
	}
	if in.Phone != "" && !ValidPhone(in.Phone) {
		c.JSON(http.StatusBadRequest, gin.H{"errors": map[string]string{"phone": "invalid"}})
		return false
	}
	return true
}

// List returns contacts, optionally filtered by a search term or organization.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		sql := `select id::text, name, email, coalesce(phone,''), organization_id::text, created_at from contacts`
		where := []string{}
		args := []any{}
		if v := strings.TrimSpace(c.Query("search")); v != "" {
			args = append(args, "%"+v+"%")
			where = append(where, `(name ILIKE $1 OR email ILIKE $1)`)
		}
		if v := strings.TrimSpace(c.Query("organization")); v != "" {
			args = append(args, v)
			if len(args) == 1 {
				where = append(where, `organization_id = $1`)
			} else {
				where = append(where, `organization_id = $2`)
			}
		}
		if len(where) > 0 {
			sql += " where " + strings.Join(where, " and ")
		}
		sql += " order by name limit 200"
		rows, err := a.DB.Query(c.Request.Context(), sql, args...)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []Contact{}
		for rows.Next() {
			var ct Contact
			if err := rows.Scan(&ct.ID, &ct.Name, &ct.Email, &ct.Phone, &ct.OrganizationID, &ct.CreatedAt); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, ct)
		}
		c.JSON(http.StatusOK, out)
	}
}

// Create inserts a contact.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in contactReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		if !validateContact(c, in) {
			return
		}
		const q = `insert into contacts (name, email, phone, organization_id) values ($1, lower($2), nullif($3,''), $4) returning id::text`
		var id string
		if err := a.DB.QueryRow(c.Request.Context(), q, in.Name, in.Email, in.Phone, in.OrganizationID).Scan(&id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

// Update edits a contact.
func Update(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in contactReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		if !validateContact(c, in) {
			return
		}
		const q = `update contacts set name=$1, email=lower($2), phone=nullif($3,''), organization_id=$4 where id=$5`
		tag, err := a.DB.Exec(c.Request.Context(), q, in.Name, in.Email, in.Phone, in.OrganizationID, c.Param("id"))
		if err != nil || tag.RowsAffected() == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Delete removes a contact.
func Delete(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		tag, err := a.DB.Exec(c.Request.Context(), `delete from contacts where id=$1`, c.Param("id"))
		if err != nil || tag.RowsAffected() == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
