package kb

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"

	apppkg "github.com/opsdesk/opsdesk/cmd/api/app"
	kbsvc "github.com/opsdesk/opsdesk/internal/kb"
)

var sanitizer = bluemonday.UGCPolicy()

// Search returns published articles matching the query parameter `q`.
func Search(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := c.Query("q")
		arts, err := kbsvc.Search(c.Request.Context(), a.DB, q)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, arts)
	}
}

// FAQs lists the FAQ entries shown on the public widget.
func FAQs(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := kbsvc.FAQs(c.Request.Context(), a.DB)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

type articleReq struct {
	Slug      string `json:"slug" binding:"required"`
	Title     string `json:"title" binding:"required,min=3"`
	Body      string `json:"body" binding:"required"`
	Published bool   `json:"published"`
}

// CreateArticle inserts a knowledge-base article with a sanitized body.
func CreateArticle(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in articleReq
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		in.Slug = strings.ToLower(strings.TrimSpace(in.Slug))
		var id string
		const q = `insert into kb_articles (slug, title, body, published) values ($1, $2, $3, $4) returning id::text`
		if err := a.DB.QueryRow(c.Request.Context(), q, in.Slug, in.Title, sanitizer.Sanitize(in.Body), in.Published).Scan(&id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

// UpdateArticle edits an article.
func UpdateArticle(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in articleReq
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		const q = `update kb_articles set slug=$1, title=$2, body=$3, published=$4, updated_at=now() where id=$5`
		tag, err := a.DB.Exec(c.Request.Context(), q, strings.ToLower(strings.TrimSpace(in.Slug)), in.Title, sanitizer.Sanitize(in.Body), in.Published, c.Param("id"))
		if err != nil || tag.RowsAffected() == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// DeleteArticle removes an article.
func DeleteArticle(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		tag, err := a.DB.Exec(c.Request.Context(), `delete from kb_articles where id=$1`, c.Param("id"))
		if err != nil || tag.RowsAffected() == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

type faqReq struct {
	Question string `json:"question" binding:"required"`
	Answer   string `json:"answer" binding:"required"`
	Position int    `json:"position"`
}

// CreateFAQ inserts an FAQ entry.
func CreateFAQ(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in faqReq
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		var id string
		const q = `insert into faqs (question, answer, position) values ($1, $2, $3) returning id::text`
		if err := a.DB.QueryRow(c.Request.Context(), q, in.Question, sanitizer.Sanitize(in.Answer), in.Position).Scan(&id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

// DeleteFAQ removes an FAQ entry.
func DeleteFAQ(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		tag, err := a.DB.Exec(c.Request.Context(), `delete from faqs where id=$1`, c.Param("id"))
		if err != nil || tag.RowsAffected() == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
