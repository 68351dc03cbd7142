// Package kb provides knowledge-base and FAQ queries shared by the API
// handlers and the public widget.
package kb

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Article struct {
	ID        string `json:"id"`
	Slug      string `json:"slug"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Published bool   `json:"published"`
}

type FAQ struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Search returns published articles matching q in title or body.
func Search(ctx context.Context, db DB, q string) ([]Article, error) {
	q = strings.TrimSpace(q)
	rows, err := db.Query(ctx, `select id::text, slug, title, body, published from kb_articles
where published and (title ilike '%'||$1||'%' or body ilike '%'||$1||'%') order by title limit 20`, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Article{}
	for rows.Next() {
		var a Article
		if err := rows.Scan(&a.ID, &a.Slug, &a.Title, &a.Body, &a.Published); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FAQs lists all FAQ entries in display order.
func FAQs(ctx context.Context, db DB) ([]FAQ, error) {
	rows, err := db.Query(ctx, `select id::text, question, answer from faqs order by position, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []FAQ{}
	for rows.Next() {
		var f FAQ
		if err := rows.Scan(&f.ID, &f.Question, &f.Answer); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
