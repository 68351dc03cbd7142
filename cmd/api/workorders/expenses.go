package workorders

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	app "github.com/opsdesk/opsdesk/cmd/api/app"
)

type Expense struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Amount      float64   `json:"amount"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListExpenses returns a work order's expenses oldest first.
func ListExpenses(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var one int
		if err := a.DB.QueryRow(c.Request.Context(), `select 1 from work_orders where id=$1`, c.Param("id")).Scan(&one); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		rows, err := a.DB.Query(c.Request.Context(),
			`select id::text, description, amount, created_at from work_order_expenses where work_order_id=$1 order by created_at`, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []Expense{}
		for rows.Next() {
			var e Expense
			if err := rows.Scan(&e.ID, &e.Description, &e.Amount, &e.CreatedAt); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, e)
		}
		c.JSON(http.StatusOK, out)
	}
}

// AddExpense records an expense line against a work order.
func AddExpense(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in struct {
			Description string  `json:"description" binding:"required"`
			Amount      float64 `json:"amount" binding:"required,gt=0"`
		}
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		var one int
		if err := a.DB.QueryRow(c.Request.Context(), `select 1 from work_orders where id=$1`, c.Param("id")).Scan(&one); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		var id string
		if err := a.DB.QueryRow(c.Request.Context(),
			`insert into work_order_expenses (work_order_id, description, amount) values ($1, $2, $3) returning id::text`,
			c.Param("id"), in.Description, in.Amount).Scan(&id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

// DeleteExpense removes an expense line.
func DeleteExpense(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		tag, err := a.DB.Exec(c.Request.Context(),
			`delete from work_order_expenses where id=$1 and work_order_id=$2`, c.Param("expID"), c.Param("id"))
		if err != nil || tag.RowsAffected() == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
