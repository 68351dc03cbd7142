// Package chat serves the public widget conversations. Conversations are
// anonymous (a visitor token identifies the browser); staff reply from the
// dashboard. New messages are broadcast through the ws hub; broadcast
// failure never fails the write.
package chat

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	app "github.com/opsdesk/opsdesk/cmd/api/app"
	authpkg "github.com/opsdesk/opsdesk/cmd/api/auth"
	wspkg "github.com/opsdesk/opsdesk/cmd/api/ws"
)

var sanitizer = bluemonday.StrictPolicy()

type Conversation struct {
	ID           string    `json:"id"`
	VisitorName  string    `json:"visitor_name"`
	VisitorEmail string    `json:"visitor_email,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Message struct {
	ID        string    `json:"id"`
	AuthorID  *string   `json:"author_id,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// StartConversation opens a widget conversation and returns its id plus the
// visitor token the widget uses on subsequent calls.
func StartConversation(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in struct {
			Name  string `json:"name" binding:"required"`
			Email string `json:"email" binding:"omitempty,email"`
		}
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		token := uuid.New().String()
		var id string
		const q = `insert into conversations (visitor_name, visitor_email, visitor_token) values ($1, nullif($2,''), $3) returning id::text`
		if err := a.DB.QueryRow(c.Request.Context(), q, in.Name, in.Email, token).Scan(&id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id, "token": token})
	}
}

// visitorOwns checks the widget token against the conversation.
func visitorOwns(c *gin.Context, a *app.App, convID string) bool {
	token := c.GetHeader("X-Visitor-Token")
	if token == "" {
		return false
	}
	var one int
	err := a.DB.QueryRow(c.Request.Context(), `select 1 from conversations where id=$1 and visitor_token=$2`, convID, token).Scan(&one)
	return err == nil
}

// ListMessages returns a conversation's messages oldest first. Visitors
// need their token; staff see any conversation.
func ListMessages(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		convID := c.Param("id")
		if user, ok := authpkg.Current(c); !ok || !user.HasRole("agent") && !user.HasRole("manager") && !user.HasRole("admin") {
			if !visitorOwns(c, a, convID) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
		}
		rows, err := a.DB.Query(c.Request.Context(),
			`select id::text, author_id::text, body, created_at from conversation_messages where conversation_id=$1 order by created_at`, convID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []Message{}
		for rows.Next() {
			var m Message
			if err := rows.Scan(&m.ID, &m.AuthorID, &m.Body, &m.CreatedAt); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, m)
		}
		c.JSON(http.StatusOK, out)
	}
}

// PostMessage appends a message. The author is nil for visitors and the
// staff user id for dashboard replies.
func PostMessage(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		convID := c.Param("id")
		var authorID any
		staff := false
		if user, ok := authpkg.Current(c); ok && (user.HasRole("agent") || user.HasRole("manager") || user.HasRole("admin")) {
			authorID = user.ID
			staff = true
		}
		if !staff && !visitorOwns(c, a, convID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		var in struct {
			Body string `json:"body" binding:"required"`
		}
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		body := sanitizer.Sanitize(in.Body)
		var id string
		var createdAt time.Time
		const q = `insert into conversation_messages (conversation_id, author_id, body) values ($1, $2, $3) returning id::text, created_at`
		if err := a.DB.QueryRow(c.Request.Context(), q, convID, authorID, body).Scan(&id, &createdAt); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		wspkg.Publish(c.Request.Context(), a.Q, wspkg.Event{
			Type:           "message_created",
			ConversationID: convID,
			Data:           Message{ID: id, Body: body, CreatedAt: createdAt},
		})
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

// ListConversations returns recent conversations for the staff inbox.
func ListConversations(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := a.DB.Query(c.Request.Context(),
			`select id::text, visitor_name, coalesce(visitor_email,''), created_at from conversations order by created_at desc limit 100`)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer rows.Close()
		out := []Conversation{}
		for rows.Next() {
			var cv Conversation
			if err := rows.Scan(&cv.ID, &cv.VisitorName, &cv.VisitorEmail, &cv.CreatedAt); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out = append(out, cv)
		}
		c.JSON(http.StatusOK, out)
	}
}

// Socket upgrades the connection and joins it to a conversation (visitors)
// or the whole stream (staff).
func Socket(a *app.App, hub *wspkg.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		convID := c.Query("conversation")
		staff := false
		if user, ok := authpkg.Current(c); ok && (user.HasRole("agent") || user.HasRole("manager") || user.HasRole("admin")) {
			staff = true
		}
		if !staff {
			if convID == "" || !visitorOwns(c, a, convID) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
		}
		conn, err := wspkg.Upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := wspkg.NewClient(hub, conn, convID, staff)
		hub.Register(client)
		go client.WritePump(c.Request.Context())
		client.ReadPump()
	}
}
