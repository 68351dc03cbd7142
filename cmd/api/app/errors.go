package app

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Error is the wire shape for a failed request: a stable machine code, a
// human message, and optional per-field detail (validation, transition
// guards).
type Error struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
}

// Envelope wraps successful data or an error.
type Envelope struct {
	Data  interface{} `json:"data,omitempty"`
	Error *Error      `json:"error,omitempty"`
}

// AbortError records an error and aborts the handler chain. The Errors
// middleware renders it, so handlers never write the envelope themselves.
func AbortError(c *gin.Context, status int, code, message string, fields map[string]string) {
	c.Set("app_error", &Error{Code: code, Message: message, FieldErrors: fields})
	c.AbortWithStatus(status)
}

// Errors renders the recorded error as a JSON envelope and logs it with the
// request-scoped logger.
func Errors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		v, ok := c.Get("app_error")
		if !ok {
			return
		}
		appErr, ok := v.(*Error)
		if !ok {
			return
		}
		status := c.Writer.Status()
		ev := log.Ctx(c.Request.Context()).Error().
			Str("code", appErr.Code).
			Int("status", status)
		for k, v := range appErr.FieldErrors {
			ev = ev.Str("field_"+k, v)
		}
		ev.Msg(appErr.Message)
		c.JSON(status, Envelope{Error: appErr})
	}
}
