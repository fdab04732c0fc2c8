package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error is an HTTP-facing application error. Message is safe to show to
// clients; Err carries the internal cause and is never serialised.
type Error struct {
	Code    int    `json:"-"`
	Message string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error.
func New(code int, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithKind returns a copy of e tagged with a machine-readable kind.
func (e *Error) WithKind(kind string) *Error {
	cp := *e
	cp.Kind = kind
	return &cp
}

// Wrap returns a copy of base carrying err as its cause.
func Wrap(base *Error, err error) *Error {
	cp := *base
	cp.Err = err
	return &cp
}

var (
	ErrBadRequest         = New(http.StatusBadRequest, "Bad request", nil)
	ErrUnauthorized       = New(http.StatusUnauthorized, "Unauthorized", nil)
	ErrNotFound           = New(http.StatusNotFound, "Not found", nil)
	ErrConflict           = New(http.StatusConflict, "Conflict", nil)
	ErrTooManyRequests    = New(http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.", nil)
	ErrInternalServer     = New(http.StatusInternalServerError, "Internal server error", nil)
	ErrServiceUnavailable = New(http.StatusServiceUnavailable, "Service unavailable", nil)
	ErrValidation         = New(http.StatusBadRequest, "Validation error", nil)
)

// As converts any error into an *Error, falling back to a 500.
func As(err error) *Error {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Wrap(ErrInternalServer, err)
}

// ErrorMiddleware renders the last error attached to the gin context, unless
// the handler already wrote a response.
func ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		appErr := As(c.Errors.Last().Err)
		c.AbortWithStatusJSON(appErr.Code, appErr)
	}
}
