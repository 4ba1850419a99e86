package crm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ashureev/reqplan/internal/apperror"
)

var (
	// ErrAuthentication marks token endpoint rejections and repeated 401s.
	ErrAuthentication = errors.New("crm authentication failed")
	// ErrNotConfigured is returned when no grant type can be used.
	ErrNotConfigured = errors.New("crm connector not configured")
	// ErrFieldNotFound is returned by FieldDetails for unknown fields.
	ErrFieldNotFound = errors.New("field not found")
)

// ConnectionError is the single error kind raised by the connector.
// It carries the failing operation and the underlying cause.
type ConnectionError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("crm %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("crm %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ErrorKind maps the failure onto the error taxonomy.
func (e *ConnectionError) ErrorKind() apperror.Kind {
	switch {
	case errors.Is(e.Err, ErrAuthentication) || e.StatusCode == http.StatusUnauthorized:
		return apperror.KindAuthentication
	case e.StatusCode == http.StatusTooManyRequests:
		return apperror.KindRateLimit
	case errors.Is(e.Err, ErrNotConfigured):
		return apperror.KindConfiguration
	case errors.Is(e.Err, context.DeadlineExceeded):
		return apperror.KindTimeout
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return apperror.KindValidation
	default:
		return apperror.KindNetwork
	}
}
