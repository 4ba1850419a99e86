// Package apperror defines the planner's error taxonomy.
//
// Every failure that reaches a session boundary is converted into an *Error
// carrying a kind, a severity and a human-readable suggestion. Errors that do
// not already carry a kind are classified by keywords in their message.
package apperror

import (
	"context"
	"errors"
	"strings"
)

// Kind is the category of a failure.
type Kind string

// Error kinds.
const (
	KindRateLimit      Kind = "rate_limit"
	KindAuthentication Kind = "authentication"
	KindNetwork        Kind = "network"
	KindValidation     Kind = "validation"
	KindProcessing     Kind = "processing"
	KindConfiguration  Kind = "configuration"
	KindMemory         Kind = "memory"
	KindTimeout        Kind = "timeout"
	KindUnknown        Kind = "unknown"
)

// Severity grades how badly a failure affects the conversation.
type Severity string

// Severities, lowest first.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

const defaultSuggestion = "Please try again or contact support"

type kindDefaults struct {
	severity   Severity
	suggestion string
}

var defaults = map[Kind]kindDefaults{
	KindRateLimit:      {SeverityMedium, "Please wait a moment and try again"},
	KindAuthentication: {SeverityHigh, "Please check your API credentials"},
	KindNetwork:        {SeverityMedium, "Please check your internet connection"},
	KindValidation:     {SeverityLow, "Please check your input and try again"},
	KindProcessing:     {SeverityMedium, defaultSuggestion},
	KindConfiguration:  {SeverityHigh, "Please check your configuration settings"},
	KindMemory:         {SeverityMedium, "Please clear conversation history or restart"},
	KindTimeout:        {SeverityMedium, "Please try again with a simpler request"},
	KindUnknown:        {SeverityMedium, defaultSuggestion},
}

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Severity   Severity
	Message    string
	Suggestion string
	Err        error
}

// New builds an Error with the default severity and suggestion for kind.
func New(kind Kind, message string, cause error) *Error {
	d, ok := defaults[kind]
	if !ok {
		kind = KindUnknown
		d = defaults[KindUnknown]
	}
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{
		Kind:       kind,
		Severity:   d.severity,
		Message:    message,
		Suggestion: d.suggestion,
		Err:        cause,
	}
}

// WithSeverity overrides the severity and returns e.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether the conversation can continue after e.
func (e *Error) Recoverable() bool {
	return e.Severity != SeverityCritical
}

// UserMessage renders e for display to a user.
func (e *Error) UserMessage() string {
	msg := e.Message
	if msg == "" {
		msg = "An unexpected error occurred"
	}
	return msg + "\n\nSuggestion: " + e.Suggestion
}

// Kinded is implemented by errors from other packages that know their kind.
type Kinded interface {
	ErrorKind() Kind
}

// Classify converts err into an *Error. Typed errors keep their kind; other
// errors are classified by keywords in their message.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}

	var k Kinded
	if errors.As(err, &k) {
		return New(k.ErrorKind(), err.Error(), err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, err.Error(), err)
	}

	return New(classifyMessage(err.Error()), err.Error(), err)
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	ae := Classify(err)
	return ae != nil && ae.Kind == kind
}

func classifyMessage(msg string) Kind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "rate limit") || strings.Contains(m, "429"):
		return KindRateLimit
	case strings.Contains(m, "authentication") || strings.Contains(m, "401"):
		return KindAuthentication
	case strings.Contains(m, "network") || strings.Contains(m, "connection"):
		return KindNetwork
	case strings.Contains(m, "timeout"):
		return KindTimeout
	case strings.Contains(m, "memory"):
		return KindMemory
	default:
		return KindUnknown
	}
}
