// Package analysis wraps the external analysis capability: the opaque
// text/JSON generator invoked with a task description and a context string.
//
// Capabilities themselves neither retry nor time out; Guard adds both.
package analysis

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when a capability produced no text.
var ErrEmptyResponse = errors.New("capability returned an empty response")

// Capability executes one analysis task.
type Capability interface {
	Execute(ctx context.Context, task, taskContext string) (string, error)
}

// Func adapts a function to the Capability interface.
type Func func(ctx context.Context, task, taskContext string) (string, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, task, taskContext string) (string, error) {
	return f(ctx, task, taskContext)
}

// Unavailable is a Capability that always fails with err.
func Unavailable(err error) Capability {
	return Func(func(context.Context, string, string) (string, error) { return "", err })
}
