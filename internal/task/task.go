// Package task maps task types to handlers. Handlers receive resolved
// inputs and signal transience through the typed Error; the retry layer
// never guesses.
package task

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Error is a handler failure with an explicit transience flag and, for HTTP
// failures, the status code.
type Error struct {
	Message    string
	Transient  bool
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error     { return e.Err }
func (e *Error) IsTransient() bool { return e.Transient }

// Fatal wraps a non-retryable failure.
func Fatal(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Transient wraps a retryable failure.
func Transient(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Transient: true}
}

// WrapTransient keeps err in the chain with a transient flag.
func WrapTransient(err error, msg string) *Error {
	return &Error{Message: msg, Transient: true, Err: err}
}

// WrapFatal keeps err in the chain without a transient flag.
func WrapFatal(err error, msg string) *Error {
	return &Error{Message: msg, Err: err}
}

// ArtifactSink stores binary artifacts (screenshots, page HTML) produced
// mid-task. The engine scopes it to the running run's directory.
type ArtifactSink interface {
	SaveBinary(ctx context.Context, kind, contentType, ext string, data []byte) (uri string, err error)
}

// Exec is the per-run execution environment handed to every handler.
type Exec struct {
	RunID    string
	PlanID   string
	BrokerID string // derived from broker_-prefixed plan ids; empty otherwise

	Params  map[string]any
	Targets map[string]any
	State   map[string]any

	Artifacts ArtifactSink
	Logger    *zap.Logger
}

// Handler executes one task type. The input has already had its references
// resolved; the context carries the per-call timeout.
type Handler func(ctx context.Context, exec *Exec, input map[string]any) (map[string]any, error)

func str(input map[string]any, key string) string {
	if s, ok := input[key].(string); ok {
		return s
	}
	return ""
}

func strMap(input map[string]any, key string) map[string]string {
	out := map[string]string{}
	m, ok := input[key].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func anyMap(input map[string]any, key string) map[string]any {
	if m, ok := input[key].(map[string]any); ok {
		return m
	}
	return nil
}

func num(input map[string]any, key string) (float64, bool) {
	switch v := input[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func boolean(input map[string]any, key string) bool {
	b, _ := input[key].(bool)
	return b
}
