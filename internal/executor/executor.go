// Package executor defines the boundary between the broker and the
// generated business logic. The broker never knows what a tool does
// internally; it only routes requests to an Executor and relays results.
package executor

import "context"

// CallContext carries per-invocation metadata into a tool handler.
type CallContext struct {
	// IdempotencyKey is the request id of the invocation. Handlers with
	// side effects may use it for their own deduplication; the broker
	// already guarantees at-most-once execution per key while results
	// are cached.
	IdempotencyKey string

	// Report forwards progress in [0,100] with an optional note. Nil on
	// the simple (non-job) path; handlers must check before calling.
	Report func(progress int, message string)
}

// Executor runs a named tool. Implementations must honor ctx
// cancellation on a best-effort basis and return an error carrying a
// human-readable message on failure.
type Executor interface {
	Execute(ctx context.Context, tool string, params map[string]any, call CallContext) (any, error)
}
