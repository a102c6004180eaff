// Package tasks provides fire-and-forget background work. Request handlers
// submit a serializable task and never wait on its execution.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
)

// Task is one unit of background work. Payload stays opaque to the
// dispatcher; the handler registered for Kind decodes it.
type Task struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Handler executes one task kind.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Dispatcher accepts tasks for asynchronous execution. Handlers are
// registered per kind before the first Submit.
type Dispatcher interface {
	Handle(kind string, handler Handler)
	Submit(task Task) error
	Close() error
}

var (
	// ErrQueueFull is returned instead of blocking the submitting request.
	ErrQueueFull   = errors.New("task queue full")
	ErrUnknownKind = errors.New("no handler for task kind")
	ErrClosed      = errors.New("dispatcher closed")
)

// NewTask marshals a payload into a Task.
func NewTask(kind string, payload any) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, err
	}
	return Task{Kind: kind, Payload: raw}, nil
}
