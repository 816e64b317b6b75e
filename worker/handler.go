// Package worker runs jobs on a robot: it claims work from the queue, keeps
// leases alive with heartbeats, executes registered handlers, and reports
// outcomes back through the queue's ownership-guarded operations.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/robofleet/fleetq/queue"
)

// JobHandler defines the interface for executing a specific job type.
// Domain packages implement this interface to handle their job types,
// allowing the queue infrastructure to remain decoupled from domain logic.
//
// Handlers identify themselves by name (e.g., "pallet.move", "inspection.run")
// and decode their own payload types from job.Payload.
type JobHandler interface {
	// Execute runs the job and returns its result document, or an error.
	//
	// Context cancellation: handlers MUST check ctx.Done() periodically and
	// exit promptly when cancelled. The runner cancels the context when the
	// robot loses the job's lease, and any result produced after that point
	// is discarded.
	Execute(ctx context.Context, job *queue.Job) (json.RawMessage, error)

	// Name returns the handler name used for registration and job routing.
	Name() string
}

// HandlerRegistry manages job handlers by name.
// Thread-safe for concurrent handler registration and lookup.
type HandlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handlerName := handler.Name()
	if _, exists := r.handlers[handlerName]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", handlerName))
	}
	r.handlers[handlerName] = handler
}

// Get retrieves the handler for a handler name.
// Returns nil if no handler is registered.
func (r *HandlerRegistry) Get(handlerName string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[handlerName]
}

// Has checks if a handler is registered for a name.
func (r *HandlerRegistry) Has(handlerName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[handlerName]
	return exists
}

// Names returns all registered handler names.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// HandlerFunc adapts a plain function into a JobHandler.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, job *queue.Job) (json.RawMessage, error)
}

// Execute implements JobHandler.
func (h HandlerFunc) Execute(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	return h.Fn(ctx, job)
}

// Name implements JobHandler.
func (h HandlerFunc) Name() string {
	return h.HandlerName
}
