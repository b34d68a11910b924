package orchestrator

import (
	"context"
	"sync"

	"github.com/ontoplane/ontos/errors"
)

// JobHandler executes one job type. Execute must be safe to retry: the
// queue guarantees at-least-once delivery, not exactly-once.
type JobHandler interface {
	// Name returns the job type this handler serves
	Name() string

	// Execute runs the job. A non-nil error triggers the retry/backoff
	// path; nil marks the job COMPLETED.
	Execute(ctx context.Context, job *Job) error
}

// HandlerRegistry maps job types to their handlers
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]JobHandler
}

// NewHandlerRegistry creates an empty registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]JobHandler)}
}

// Register adds a handler, replacing any previous handler for the same type
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handler.Name()] = handler
}

// Get returns the handler for a job type, or an error if none is
// registered. A missing handler is an ordinary job failure, not a crash:
// the job retries and eventually dead-letters like any other error.
func (r *HandlerRegistry) Get(jobType string) (JobHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[jobType]
	if !ok {
		return nil, errors.Newf("no handler registered for job type %s", jobType)
	}
	return handler, nil
}

// Types returns the registered job types
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		types = append(types, name)
	}
	return types
}
