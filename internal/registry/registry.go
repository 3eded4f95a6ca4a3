// Package registry maps handler names to the functions workers execute.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"jobengine/internal/models"
)

// ErrHandlerNotFound is returned by Resolve for names nothing registered.
var ErrHandlerNotFound = errors.New("HandlerNotFound")

// Handler executes one job. The returned value is persisted as the job result; any
// error fails the job.
type Handler func(ctx context.Context, inv Invocation) (any, error)

// Invocation is what a handler sees of the job it runs.
type Invocation struct {
	JobID      string
	JobType    string
	QueueName  string
	Parameters map[string]any
	Reporter   Reporter
}

// Reporter lets a running handler publish progress, log lines and artifacts.
// Progress and Log never fail the handler; write errors are reported by the engine.
type Reporter interface {
	Progress(ctx context.Context, percentage int, message string)
	Log(ctx context.Context, level, message string, metadata map[string]any)
	Artifact(ctx context.Context, in ArtifactInput) (models.JobArtifact, error)
}

// ArtifactInput describes an output object a handler wants stored and linked to its job.
type ArtifactInput struct {
	ArtifactType string
	Name         string
	MimeType     string
	Body         []byte
	// Locator links an object that already lives in external storage; Body is not uploaded.
	Locator      string
	SizeBytes    int64
	// TTL sets expires_at relative to creation. Zero keeps the artifact until its job is purged.
	TTL          time.Duration
}

// Registry is a process-local handler table. The zero value is not usable; call New.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds handler to name. Registering an existing name replaces it.
func (r *Registry) Register(name string, handler Handler) {
	if name == "" || handler == nil {
		return
	}
	r.mu.Lock()
	r.handlers[name] = handler
	r.mu.Unlock()
}

// Resolve looks up the handler registered under name.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("handler %q: %w", name, ErrHandlerNotFound)
	}
	return h, nil
}

// Names returns the registered handler names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
