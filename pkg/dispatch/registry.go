package dispatch

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/deejcoder/asyncit/pkg/errors"
	"github.com/deejcoder/asyncit/pkg/session"
)

// Handler is invoked for every request whose "type" field matches its
// registration key. It may call back into the session's Write zero or
// more times and must return before ctx expires or be abandoned.
type Handler func(ctx context.Context, sess *session.Session, req *Request) error

// Registry maps request-type names to handlers. It is populated at
// startup and frozen before the server starts accepting connections, so
// lookups after the freeze need no locking.
type Registry struct {
	mut_handlers sync.Mutex
	handlers     map[string]Handler

	frozen atomic.Bool
}

func CreateRegistry() *Registry {
	return &Registry{
		mut_handlers: sync.Mutex{},
		handlers:     make(map[string]Handler),
	}
}

// Register binds typeName to handler. Registering a name twice is a
// startup-time conflict, not an overwrite.
func (r *Registry) Register(typeName string, handler Handler) error {
	if r.frozen.Load() {
		return &errors.RegistryFrozen{Name: typeName}
	}

	r.mut_handlers.Lock()
	defer r.mut_handlers.Unlock()

	if _, has := r.handlers[typeName]; has {
		return &errors.NameCollision{
			CollisionContext: "Registry::Register",
			Name:             typeName,
		}
	}

	r.handlers[typeName] = handler
	return nil
}

// Freeze ends the registration phase. Called once all handlers are
// registered, before any listener starts accepting connections.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

func (r *Registry) Lookup(typeName string) (Handler, bool) {
	if !r.frozen.Load() {
		r.mut_handlers.Lock()
		defer r.mut_handlers.Unlock()
	}

	handler, has := r.handlers[typeName]
	return handler, has
}

// TypeNames returns the registered request-type names in sorted order,
// for startup logging and diagnostics.
func (r *Registry) TypeNames() []string {
	if !r.frozen.Load() {
		r.mut_handlers.Lock()
		defer r.mut_handlers.Unlock()
	}

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
