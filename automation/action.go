package automation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Default execution policy for actions that do not configure their own.
const (
	DefaultActionTimeout = 10 * time.Second
	DefaultRetryBudget   = 2
	RetryBaseDelay       = 200 * time.Millisecond
)

// Invocation carries everything a handler needs for one action call.
// DryRun asks the handler to describe what it would do without performing
// the side effect.
type Invocation struct {
	Action Action
	Event  *Event
	DryRun bool
}

// ActionHandler is the contract every action implementation conforms to.
// Handlers are registered by their action type string; the executor only
// sequences and measures them.
type ActionHandler interface {
	// Kind returns the action type string this handler serves.
	Kind() string

	// ValidateParams checks a parameter bag against the handler's schema.
	ValidateParams(params map[string]any) error

	// Invoke performs (or, under DryRun, simulates) the action. The
	// returned detail is a human-readable account of what happened.
	// Failures should be wrapped with Transient or Permanent so the
	// executor can apply the retry policy; unwrapped errors are treated
	// as permanent.
	Invoke(ctx context.Context, inv Invocation) (detail string, err error)

	// DefaultTimeout bounds one invocation when the action configures none.
	DefaultTimeout() time.Duration

	// RetryBudget is the number of retries after the first attempt when
	// the action configures none.
	RetryBudget() int
}

// Registry holds the closed set of action implementations keyed by action
// type. Thread-safe for concurrent lookup during evaluation.
type Registry struct {
	handlers map[string]ActionHandler
	mu       sync.RWMutex
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]ActionHandler)}
}

// Register adds a handler. Registering the same kind twice is an error so
// a misconfigured boot fails loudly.
func (r *Registry) Register(h ActionHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := h.Kind()
	if kind == "" {
		return fmt.Errorf("action handler has empty kind")
	}
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("action handler %q already registered", kind)
	}
	r.handlers[kind] = h
	return nil
}

// Lookup returns the handler for an action type.
func (r *Registry) Lookup(kind string) (ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns the registered action types, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// timeoutFor resolves the effective timeout for an action.
func timeoutFor(a Action, h ActionHandler) time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	if d := h.DefaultTimeout(); d > 0 {
		return d
	}
	return DefaultActionTimeout
}

// retriesFor resolves the effective retry budget for an action.
func retriesFor(a Action, h ActionHandler) int {
	if a.MaxRetries > 0 {
		return a.MaxRetries
	}
	if n := h.RetryBudget(); n > 0 {
		return n
	}
	return DefaultRetryBudget
}
