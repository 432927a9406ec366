// Package registry implements the process-wide session registry: a
// mutex-guarded set of live sessions that enforces admission caps and
// triggers process exit at the end of a "once" run.
package registry

import "sync"

// Session is anything admittable into the registry; the registry only
// needs an identity, not the full session behavior.
type Session interface {
	ID() string
}

// Registry is the process-wide admission policy enforcer.
type Registry struct {
	mu          sync.Mutex
	clients     map[string]Session
	once        bool
	maxClients  int
	onExhausted func() // called once, under no lock, when once && count hits 0 after having admitted one
}

// New creates a Registry enforcing once/maxClients admission policy.
// onExhausted is invoked after the registry transitions from one client
// to zero while once is true.
func New(once bool, maxClients int, onExhausted func()) *Registry {
	return &Registry{
		clients:     make(map[string]Session),
		once:        once,
		maxClients:  maxClients,
		onExhausted: onExhausted,
	}
}

// Admit evaluates the admission policy and, if it passes, adds the
// session to the registry. It returns false without mutating state if
// admission is refused.
func (r *Registry) Admit(s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.once && len(r.clients) > 0 {
		return false
	}
	if r.maxClients > 0 && len(r.clients) == r.maxClients {
		return false
	}
	r.clients[s.ID()] = s
	return true
}

// Remove removes a session from the registry (idempotent) and, when
// running in "once" mode, fires onExhausted exactly once the first time
// the registry drains back to zero after having held a client.
func (r *Registry) Remove(s Session) {
	r.mu.Lock()
	if _, ok := r.clients[s.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, s.ID())
	var exhausted func()
	if r.once && len(r.clients) == 0 {
		exhausted = r.onExhausted
		r.onExhausted = nil
	}
	r.mu.Unlock()

	if exhausted != nil {
		exhausted()
	}
}

// Count returns the current number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
