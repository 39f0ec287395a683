// Package correlation scopes one-shot response listeners to the request
// that caused them. Every transient registration is keyed by (policy,
// concern); a fresh user action on the same pair supersedes the stale one
// instead of stacking, and the first matching event tears the whole
// correlation down so sibling listeners can never fire afterwards.
package correlation

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scope identifies one correlation: the policy a request addressed and the
// concern it belongs to ("auth", "run", "delete", ...). Requests that do not
// address a single policy use an empty Policy.
type Scope struct {
	Policy  string
	Concern string
}

// Handler receives the first matching event for a correlation.
type Handler func(event string, payload any)

type pending struct {
	id           string
	scope        Scope
	events       map[string]bool
	onMatch      Handler
	registeredAt time.Time
	seq          uint64
}

// Registry tracks all in-flight correlations for one channel.
type Registry struct {
	mu     sync.Mutex
	active map[Scope]*pending
	nextSe uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[Scope]*pending)}
}

// ExpectOnce registers a one-shot correlation: the first of the named events
// to arrive fires onMatch, and the correlation is removed before the handler
// runs. A prior registration for the same scope is dropped silently; the
// last user action wins. Returns the correlation ID for log traceability.
func (r *Registry) ExpectOnce(scope Scope, events []string, onMatch Handler) string {
	p := &pending{
		id:           uuid.NewString(),
		scope:        scope,
		events:       make(map[string]bool, len(events)),
		onMatch:      onMatch,
		registeredAt: time.Now(),
	}
	for _, e := range events {
		p.events[e] = true
	}

	r.mu.Lock()
	r.nextSe++
	p.seq = r.nextSe
	r.active[scope] = p
	r.mu.Unlock()
	return p.id
}

// Cancel drops the correlation for a scope, if any. Not an error when none
// exists: a response may simply never have arrived.
func (r *Registry) Cancel(scope Scope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[scope]; !ok {
		return false
	}
	delete(r.active, scope)
	return true
}

// CancelPolicy drops every correlation addressed to a policy. Used when the
// policy is deleted or the session is reset.
func (r *Registry) CancelPolicy(policyName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for scope := range r.active {
		if scope.Policy == policyName {
			delete(r.active, scope)
		}
	}
}

// Dispatch routes an event addressed to a policy. Every correlation for
// that policy expecting the event is torn down and its handler invoked in
// registration order: one event can legitimately answer two concerns (an
// interruption resolves both the interrupt request and the pending run).
// Reports whether any correlation consumed the event.
func (r *Registry) Dispatch(policyName, event string, payload any) bool {
	return r.dispatch(event, payload, 0, func(p *pending) bool {
		return p.scope.Policy == policyName && p.events[event]
	})
}

// DispatchFirst routes an event that carries no policy address (wholesale
// list broadcasts). The server answers such requests one at a time, so only
// the oldest correlation expecting the event consumes it.
func (r *Registry) DispatchFirst(event string, payload any) bool {
	return r.dispatch(event, payload, 1, func(p *pending) bool {
		return p.events[event]
	})
}

func (r *Registry) dispatch(event string, payload any, limit int, match func(*pending) bool) bool {
	r.mu.Lock()
	var winners []*pending
	for _, p := range r.active {
		if match(p) {
			winners = append(winners, p)
		}
	}
	sort.Slice(winners, func(i, j int) bool { return winners[i].seq < winners[j].seq })
	if limit > 0 && len(winners) > limit {
		winners = winners[:limit]
	}
	for _, w := range winners {
		delete(r.active, w.scope)
	}
	r.mu.Unlock()

	for _, w := range winners {
		w.onMatch(event, payload)
	}
	return len(winners) > 0
}

// CancelAll drops every in-flight correlation. Used when the session is
// reset: responses from the old session can never arrive.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = make(map[Scope]*pending)
}

// Active returns the number of in-flight correlations.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
