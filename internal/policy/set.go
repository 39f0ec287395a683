package policy

import "sync"

// Set is the single merge point for policy list state. The server owns the
// authoritative list and re-broadcasts it wholesale on most mutations, while
// run events carry partial per-policy updates; routing both through one
// locked structure keeps the two from racing destructively.
type Set struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]*Policy
}

// NewSet creates an empty policy set.
func NewSet() *Set {
	return &Set{byName: make(map[string]*Policy)}
}

// ReplaceAll installs a full authoritative list from the server. Accumulated
// log text survives the replace: the server omits logs from list broadcasts,
// and losing the tail on every save would make the log view useless.
func (s *Set) ReplaceAll(policies []Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.byName
	s.order = make([]string, 0, len(policies))
	s.byName = make(map[string]*Policy, len(policies))
	for _, p := range policies {
		p := p
		if prev, ok := old[p.Name]; ok && p.Logs == "" {
			p.Logs = prev.Logs
		}
		s.order = append(s.order, p.Name)
		s.byName[p.Name] = &p
	}
}

// Apply merges a full record for one policy, preserving accumulated logs
// unless the update carries its own. Unknown names are inserted; the server
// may report a policy the client has not listed yet.
func (s *Set) Apply(update Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.byName[update.Name]; ok {
		if update.Logs == "" {
			update.Logs = prev.Logs
		}
		*prev = update
		return
	}
	s.order = append(s.order, update.Name)
	s.byName[update.Name] = &update
}

// SetStatus overwrites the status, progress and scheduled flag for one
// policy, leaving configuration fields alone.
func (s *Set) SetStatus(name string, status Status, progress int, scheduled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byName[name]; ok {
		p.Status = status
		p.Progress = progress
		p.Scheduled = scheduled
	}
}

// SetScheduled arms or disarms the recurring-run flag for one policy.
func (s *Set) SetScheduled(name string, scheduled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byName[name]; ok {
		p.Scheduled = scheduled
	}
}

// MarkWaitingMFA flags a policy as waiting for a second factor.
func (s *Set) MarkWaitingMFA(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byName[name]; ok {
		p.Authenticated = false
		p.WaitingMFA = true
	}
}

// AppendLogs appends run log text to a policy. Logs are append-only across
// runs; only ClearLogs discards them.
func (s *Set) AppendLogs(name, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byName[name]; ok {
		p.Logs += text
	}
}

// ClearLogs drops the accumulated log text for a policy. Called when the
// user starts a new run, before the start request goes out, so a new run's
// logs never mix with the previous run's tail.
func (s *Set) ClearLogs(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byName[name]; ok {
		p.Logs = ""
	}
}

// Remove deletes a policy from the set.
func (s *Set) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[name]; !ok {
		return
	}
	delete(s.byName, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Get returns a copy of a policy by name.
func (s *Set) Get(name string) (Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byName[name]
	if !ok {
		return Policy{}, false
	}
	return *p, true
}

// List returns copies of all policies in server order.
func (s *Set) List() []Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Policy, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, *s.byName[n])
	}
	return out
}

// Len returns the number of policies.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
