package services

import "sync"

// SessionRegistry is the table of live sessions keyed by participant. It is
// the serialization point for creating and retiring sessions; once closed it
// refuses new entries so nothing can be created after teardown.
type SessionRegistry[K comparable, S comparable] struct {
	mu       sync.RWMutex
	sessions map[K]S
	closed   bool
}

func NewSessionRegistry[K comparable, S comparable]() *SessionRegistry[K, S] {
	return &SessionRegistry[K, S]{
		sessions: make(map[K]S),
	}
}

// AddIfAbsent stores the session built by create unless key is already
// present or the registry is closed. create runs under the registry lock.
func (r *SessionRegistry[K, S]) AddIfAbsent(key K, create func() S) (S, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero S
	if r.closed {
		return zero, false
	}
	if existing, ok := r.sessions[key]; ok {
		return existing, false
	}

	s := create()
	r.sessions[key] = s
	return s, true
}

func (r *SessionRegistry[K, S]) Get(key K) (S, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[key]
	return s, ok
}

// Remove deletes key only while it still maps to s, so a stale session can
// never evict its replacement.
func (r *SessionRegistry[K, S]) Remove(key K, s S) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[key]; ok && current == s {
		delete(r.sessions, key)
		return true
	}
	return false
}

// Close empties the registry, returns what it held, and rejects further adds.
func (r *SessionRegistry[K, S]) Close() []S {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	drained := make([]S, 0, len(r.sessions))
	for key, s := range r.sessions {
		drained = append(drained, s)
		delete(r.sessions, key)
	}
	return drained
}

func (r *SessionRegistry[K, S]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *SessionRegistry[K, S]) Values() []S {
	r.mu.RLock()
	defer r.mu.RUnlock()

	values := make([]S, 0, len(r.sessions))
	for _, s := range r.sessions {
		values = append(values, s)
	}
	return values
}
