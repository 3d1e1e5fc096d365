// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"
	"time"
)

// Registry is the client-id-keyed session table. Register enforces
// MQTT-3.1.4-2 (one live session per client-id) by evicting whatever
// connection currently holds the id before binding the new one.
//
// Register performs its test-and-replace entirely under the registry's
// own write-lock; the broker coordinator separately sweeps the
// subscription trie for the evicted client-id under the trie's own
// lock afterward. Taking the trie's lock from inside package session
// would invert the dependency between the two packages for no real
// benefit.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register binds conn to the session for clientID, creating one if none
// exists or if cleanSession is true. It returns the session, the
// connection evicted from a prior holder of the same client-id (nil if
// none), and whether the session is newly created.
func (r *Registry) Register(clientID string, cleanSession bool, conn Connection, maxInFlight int) (sess *Session, evicted Connection, isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.sessions[clientID]
	if ok && cleanSession {
		if evicted = existing.Bind(nil); evicted != nil {
			evicted.MarkDisconnecting()
		}
		delete(r.sessions, clientID)
		existing = nil
		ok = false
	}

	if !ok {
		sess = New(clientID, cleanSession, maxInFlight)
		r.sessions[clientID] = sess
		sess.Bind(conn)
		return sess, evicted, true
	}

	existing.CleanSession = cleanSession
	evicted = existing.Bind(conn)
	if evicted != nil {
		evicted.MarkDisconnecting()
	}
	return existing, evicted, false
}

// Get returns the session for clientID, or nil.
func (r *Registry) Get(clientID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[clientID]
}

// Present reports whether a live session exists for clientID, touching it
// to prevent a concurrent idle sweep from expiring it between this check
// and the caller's subsequent use.
func (r *Registry) Present(clientID string) bool {
	r.mu.RLock()
	sess, ok := r.sessions[clientID]
	r.mu.RUnlock()
	if ok {
		sess.Touch()
	}
	return ok
}

// Remove deletes the session for clientID outright, used on clean-session
// disconnect.
func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, clientID)
}

// ExpireIdle removes every session last touched before the given
// instant and returns their client-ids, so the caller can follow up with
// a subscription-trie sweep for each.
func (r *Registry) ExpireIdle(before time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for clientID, sess := range r.sessions {
		if sess.LastTouch().Before(before) {
			expired = append(expired, clientID)
			delete(r.sessions, clientID)
		}
	}
	return expired
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ForEach iterates over every session. Iteration order is unspecified.
func (r *Registry) ForEach(fn func(*Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sess := range r.sessions {
		fn(sess)
	}
}
