// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session implements the session registry: the client-id-keyed
// table that enforces MQTT's one-session-per-client-id rule and owns each
// session's pending-delivery queue across reconnects.
package session

import (
	"sync"
	"time"

	"github.com/wavemq/broker/storage"
)

// Connection is the minimal surface a worker's transport connection
// exposes to a Session. The real socket implementation lives in package
// workerpool; Session only ever needs to mark one disconnecting and
// ask it to close.
type Connection interface {
	Close() error
	MarkDisconnecting()
}

// Session is a client's durable MQTT state: its pending-delivery queue
// and its (at most one) live connection. A Session outlives any single
// TCP connection when CleanSession is false.
type Session struct {
	ClientID     string
	CleanSession bool

	mu          sync.Mutex
	conn        Connection // weak in spirit: broker clears this on disconnect, never dereferences a closed one
	lastTouch   time.Time
	pending     []storage.PendingEntry
	maxInFlight int
}

// New creates a Session for clientID.
func New(clientID string, cleanSession bool, maxInFlight int) *Session {
	if maxInFlight <= 0 {
		maxInFlight = 20
	}
	return &Session{
		ClientID:     clientID,
		CleanSession: cleanSession,
		lastTouch:    time.Now(),
		maxInFlight:  maxInFlight,
	}
}

// Touch updates the last-activity timestamp, preventing a concurrent
// idle sweep from expiring the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastTouch = time.Now()
	s.mu.Unlock()
}

// LastTouch returns the last-activity timestamp.
func (s *Session) LastTouch() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTouch
}

// Bind attaches conn as the session's active connection, returning
// whatever connection was previously bound (nil if none) so the caller
// can mark it disconnecting and close it outside the session's lock.
func (s *Session) Bind(conn Connection) Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.conn
	s.conn = conn
	s.lastTouch = time.Now()
	return prev
}

// Unbind clears the active connection if it is still conn; a no-op if
// the session has since been rebound to a different connection.
func (s *Session) Unbind(conn Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
}

// Connection returns the currently bound connection, or nil.
func (s *Session) Connection() Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Enqueue appends an entry to the pending-delivery queue. The queue is
// FIFO: entries are always drained in the order they were queued.
func (s *Session) Enqueue(entry storage.PendingEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, entry)
}

// Drain removes and returns up to the session's in-flight window worth of
// pending entries, for delivery over a freshly bound connection.
func (s *Session) Drain() []storage.PendingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.pending)
	if n == 0 {
		return nil
	}
	if n > s.maxInFlight {
		n = s.maxInFlight
	}
	out := make([]storage.PendingEntry, n)
	copy(out, s.pending[:n])
	s.pending = s.pending[n:]
	return out
}

// PendingLen reports the number of entries still queued.
func (s *Session) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Snapshot returns a deep copy of the session's pending queue, used by
// the persistence layer so serialization never races with Enqueue/Drain.
func (s *Session) Snapshot() []storage.PendingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.PendingEntry, len(s.pending))
	copy(out, s.pending)
	for i := range out {
		out[i].Message.Payload = append([]byte(nil), out[i].Message.Payload...)
	}
	return out
}

// RestorePending replaces the pending queue wholesale, used when
// reloading a session from a persistence snapshot at startup.
func (s *Session) RestorePending(entries []storage.PendingEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = entries
}
