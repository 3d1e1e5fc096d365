// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory implements storage.Store entirely in-process. It is the
// default backend; nothing survives a process restart except through the
// separate persistence snapshot files.
package memory

import (
	"github.com/wavemq/broker/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	messages      *MessageStore
	sessions      *SessionStore
	subscriptions *SubscriptionStore
	retained      *RetainedStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		messages:      NewMessageStore(),
		sessions:      NewSessionStore(),
		subscriptions: NewSubscriptionStore(),
		retained:      NewRetainedStore(),
	}
}

// Messages returns the message store.
func (s *Store) Messages() storage.MessageStore { return s.messages }

// Sessions returns the session store.
func (s *Store) Sessions() storage.SessionStore { return s.sessions }

// Subscriptions returns the subscription store.
func (s *Store) Subscriptions() storage.SubscriptionStore { return s.subscriptions }

// Retained returns the retained message store.
func (s *Store) Retained() storage.RetainedStore { return s.retained }

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }
