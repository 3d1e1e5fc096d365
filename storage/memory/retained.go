// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"

	"github.com/wavemq/broker/storage"
	"github.com/wavemq/broker/topics"
)

var _ storage.RetainedStore = (*RetainedStore)(nil)

// RetainedStore is a flat-map in-memory implementation of
// storage.RetainedStore. It exists to satisfy the storage.Store contract
// for the "memory" backend selection; the broker's hot publish/subscribe
// path uses the dedicated retained tree in package retained, not this
// type directly.
type RetainedStore struct {
	mu   sync.RWMutex
	data map[string]*storage.Message
}

// NewRetainedStore creates a new in-memory retained message store.
func NewRetainedStore() *RetainedStore {
	return &RetainedStore{
		data: make(map[string]*storage.Message),
	}
}

// Set stores or updates a retained message. An empty payload deletes it.
func (s *RetainedStore) Set(topic string, msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg == nil || len(msg.Payload) == 0 {
		delete(s.data, topic)
		return nil
	}
	s.data[topic] = storage.CopyMessage(msg)
	return nil
}

// Get retrieves a retained message by exact topic.
func (s *RetainedStore) Get(topic string) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.data[topic]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.CopyMessage(msg), nil
}

// Delete removes a retained message.
func (s *RetainedStore) Delete(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, topic)
	return nil
}

// Match returns all retained messages matching filter.
func (s *RetainedStore) Match(filter string) ([]*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.Message
	for topic, msg := range s.data {
		if topics.Match(filter, topic) {
			result = append(result, storage.CopyMessage(msg))
		}
	}
	return result, nil
}

// Count returns the number of stored retained messages.
func (s *RetainedStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
