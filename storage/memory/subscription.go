// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"

	"github.com/wavemq/broker/storage"
)

var _ storage.SubscriptionStore = (*SubscriptionStore)(nil)

// SubscriptionStore is an in-memory implementation of
// storage.SubscriptionStore. Live topic matching is the job of package
// router's trie; this store only tracks the flat (client, filter, qos)
// tuples needed to rebuild that trie and to answer persistence queries.
type SubscriptionStore struct {
	mu       sync.RWMutex
	byClient map[string]map[string]*storage.Subscription // clientID -> filter -> subscription
}

// NewSubscriptionStore creates a new in-memory subscription store.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{
		byClient: make(map[string]map[string]*storage.Subscription),
	}
}

// Add adds or updates a subscription.
func (s *SubscriptionStore) Add(sub *storage.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byClient[sub.ClientID] == nil {
		s.byClient[sub.ClientID] = make(map[string]*storage.Subscription)
	}
	s.byClient[sub.ClientID][sub.Filter] = storage.CopySubscription(sub)
	return nil
}

// Remove removes a subscription.
func (s *SubscriptionStore) Remove(clientID, filter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clientSubs, ok := s.byClient[clientID]
	if !ok {
		return nil
	}
	delete(clientSubs, filter)
	if len(clientSubs) == 0 {
		delete(s.byClient, clientID)
	}
	return nil
}

// RemoveAll removes all subscriptions for a client.
func (s *SubscriptionStore) RemoveAll(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.byClient, clientID)
	return nil
}

// GetForClient returns all subscriptions for a client.
func (s *SubscriptionStore) GetForClient(clientID string) ([]*storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clientSubs, ok := s.byClient[clientID]
	if !ok {
		return nil, nil
	}

	result := make([]*storage.Subscription, 0, len(clientSubs))
	for _, sub := range clientSubs {
		result = append(result, storage.CopySubscription(sub))
	}
	return result, nil
}

// All returns every stored subscription.
func (s *SubscriptionStore) All() ([]*storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.Subscription
	for _, clientSubs := range s.byClient {
		for _, sub := range clientSubs {
			result = append(result, storage.CopySubscription(sub))
		}
	}
	return result, nil
}
