package memory

import (
	"strings"
	"sync"

	"github.com/wavemq/broker/storage"
)

var _ storage.MessageStore = (*MessageStore)(nil)

// MessageStore is an in-memory implementation of storage.MessageStore.
type MessageStore struct {
	mu   sync.RWMutex
	data map[string]*storage.PendingEntry
	// order preserves FIFO insertion order within a prefix, since Go map
	// iteration order is randomized and the pending queue must replay
	// in the order messages were queued.
	order []string
}

// NewMessageStore creates a new in-memory message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		data: make(map[string]*storage.PendingEntry),
	}
}

// Store stores a message under key.
func (s *MessageStore) Store(key string, entry *storage.PendingEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; !exists {
		s.order = append(s.order, key)
	}
	cp := *entry
	cp.Message = *storage.CopyMessage(&entry.Message)
	s.data[key] = &cp
	return nil
}

// List returns all messages whose key has the given prefix, in the order
// they were stored.
func (s *MessageStore) List(prefix string) ([]*storage.PendingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.PendingEntry
	for _, key := range s.order {
		if strings.HasPrefix(key, prefix) {
			if entry, ok := s.data[key]; ok {
				cp := *entry
				result = append(result, &cp)
			}
		}
	}
	return result, nil
}

// DeleteByPrefix removes all messages matching a prefix.
func (s *MessageStore) DeleteByPrefix(prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	for _, key := range s.order {
		if strings.HasPrefix(key, prefix) {
			delete(s.data, key)
			continue
		}
		kept = append(kept, key)
	}
	s.order = kept
	return nil
}
