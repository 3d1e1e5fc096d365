// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/wavemq/broker/storage"
	"github.com/wavemq/broker/topics"
)

var _ storage.RetainedStore = (*RetainedStore)(nil)

// RetainedStore implements storage.RetainedStore using BadgerDB.
//
// Key format: retained:{topic}
type RetainedStore struct {
	db *badger.DB
}

// NewRetainedStore creates a new BadgerDB retained message store.
func NewRetainedStore(db *badger.DB) *RetainedStore {
	return &RetainedStore{db: db}
}

func retainedKey(topic string) []byte {
	return []byte("retained:" + topic)
}

// Set stores or updates a retained message. An empty payload deletes it.
func (r *RetainedStore) Set(topic string, msg *storage.Message) error {
	if msg == nil || len(msg.Payload) == 0 {
		return r.Delete(topic)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal retained message: %w", err)
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(retainedKey(topic), data)
	})
}

// Get retrieves a retained message by exact topic.
func (r *RetainedStore) Get(topic string) (*storage.Message, error) {
	var msg *storage.Message

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(retainedKey(topic))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			msg = &storage.Message{}
			return json.Unmarshal(val, msg)
		})
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Delete removes a retained message.
func (r *RetainedStore) Delete(topic string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(retainedKey(topic))
	})
}

// Match returns all retained messages whose topic matches filter. This
// scans the full retained keyspace; the live broker path uses the
// in-memory tree in package retained instead, and only falls back to
// this store on cold start or when storage.type is badger.
func (r *RetainedStore) Match(filter string) ([]*storage.Message, error) {
	var matched []*storage.Message

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("retained:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			topic := string(item.Key())[len("retained:"):]
			if !topics.Match(filter, topic) {
				continue
			}
			err := item.Value(func(val []byte) error {
				var msg storage.Message
				if err := json.Unmarshal(val, &msg); err != nil {
					return err
				}
				matched = append(matched, &msg)
				return nil
			})
			if err != nil {
				return fmt.Errorf("unmarshal retained message: %w", err)
			}
		}
		return nil
	})

	return matched, err
}

// Count returns the number of stored retained messages.
func (r *RetainedStore) Count() int {
	count := 0
	_ = r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("retained:")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count
}
