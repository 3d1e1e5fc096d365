// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wavemq/broker/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "badger-store-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := New(Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreGetters(t *testing.T) {
	store := newTestStore(t)

	assert.NotNil(t, store.Messages())
	assert.NotNil(t, store.Sessions())
	assert.NotNil(t, store.Subscriptions())
	assert.NotNil(t, store.Retained())
}

func TestStoreCloseIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}

func TestMessageStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ms := store.Messages()

	entry := &storage.PendingEntry{
		Message: storage.Message{Topic: "a/b", Payload: []byte("payload"), QoS: 1},
	}
	require.NoError(t, ms.Store("client1/0001", entry))
	require.NoError(t, ms.Store("client1/0002", &storage.PendingEntry{Message: storage.Message{Topic: "a/c"}}))
	require.NoError(t, ms.Store("client2/0001", &storage.PendingEntry{Message: storage.Message{Topic: "a/d"}}))

	list, err := ms.List("client1/")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, ms.DeleteByPrefix("client1/"))
	list, _ = ms.List("client1/")
	assert.Empty(t, list)
}

func TestSessionStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ss := store.Sessions()

	now := time.Now()
	require.NoError(t, ss.Save(&storage.Session{ClientID: "c1", LastTouch: now.Add(-time.Hour)}))
	require.NoError(t, ss.Save(&storage.Session{ClientID: "c2", LastTouch: now}))

	got, err := ss.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ClientID)

	expired, err := ss.GetExpired(now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, expired)

	require.NoError(t, ss.Delete("c1"))
	_, err = ss.Get("c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSubscriptionStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	subs := store.Subscriptions()

	require.NoError(t, subs.Add(&storage.Subscription{ClientID: "c1", Filter: "home/+/temp", QoS: 1}))
	require.NoError(t, subs.Add(&storage.Subscription{ClientID: "c2", Filter: "home/#", QoS: 2}))

	forClient, err := subs.GetForClient("c1")
	require.NoError(t, err)
	assert.Len(t, forClient, 1)

	all, err := subs.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, subs.RemoveAll("c2"))
	all, _ = subs.All()
	assert.Len(t, all, 1)
}

func TestRetainedStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	r := store.Retained()

	require.NoError(t, r.Set("sensors/temp", &storage.Message{Payload: []byte("23.5")}))
	require.NoError(t, r.Set("sensors/humidity", &storage.Message{Payload: []byte("60")}))

	got, err := r.Get("sensors/temp")
	require.NoError(t, err)
	assert.Equal(t, "23.5", string(got.Payload))

	matched, err := r.Match("sensors/+")
	require.NoError(t, err)
	assert.Len(t, matched, 2)
	assert.Equal(t, 2, r.Count())

	require.NoError(t, r.Set("sensors/temp", &storage.Message{Payload: nil}))
	_, err = r.Get("sensors/temp")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
