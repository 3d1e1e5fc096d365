// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wavemq/broker/retained"
	"github.com/wavemq/broker/session"
	"github.com/wavemq/broker/storage"
	"github.com/wavemq/broker/storage/memory"
)

func newLayer(t *testing.T) *Layer {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "retained.snap"), filepath.Join(dir, "sessions.snap"), nil)
}

func TestSaveAndLoadRetainedRoundTrip(t *testing.T) {
	l := newLayer(t)

	tree := retained.New()
	require.NoError(t, tree.Set("a/b", []byte("hello"), 1))
	require.NoError(t, tree.Set("$SYS/uptime", []byte("42"), 0))

	require.NoError(t, l.SaveRetained(tree.Snapshot()))

	loaded, err := l.LoadRetained()
	require.NoError(t, err)
	assert.Len(t, loaded, 2)

	restored := retained.New()
	restored.Restore(loaded)
	msg, ok := restored.Get("a/b")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), msg.Payload)
	assert.Equal(t, byte(1), msg.QoS)
}

func TestLoadRetainedMissingFileIsNotAnError(t *testing.T) {
	l := newLayer(t)
	messages, err := l.LoadRetained()
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestSaveAndLoadSessionsRoundTrip(t *testing.T) {
	l := newLayer(t)

	records := []SessionRecord{
		{
			ClientID:      "client-1",
			CleanSession:  false,
			Subscriptions: []storage.Subscription{{ClientID: "client-1", Filter: "a/#", QoS: 1}},
			Pending: []storage.PendingEntry{
				{Message: storage.Message{Topic: "a/b", Payload: []byte("x"), PublishTime: time.Unix(0, 1)}, QoS: 1},
			},
		},
	}

	require.NoError(t, l.SaveSessions(records))

	loaded, err := l.LoadSessions()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "client-1", loaded[0].ClientID)
	assert.Len(t, loaded[0].Subscriptions, 1)
	assert.Len(t, loaded[0].Pending, 1)
}

func TestLoadSessionsDropsOrphanedSubscriptions(t *testing.T) {
	l := newLayer(t)

	records := []SessionRecord{
		{ClientID: "client-1", Subscriptions: []storage.Subscription{{ClientID: "client-1", Filter: "a/#"}}},
	}
	require.NoError(t, l.SaveSessions(records))

	// Manually craft a record set where a subscription references a
	// client-id that does not appear among the saved sessions, by
	// writing a second file directly through the record writer.
	l2 := newLayer(t)
	orphan := []SessionRecord{
		{ClientID: "client-1", Subscriptions: []storage.Subscription{
			{ClientID: "client-1", Filter: "a/#"},
			{ClientID: "ghost", Filter: "b/#"},
		}},
	}
	require.NoError(t, l2.SaveSessions(orphan))

	loaded, err := l2.LoadSessions()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Len(t, loaded[0].Subscriptions, 1)
	assert.Equal(t, "client-1", loaded[0].Subscriptions[0].ClientID)
}

func TestBuildSessionRecordsSkipsCleanSessions(t *testing.T) {
	reg := session.NewRegistry()
	subs := memory.NewSubscriptionStore()

	persistent, _, _ := reg.Register("persistent-client", false, nil, 10)
	persistent.Enqueue(storage.PendingEntry{Message: storage.Message{Topic: "a/b"}})
	require.NoError(t, subs.Add(&storage.Subscription{ClientID: "persistent-client", Filter: "a/b", QoS: 1}))

	reg.Register("ephemeral-client", true, nil, 10)

	records, err := BuildSessionRecords(reg, subs)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "persistent-client", records[0].ClientID)
	assert.Len(t, records[0].Subscriptions, 1)
	assert.Len(t, records[0].Pending, 1)
}
