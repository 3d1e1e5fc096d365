// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wavemq/broker/auth"
	"github.com/wavemq/broker/storage"
	"github.com/wavemq/broker/storage/memory"
)

type fakeConn struct {
	disconnecting bool
}

func (c *fakeConn) Close() error       { return nil }
func (c *fakeConn) MarkDisconnecting() { c.disconnecting = true }

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	store := memory.New()
	facade := auth.NewFacade(auth.NewCredentialStore("", false, nil), nil)
	b := New(Config{ExpirySweep: time.Hour}, store, facade, nil, nil)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

func TestConnectNewSession(t *testing.T) {
	b := newTestBroker(t)
	conn := &fakeConn{}

	sess, isNew, evicted, err := b.Connect(context.Background(), "client-1", "", "", false, conn)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Nil(t, evicted)
	assert.Equal(t, "client-1", sess.ClientID)
}

func TestConnectTakeoverEvictsPriorConnection(t *testing.T) {
	b := newTestBroker(t)
	first := &fakeConn{}
	second := &fakeConn{}

	_, _, _, err := b.Connect(context.Background(), "client-1", "", "", false, first)
	require.NoError(t, err)

	_, isNew, evicted, err := b.Connect(context.Background(), "client-1", "", "", false, second)
	require.NoError(t, err)
	assert.False(t, isNew)
	require.NotNil(t, evicted)
	assert.True(t, first.disconnecting)
}

func TestSubscribePublishDelivers(t *testing.T) {
	b := newTestBroker(t)
	conn := &fakeConn{}
	_, _, _, err := b.Connect(context.Background(), "sub-1", "", "", false, conn)
	require.NoError(t, err)

	_, err = b.Subscribe(context.Background(), "sub-1", "", "a/b", 2)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "pub-1", "", "a/b", []byte("hi"), 1, false))

	sess := b.sessions.Get("sub-1")
	require.NotNil(t, sess)
	pending := sess.Drain()
	require.Len(t, pending, 1)
	assert.Equal(t, byte(1), pending[0].QoS) // min(publish qos 1, sub qos 2)
	assert.Equal(t, "hi", string(pending[0].Message.Payload))
}

func TestSubscribeReplaysRetained(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Publish(context.Background(), "pub-1", "", "a/b", []byte("retained"), 1, true))

	matches, err := b.Subscribe(context.Background(), "sub-1", "", "a/+", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a/b", matches[0].Topic)
}

func TestSubscribeReplaysRetainedClampsQoS(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Publish(context.Background(), "pub-1", "", "a/b", []byte("retained"), 2, true))

	matches, err := b.Subscribe(context.Background(), "sub-1", "", "a/b", 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, byte(0), matches[0].QoS) // min(stored qos 2, subscribe qos 0)
}

func TestStartLoadsRetainedAndSessionsFromStore(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Retained().Set("a/b", &storage.Message{
		Topic: "a/b", Payload: []byte("hi"), QoS: 1, Retain: true,
	}))
	require.NoError(t, store.Sessions().Save(&storage.Session{ClientID: "sub-1", LastTouch: time.Now()}))
	require.NoError(t, store.Subscriptions().Add(&storage.Subscription{ClientID: "sub-1", Filter: "a/b", QoS: 1}))
	require.NoError(t, store.Messages().Store("sub-1/0", &storage.PendingEntry{
		Message: storage.Message{Topic: "a/b", Payload: []byte("queued"), QoS: 1},
		QoS:     1,
	}))

	facade := auth.NewFacade(auth.NewCredentialStore("", false, nil), nil)
	b := New(Config{ExpirySweep: time.Hour}, store, facade, nil, nil)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	msg, ok := b.retained.Get("a/b")
	require.True(t, ok)
	assert.Equal(t, "hi", string(msg.Payload))

	sess := b.sessions.Get("sub-1")
	require.NotNil(t, sess)
	pending := sess.Drain()
	require.Len(t, pending, 1)
	assert.Equal(t, "queued", string(pending[0].Message.Payload))

	assert.Equal(t, 1, b.router.Count())
}

func TestSnapshotSyncsRetainedAndSessionsToStore(t *testing.T) {
	b := newTestBroker(t)
	conn := &fakeConn{}
	_, _, _, err := b.Connect(context.Background(), "sub-1", "", "", false, conn)
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "sub-1", "", "a/b", 1)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "pub-1", "", "a/b", []byte("retained"), 1, true))
	require.NoError(t, b.Publish(context.Background(), "pub-2", "", "a/b", []byte("queued"), 1, false))

	require.NoError(t, b.Snapshot())

	stored, err := b.store.Retained().Get("a/b")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "retained", string(stored.Payload))

	sessRec, err := b.store.Sessions().Get("sub-1")
	require.NoError(t, err)
	require.NotNil(t, sessRec)
	assert.Equal(t, "sub-1", sessRec.ClientID)

	pending, err := b.store.Messages().List("sub-1/")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "queued", string(pending[1].Message.Payload))
}

func TestConnectCleanSessionWipesStoreState(t *testing.T) {
	b := newTestBroker(t)
	conn := &fakeConn{}
	_, _, _, err := b.Connect(context.Background(), "sub-1", "", "", false, conn)
	require.NoError(t, err)
	require.NoError(t, b.Snapshot())

	_, isNew, _, err := b.Connect(context.Background(), "sub-1", "", "", true, conn)
	require.NoError(t, err)
	assert.True(t, isNew)

	_, err = b.store.Sessions().Get("sub-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBroker(t)
	_, _, _, err := b.Connect(context.Background(), "sub-1", "", "", false, &fakeConn{})
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "sub-1", "", "a/b", 1)
	require.NoError(t, err)

	require.NoError(t, b.Unsubscribe("sub-1", "a/b"))
	require.NoError(t, b.Publish(context.Background(), "pub-1", "", "a/b", []byte("x"), 1, false))

	sess := b.sessions.Get("sub-1")
	assert.Empty(t, sess.Drain())
}

func TestDisconnectCleanSessionWipesState(t *testing.T) {
	b := newTestBroker(t)
	conn := &fakeConn{}
	_, _, _, err := b.Connect(context.Background(), "sub-1", "", "", true, conn)
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "sub-1", "", "a/b", 1)
	require.NoError(t, err)

	b.Disconnect("sub-1", conn)
	assert.Nil(t, b.sessions.Get("sub-1"))

	require.NoError(t, b.Publish(context.Background(), "pub-1", "", "a/b", []byte("x"), 1, false))
	assert.Equal(t, 0, b.router.Count())
}

func TestPublishDeniedByACL(t *testing.T) {
	store := memory.New()
	provider := &denyAllProvider{}
	facade := auth.NewFacade(auth.NewCredentialStore("", false, nil), nil, auth.WithProvider(provider))
	b := New(Config{ExpirySweep: time.Hour}, store, facade, nil, nil)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	err := b.Publish(context.Background(), "pub-1", "alice", "a/b", []byte("x"), 1, false)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

type denyAllProvider struct{}

func (p *denyAllProvider) Init(ctx context.Context) error                        { return nil }
func (p *denyAllProvider) SecurityInit(ctx context.Context, reloading bool) error { return nil }
func (p *denyAllProvider) SecurityCleanup(ctx context.Context, reloading bool) error {
	return nil
}
func (p *denyAllProvider) Cleanup(ctx context.Context) error { return nil }
func (p *denyAllProvider) Login(ctx context.Context, username, password string) (auth.Result, error) {
	return auth.Success, nil
}
func (p *denyAllProvider) ACLCheck(ctx context.Context, clientID, username, topic string, access auth.Access) (auth.Result, error) {
	return auth.ACLDenied, nil
}
