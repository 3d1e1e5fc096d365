// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workerpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	fd            int
	expired       bool
	disconnecting bool
}

func (c *fakeConn) FD() int                             { return c.fd }
func (c *fakeConn) Close() error                         { return nil }
func (c *fakeConn) MarkDisconnecting()                   { c.disconnecting = true }
func (c *fakeConn) KeepAliveExpired(now time.Time) bool  { return c.expired }

func TestPoolAssignRoundRobin(t *testing.T) {
	p := New(Config{Count: 2, KeepAliveCheckInterval: time.Hour}, nil)
	t.Cleanup(p.Stop)

	w1 := p.Assign()
	w2 := p.Assign()
	w3 := p.Assign()
	assert.NotSame(t, w1, w2)
	assert.Same(t, w1, w3)
}

func TestWorkerAddAndRemoveConnection(t *testing.T) {
	p := New(Config{Count: 1, KeepAliveCheckInterval: time.Hour}, nil)
	t.Cleanup(p.Stop)

	w := p.Assign()
	conn := &fakeConn{fd: 5}
	w.AddConnection(conn)
	assert.Equal(t, 1, w.Count())
	assert.Same(t, conn, w.Get(5))

	w.RemoveConnection(5)
	assert.Equal(t, 0, w.Count())
	assert.True(t, conn.disconnecting)
	assert.Nil(t, w.Get(5))
}

func TestWorkerCheckKeepAlivesRemovesExpired(t *testing.T) {
	p := New(Config{Count: 1, KeepAliveCheckInterval: time.Hour}, nil)
	t.Cleanup(p.Stop)

	w := p.Assign()
	alive := &fakeConn{fd: 1}
	dead := &fakeConn{fd: 2, expired: true}
	w.AddConnection(alive)
	w.AddConnection(dead)

	w.checkKeepAlives(time.Now())

	assert.Equal(t, 1, w.Count())
	assert.NotNil(t, w.Get(1))
	assert.Nil(t, w.Get(2))
	assert.True(t, dead.disconnecting)
}

func TestSubmitRunsOnWorkerGoroutine(t *testing.T) {
	p := New(Config{Count: 1, KeepAliveCheckInterval: time.Hour}, nil)
	t.Cleanup(p.Stop)

	w := p.Assign()
	done := make(chan struct{})
	w.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted job never ran")
	}
}

func TestPoolStopDoesNotPanic(t *testing.T) {
	p := New(Config{Count: 2, KeepAliveCheckInterval: time.Millisecond}, nil)
	require.NotPanics(t, p.Stop)
}
