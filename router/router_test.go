// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAndMatchExact(t *testing.T) {
	r := New()
	require.NoError(t, r.Subscribe("c1", "home/kitchen/temp", 1))

	matched := r.Match("home/kitchen/temp")
	require.Len(t, matched, 1)
	assert.Equal(t, "c1", matched[0].ClientID)
}

func TestMatchWildcards(t *testing.T) {
	r := New()
	require.NoError(t, r.Subscribe("plus", "home/+/temp", 0))
	require.NoError(t, r.Subscribe("pound", "home/#", 0))
	require.NoError(t, r.Subscribe("exact", "home/kitchen/temp", 0))

	matched := r.Match("home/kitchen/temp")
	ids := make(map[string]bool)
	for _, s := range matched {
		ids[s.ClientID] = true
	}
	assert.True(t, ids["plus"])
	assert.True(t, ids["pound"])
	assert.True(t, ids["exact"])
	assert.Len(t, matched, 3)
}

func TestMatchPoundAtRoot(t *testing.T) {
	r := New()
	require.NoError(t, r.Subscribe("c1", "#", 0))

	assert.Len(t, r.Match("a/b/c"), 1)
	assert.Len(t, r.Match("a"), 1)
}

func TestDollarTopicsExcludedFromWildcardRoot(t *testing.T) {
	r := New()
	require.NoError(t, r.Subscribe("c1", "#", 0))
	require.NoError(t, r.Subscribe("c2", "+/broker/clients", 0))

	assert.Empty(t, r.Match("$SYS/broker/clients"))
}

func TestDollarTopicsMatchExplicitFilter(t *testing.T) {
	r := New()
	require.NoError(t, r.Subscribe("c1", "$SYS/#", 0))

	matched := r.Match("$SYS/broker/clients")
	require.Len(t, matched, 1)
	assert.Equal(t, "c1", matched[0].ClientID)
}

func TestUnsubscribeRemovesMatch(t *testing.T) {
	r := New()
	require.NoError(t, r.Subscribe("c1", "a/b", 0))
	require.NoError(t, r.Unsubscribe("c1", "a/b"))

	assert.Empty(t, r.Match("a/b"))
	assert.Equal(t, 0, r.Count())
}

func TestResubscribeUpdatesQoS(t *testing.T) {
	r := New()
	require.NoError(t, r.Subscribe("c1", "a/b", 0))
	require.NoError(t, r.Subscribe("c1", "a/b", 2))

	matched := r.Match("a/b")
	require.Len(t, matched, 1)
	assert.EqualValues(t, 2, matched[0].QoS)
}

func TestDedupeAcrossOverlappingFilters(t *testing.T) {
	r := New()
	require.NoError(t, r.Subscribe("c1", "home/#", 1))
	require.NoError(t, r.Subscribe("c1", "home/+/temp", 2))

	matched := r.Match("home/kitchen/temp")
	require.Len(t, matched, 1)
	assert.EqualValues(t, 2, matched[0].QoS, "higher QoS of the two overlapping subscriptions wins")
}

func TestUnsubscribePrunesEmptyNodes(t *testing.T) {
	r := New()
	require.NoError(t, r.Subscribe("c1", "a/b/c", 0))
	require.NoError(t, r.Unsubscribe("c1", "a/b/c"))

	// After pruning, the whole path should be gone: a fresh subscribe
	// under a different client at the same path should not inherit any
	// stale subscriber state.
	assert.Equal(t, 0, r.Count())
	require.NoError(t, r.Subscribe("c2", "a/b/c", 0))
	assert.Len(t, r.Match("a/b/c"), 1)
}

func TestUnsubscribeUnknownFilterIsNoop(t *testing.T) {
	r := New()
	require.NoError(t, r.Unsubscribe("c1", "never/subscribed"))
	assert.Equal(t, 0, r.Count())
}

func TestRemoveClient(t *testing.T) {
	r := New()
	require.NoError(t, r.Subscribe("c1", "a/b", 0))
	require.NoError(t, r.Subscribe("c1", "c/d", 1))

	r.RemoveClient("c1", []string{"a/b", "c/d"})
	assert.Equal(t, 0, r.Count())
}
