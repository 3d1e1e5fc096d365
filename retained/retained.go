// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retained implements the retained-message store: a concurrent
// topic tree holding at most one message per exact topic, with
// wildcard-aware replay for new subscribers.
package retained

import (
	"sync"
	"time"

	"github.com/wavemq/broker/storage"
	"github.com/wavemq/broker/topics"
)

// Message is a stored retained message.
type Message struct {
	Topic       string
	Payload     []byte
	QoS         byte
	PublishTime time.Time
}

// node is one level of the retained tree. Unlike the subscription trie,
// retained topics are concrete (never contain wildcards), so every level
// lives in a single children map; wildcard handling only matters when
// walking the tree for a subscriber's filter.
type node struct {
	children map[string]*node
	message  *Message
}

func newNode() *node { return &node{} }

// Tree is a concurrent retained-message tree.
type Tree struct {
	mu         sync.RWMutex
	root       *node
	rootDollar *node
	count      int
}

// New creates an empty retained tree.
func New() *Tree {
	return &Tree{root: newNode(), rootDollar: newNode()}
}

func (t *Tree) rootFor(topic string) *node {
	if topics.IsDollar(topic) {
		return t.rootDollar
	}
	return t.root
}

// Set stores or replaces the retained message at topic. An empty payload
// deletes the existing retained message instead.
func (t *Tree) Set(topic string, payload []byte, qos byte) error {
	levels := topics.Split(topic)

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(payload) == 0 {
		t.deleteLocked(topic, levels)
		return nil
	}

	n := t.rootFor(topic)
	for _, level := range levels {
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		child, ok := n.children[level]
		if !ok {
			child = newNode()
			n.children[level] = child
		}
		n = child
	}
	if n.message == nil {
		t.count++
	}
	n.message = &Message{
		Topic:       topic,
		Payload:     append([]byte(nil), payload...),
		QoS:         qos,
		PublishTime: time.Now(),
	}
	return nil
}

// Delete removes the retained message at topic, if any.
func (t *Tree) Delete(topic string) error {
	levels := topics.Split(topic)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.deleteLocked(topic, levels)
	return nil
}

func (t *Tree) deleteLocked(topic string, levels []string) {
	chain := []*node{t.rootFor(topic)}
	cur := chain[0]
	for _, level := range levels {
		if cur.children == nil {
			return
		}
		child, ok := cur.children[level]
		if !ok {
			return
		}
		chain = append(chain, child)
		cur = child
	}
	if cur.message == nil {
		return
	}
	cur.message = nil
	t.count--

	for i := len(chain) - 1; i > 0; i-- {
		n := chain[i]
		if n.message != nil || len(n.children) > 0 {
			break
		}
		delete(chain[i-1].children, levels[i-1])
	}
}

// Get retrieves the retained message at an exact topic, if any.
func (t *Tree) Get(topic string) (*Message, bool) {
	levels := topics.Split(topic)

	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.rootFor(topic)
	for _, level := range levels {
		if n.children == nil {
			return nil, false
		}
		child, ok := n.children[level]
		if !ok {
			return nil, false
		}
		n = child
	}
	if n.message == nil {
		return nil, false
	}
	return n.message, true
}

// Match returns every retained message whose topic matches filter. A "+"
// level descends into every child for exactly one level; a "#" level
// matches the message at its parent level, if any, and every message in
// the subtree below it. Each
// returned message's QoS is clamped to min(stored QoS, maxQoS), per
// fetch_for_subscribe's contract: a subscriber never receives a
// retained replay at a higher QoS than it asked for.
func (t *Tree) Match(filter string, maxQoS byte) []*Message {
	levels := topics.Split(filter)

	t.mu.RLock()
	defer t.mu.RUnlock()

	start := t.rootFor(filter)

	var result []*Message
	matchRecursive(start, levels, false, maxQoS, &result)
	return result
}

func matchRecursive(n *node, levels []string, poundMode bool, maxQoS byte, result *[]*Message) {
	if len(levels) == 0 {
		if n.message != nil {
			*result = append(*result, clampedCopy(n.message, maxQoS))
		}
		if poundMode {
			for _, child := range n.children {
				matchRecursive(child, levels, poundMode, maxQoS, result)
			}
		}
		return
	}

	level, rest := levels[0], levels[1:]

	if level == "#" || level == "+" {
		pound := level == "#"
		if pound && n.message != nil {
			*result = append(*result, clampedCopy(n.message, maxQoS))
		}
		for _, child := range n.children {
			matchRecursive(child, rest, pound, maxQoS, result)
		}
		return
	}

	child, ok := n.children[level]
	if !ok {
		return
	}
	matchRecursive(child, rest, false, maxQoS, result)
}

// clampedCopy returns a copy of msg with its QoS clamped to min(msg.QoS,
// maxQoS), leaving the stored message (and any other concurrent reader's
// view of it) untouched.
func clampedCopy(msg *Message, maxQoS byte) *Message {
	cp := *msg
	if cp.QoS > maxQoS {
		cp.QoS = maxQoS
	}
	return &cp
}

// Count returns the number of stored retained messages.
func (t *Tree) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Snapshot returns every retained message currently stored, for the
// persistence layer.
func (t *Tree) Snapshot() []*Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var all []*Message
	collect(t.root, &all)
	collect(t.rootDollar, &all)
	return all
}

func collect(n *node, out *[]*Message) {
	if n.message != nil {
		*out = append(*out, n.message)
	}
	for _, child := range n.children {
		collect(child, out)
	}
}

// Restore loads a snapshot produced by Snapshot, typically called once at
// startup before the broker begins accepting connections.
func (t *Tree) Restore(messages []*storage.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, msg := range messages {
		levels := topics.Split(msg.Topic)
		n := t.rootFor(msg.Topic)
		for _, level := range levels {
			if n.children == nil {
				n.children = make(map[string]*node)
			}
			child, ok := n.children[level]
			if !ok {
				child = newNode()
				n.children[level] = child
			}
			n = child
		}
		if n.message == nil {
			t.count++
		}
		n.message = &Message{
			Topic:       msg.Topic,
			Payload:     msg.Payload,
			QoS:         msg.QoS,
			PublishTime: msg.PublishTime,
		}
	}
}
