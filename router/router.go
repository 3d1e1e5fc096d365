// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router implements the subscription trie: a concurrent topic tree
// that maps topic filters to subscribing clients and answers "who matches
// this published topic" without rescanning every subscription on every
// publish.
package router

import (
	"sync"

	"github.com/wavemq/broker/storage"
	"github.com/wavemq/broker/topics"
)

// Router is a concurrent subscription trie. A single Router instance
// serves the whole broker; every worker goroutine shares it under its
// RWMutex.
type Router struct {
	mu         sync.RWMutex
	root       *node // topics not starting with '$'
	rootDollar *node // topics starting with '$' (e.g. $SYS)
}

// node is one level of the topic tree. The wildcard children get their
// own dedicated slots instead of living in the children map, mirroring
// how a filter's '+' and '#' tokens are distinct from literal tokens.
type node struct {
	subtopic    string
	children    map[string]*node
	childPlus   *node
	childPound  *node
	subscribers map[string]*storage.Subscription // clientID -> subscription
}

func newNode(subtopic string) *node {
	return &node{subtopic: subtopic}
}

func (n *node) subscriberCount() int {
	return len(n.subscribers)
}

func (n *node) childCount() int {
	count := len(n.children)
	if n.childPlus != nil {
		count++
	}
	if n.childPound != nil {
		count++
	}
	return count
}

// New creates an empty Router.
func New() *Router {
	return &Router{
		root:       newNode(""),
		rootDollar: newNode(""),
	}
}

func rootFor(r *Router, filter string) *node {
	if topics.IsDollar(filter) {
		return r.rootDollar
	}
	return r.root
}

// getOrCreatePath walks (creating as needed) the path for a split filter,
// returning the deepest node. Caller holds the write lock.
func getOrCreatePath(start *node, levels []string) *node {
	cur := start
	for _, level := range levels {
		switch level {
		case "#":
			if cur.childPound == nil {
				cur.childPound = newNode(level)
			}
			cur = cur.childPound
		case "+":
			if cur.childPlus == nil {
				cur.childPlus = newNode(level)
			}
			cur = cur.childPlus
		default:
			if cur.children == nil {
				cur.children = make(map[string]*node)
			}
			child, ok := cur.children[level]
			if !ok {
				child = newNode(level)
				cur.children[level] = child
			}
			cur = child
		}
	}
	return cur
}

// getPath walks an existing path without creating nodes, returning nil if
// any level is missing. Caller holds a lock.
func getPath(start *node, levels []string) *node {
	cur := start
	for _, level := range levels {
		var next *node
		switch level {
		case "#":
			next = cur.childPound
		case "+":
			next = cur.childPlus
		default:
			if cur.children != nil {
				next = cur.children[level]
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// Subscribe adds or updates clientID's subscription to filter at qos.
// filter is assumed already validated by topics.ValidateFilter.
func (r *Router) Subscribe(clientID, filter string, qos byte) error {
	levels := topics.Split(filter)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := getOrCreatePath(rootFor(r, filter), levels)
	if n.subscribers == nil {
		n.subscribers = make(map[string]*storage.Subscription)
	}
	n.subscribers[clientID] = &storage.Subscription{ClientID: clientID, Filter: filter, QoS: qos}
	return nil
}

// Unsubscribe removes clientID's subscription to filter, pruning any
// trie nodes left with no subscribers and no children.
func (r *Router) Unsubscribe(clientID, filter string) error {
	levels := topics.Split(filter)

	r.mu.Lock()
	defer r.mu.Unlock()

	start := rootFor(r, filter)
	n := getPath(start, levels)
	if n == nil {
		return nil
	}
	delete(n.subscribers, clientID)
	sweepPath(start, levels)
	return nil
}

// sweepPath walks the same path again and prunes now-empty trailing
// nodes bottom-up, stopping at the first node that still carries
// subscribers or children.
func sweepPath(start *node, levels []string) {
	chain := make([]*node, 0, len(levels)+1)
	chain = append(chain, start)
	cur := start
	for _, level := range levels {
		var next *node
		switch level {
		case "#":
			next = cur.childPound
		case "+":
			next = cur.childPlus
		default:
			if cur.children != nil {
				next = cur.children[level]
			}
		}
		if next == nil {
			return
		}
		chain = append(chain, next)
		cur = next
	}

	for i := len(chain) - 1; i > 0; i-- {
		child := chain[i]
		if child.subscriberCount() > 0 || child.childCount() > 0 {
			break
		}
		parent := chain[i-1]
		level := levels[i-1]
		switch level {
		case "#":
			parent.childPound = nil
		case "+":
			parent.childPlus = nil
		default:
			delete(parent.children, level)
		}
	}
}

// RemoveClient removes clientID's subscription to each filter in filters,
// across both trees. Subscriptions to filters not listed are left in place.
func (r *Router) RemoveClient(clientID string, filters []string) {
	for _, f := range filters {
		_ = r.Unsubscribe(clientID, f)
	}
}

// Match returns every subscription whose filter matches topic.
func (r *Router) Match(topic string) []*storage.Subscription {
	levels := topics.Split(topic)

	r.mu.RLock()
	defer r.mu.RUnlock()

	start := r.root
	if topics.IsDollar(topic) {
		start = r.rootDollar
	}

	var matched []*storage.Subscription
	matchIterative(start, levels, &matched)
	return dedupeHighestQoS(matched)
}

// matchIterative walks the trie against the published topic's levels
// using an explicit stack instead of recursion: each stack frame
// captures a node to visit together with the remaining topic levels
// still to be consumed.
type frame struct {
	n      *node
	levels []string
}

func matchIterative(start *node, levels []string, matched *[]*storage.Subscription) {
	stack := []frame{{n: start, levels: levels}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if len(f.levels) == 0 {
			for _, sub := range f.n.subscribers {
				*matched = append(*matched, sub)
			}
			if f.n.childPound != nil {
				for _, sub := range f.n.childPound.subscribers {
					*matched = append(*matched, sub)
				}
			}
			continue
		}

		level, rest := f.levels[0], f.levels[1:]

		// A '#' child matches everything underneath it immediately,
		// regardless of how many levels remain.
		if f.n.childPound != nil {
			for _, sub := range f.n.childPound.subscribers {
				*matched = append(*matched, sub)
			}
		}
		if f.n.childPlus != nil {
			stack = append(stack, frame{n: f.n.childPlus, levels: rest})
		}
		if f.n.children != nil {
			if child, ok := f.n.children[level]; ok {
				stack = append(stack, frame{n: child, levels: rest})
			}
		}
	}
}

// dedupeHighestQoS collapses duplicate entries for the same client
// (reachable via both a literal and a wildcard branch) to the single
// highest QoS subscription, per MQTT-3.3.5-1's max-QoS delivery rule.
func dedupeHighestQoS(subs []*storage.Subscription) []*storage.Subscription {
	if len(subs) <= 1 {
		return subs
	}
	seen := make(map[string]*storage.Subscription, len(subs))
	for _, sub := range subs {
		if existing, ok := seen[sub.ClientID]; !ok || sub.QoS > existing.QoS {
			seen[sub.ClientID] = sub
		}
	}
	result := make([]*storage.Subscription, 0, len(seen))
	for _, sub := range seen {
		result = append(result, sub)
	}
	return result
}

// Count returns the total number of distinct (client, filter) subscription
// entries across both trees. Intended for diagnostics; walks the full tree.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return countNode(r.root) + countNode(r.rootDollar)
}

func countNode(n *node) int {
	if n == nil {
		return 0
	}
	count := n.subscriberCount()
	count += countNode(n.childPlus)
	count += countNode(n.childPound)
	for _, child := range n.children {
		count += countNode(child)
	}
	return count
}
