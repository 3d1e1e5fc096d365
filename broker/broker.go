// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker is the coordinator: it wires the credential/auth
// facade, the retained-message tree, the subscription trie, and the
// session registry into the Publish/Subscribe/Unsubscribe operations a
// worker-pool connection handler drives. It owns no transport and
// parses no wire protocol; those are the job of package workerpool and
// whatever framing layer sits in front of it.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wavemq/broker/auth"
	"github.com/wavemq/broker/persistence"
	"github.com/wavemq/broker/retained"
	"github.com/wavemq/broker/router"
	"github.com/wavemq/broker/session"
	"github.com/wavemq/broker/storage"
	"github.com/wavemq/broker/topics"
)

// Config bundles the tunables the coordinator consults directly; the
// rest of the broker's settings (listener address, worker count) belong
// to packages workerpool and config.
type Config struct {
	MaxInFlight   int
	SessionExpiry time.Duration
	ExpirySweep   time.Duration
	ReloadPeriod  time.Duration
}

// Broker is the MQTT routing and session core.
type Broker struct {
	cfg Config

	auth      *auth.Facade
	retained  *retained.Tree
	router    *router.Router
	sessions  *session.Registry
	store     storage.Store
	persist   *persistence.Layer
	logger    *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New creates a Broker wired to store for durable state, facade for
// authentication/authorization, and persist (optional, may be nil) for
// retained/session snapshots.
func New(cfg Config, store storage.Store, facade *auth.Facade, persist *persistence.Layer, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 20
	}
	if cfg.ExpirySweep <= 0 {
		cfg.ExpirySweep = time.Second
	}

	b := &Broker{
		cfg:      cfg,
		auth:     facade,
		retained: retained.New(),
		router:   router.New(),
		sessions: session.NewRegistry(),
		store:    store,
		persist:  persist,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	return b
}

// Start loads any prior snapshot and begins the background sweep/reload
// loops. Call once before accepting connections.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.auth.Init(ctx); err != nil {
		return fmt.Errorf("%w: auth init: %v", ErrAuthPlugin, err)
	}

	if err := b.loadFromStore(); err != nil {
		return fmt.Errorf("%w: load from store: %v", ErrPersistence, err)
	}

	if b.persist != nil {
		if err := b.loadSnapshots(); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}

	b.wg.Add(1)
	go b.expiryLoop()

	if b.cfg.ReloadPeriod > 0 {
		b.wg.Add(1)
		go b.reloadLoop()
	}
	return nil
}

// loadFromStore seeds the retained tree and session registry from the
// configured Store, so a badger-backed restart recovers state even
// without a persistence snapshot file. A subsequent loadSnapshots call,
// if persistence is enabled, overlays the snapshot file's data on top as
// the authoritative cross-restart source.
func (b *Broker) loadFromStore() error {
	retainedMsgs, err := b.store.Retained().Match("#")
	if err != nil {
		return fmt.Errorf("load retained from store: %w", err)
	}
	b.retained.Restore(retainedMsgs)

	records, err := b.store.Sessions().List()
	if err != nil {
		return fmt.Errorf("list sessions from store: %w", err)
	}
	for _, rec := range records {
		if rec.CleanStart {
			continue
		}
		sess, _, _ := b.sessions.Register(rec.ClientID, false, nil, b.cfg.MaxInFlight)

		pending, err := b.store.Messages().List(rec.ClientID + "/")
		if err != nil {
			b.logger.Warn("load pending messages from store failed",
				slog.String("client_id", rec.ClientID), slog.String("error", err.Error()))
		} else {
			entries := make([]storage.PendingEntry, len(pending))
			for i, p := range pending {
				entries[i] = *p
			}
			sess.RestorePending(entries)
		}

		subs, err := b.store.Subscriptions().GetForClient(rec.ClientID)
		if err != nil {
			continue
		}
		for _, sub := range subs {
			if err := b.router.Subscribe(sub.ClientID, sub.Filter, sub.QoS); err != nil {
				b.logger.Warn("dropping invalid subscription from store",
					slog.String("client_id", sub.ClientID), slog.String("filter", sub.Filter), slog.String("error", err.Error()))
			}
		}
	}
	return nil
}

func (b *Broker) loadSnapshots() error {
	messages, err := b.persist.LoadRetained()
	if err != nil {
		return fmt.Errorf("load retained snapshot: %w", err)
	}
	b.retained.Restore(messages)

	records, err := b.persist.LoadSessions()
	if err != nil {
		return fmt.Errorf("load sessions snapshot: %w", err)
	}
	for _, rec := range records {
		sess, _, _ := b.sessions.Register(rec.ClientID, false, nil, b.cfg.MaxInFlight)
		sess.RestorePending(rec.Pending)
		for _, sub := range rec.Subscriptions {
			if err := b.router.Subscribe(sub.ClientID, sub.Filter, sub.QoS); err != nil {
				b.logger.Warn("dropping invalid subscription from snapshot",
					slog.String("client_id", sub.ClientID), slog.String("filter", sub.Filter), slog.String("error", err.Error()))
			}
		}
	}
	b.logger.Info("restored snapshot", slog.Int("retained", len(messages)), slog.Int("sessions", len(records)))
	return nil
}

// Stop halts the background loops and, if a persistence layer is
// attached, takes a final snapshot.
func (b *Broker) Stop(ctx context.Context) error {
	b.closeOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()

	if err := b.auth.Shutdown(ctx); err != nil {
		b.logger.Warn("auth shutdown error", slog.String("error", err.Error()))
	}

	return b.Snapshot()
}

// Snapshot syncs retained messages and sessions into the configured
// Store and, if a persistence layer is attached, into its snapshot
// files. Independent of the periodic save cycle.
func (b *Broker) Snapshot() error {
	if err := b.syncToStore(); err != nil {
		return fmt.Errorf("%w: sync to store: %v", ErrPersistence, err)
	}

	if b.persist == nil {
		return nil
	}
	if err := b.persist.SaveRetained(b.retained.Snapshot()); err != nil {
		return fmt.Errorf("%w: save retained: %v", ErrPersistence, err)
	}
	records, err := persistence.BuildSessionRecords(b.sessions, b.store.Subscriptions())
	if err != nil {
		return fmt.Errorf("%w: build session records: %v", ErrPersistence, err)
	}
	if err := b.persist.SaveSessions(records); err != nil {
		return fmt.Errorf("%w: save sessions: %v", ErrPersistence, err)
	}
	return nil
}

// syncToStore mirrors the in-memory retained tree and every
// non-clean-session's metadata and pending queue into the configured
// Store, so storage.type: badger stays a faithful live cache of broker
// state between snapshot file writes.
func (b *Broker) syncToStore() error {
	for _, msg := range b.retained.Snapshot() {
		err := b.store.Retained().Set(msg.Topic, &storage.Message{
			Topic:       msg.Topic,
			Payload:     msg.Payload,
			QoS:         msg.QoS,
			Retain:      true,
			PublishTime: msg.PublishTime,
		})
		if err != nil {
			return fmt.Errorf("sync retained to store: %w", err)
		}
	}

	var syncErr error
	b.sessions.ForEach(func(sess *session.Session) {
		if syncErr != nil || sess.CleanSession {
			return
		}
		stored := &storage.Session{
			ClientID:   sess.ClientID,
			LastTouch:  sess.LastTouch(),
			CleanStart: sess.CleanSession,
		}
		if err := b.store.Sessions().Save(stored); err != nil {
			syncErr = fmt.Errorf("sync session to store: %w", err)
			return
		}

		prefix := sess.ClientID + "/"
		if err := b.store.Messages().DeleteByPrefix(prefix); err != nil {
			syncErr = fmt.Errorf("clear pending in store: %w", err)
			return
		}
		for i, entry := range sess.Snapshot() {
			e := entry
			if err := b.store.Messages().Store(fmt.Sprintf("%s%010d", prefix, i), &e); err != nil {
				syncErr = fmt.Errorf("sync pending to store: %w", err)
				return
			}
		}
	})
	return syncErr
}

// Connect registers (or takes over) the session for clientID and binds
// conn to it, per MQTT-3.1.4-2. It returns the session, whether it is a
// brand-new session (for the CONNACK session-present flag), and the
// connection evicted from a prior holder of the same client-id, if any.
func (b *Broker) Connect(ctx context.Context, clientID, username, password string, cleanSession bool, conn session.Connection) (*session.Session, bool, session.Connection, error) {
	if result := b.auth.Login(ctx, username, password); result != auth.Success {
		return nil, false, nil, fmt.Errorf("%w: %s", ErrNotAuthorized, result)
	}

	sess, evicted, isNew := b.sessions.Register(clientID, cleanSession, conn, b.cfg.MaxInFlight)
	if cleanSession {
		if subs, err := b.store.Subscriptions().GetForClient(clientID); err == nil {
			for _, sub := range subs {
				_ = b.router.Unsubscribe(clientID, sub.Filter)
			}
		}
		_ = b.store.Subscriptions().RemoveAll(clientID)
		_ = b.store.Sessions().Delete(clientID)
		_ = b.store.Messages().DeleteByPrefix(clientID + "/")
	} else {
		err := b.store.Sessions().Save(&storage.Session{
			ClientID:   clientID,
			LastTouch:  time.Now(),
			CleanStart: cleanSession,
		})
		if err != nil {
			b.logger.Warn("save session to store failed",
				slog.String("client_id", clientID), slog.String("error", err.Error()))
		}
	}
	return sess, isNew, evicted, nil
}

// Disconnect unbinds conn from its session. If the session's
// clean-session flag is set, it is torn down entirely: its router
// entries and stored subscriptions are removed and the registry drops
// it outright.
func (b *Broker) Disconnect(clientID string, conn session.Connection) {
	sess := b.sessions.Get(clientID)
	if sess == nil {
		return
	}
	sess.Unbind(conn)

	if !sess.CleanSession {
		return
	}

	subs, err := b.store.Subscriptions().GetForClient(clientID)
	if err != nil {
		b.logger.Warn("list subscriptions on clean-session disconnect failed",
			slog.String("client_id", clientID), slog.String("error", err.Error()))
	}
	for _, sub := range subs {
		_ = b.router.Unsubscribe(clientID, sub.Filter)
	}
	_ = b.store.Subscriptions().RemoveAll(clientID)
	_ = b.store.Sessions().Delete(clientID)
	_ = b.store.Messages().DeleteByPrefix(clientID + "/")
	b.sessions.Remove(clientID)
}

// Subscribe adds (clientID, filter, qos) to the routing trie and the
// durable subscription store, and returns any retained messages the new
// filter immediately matches, for replay to the subscriber.
func (b *Broker) Subscribe(ctx context.Context, clientID, username, filter string, qos byte) ([]*retained.Message, error) {
	if err := topics.ValidateFilter(filter); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if result := b.auth.ACLCheck(ctx, clientID, username, filter, auth.Subscribe); result != auth.Success {
		return nil, fmt.Errorf("%w: %s", ErrNotAuthorized, result)
	}

	if err := b.router.Subscribe(clientID, filter, qos); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := b.store.Subscriptions().Add(&storage.Subscription{ClientID: clientID, Filter: filter, QoS: qos}); err != nil {
		return nil, fmt.Errorf("%w: persist subscription: %v", ErrPersistence, err)
	}

	return b.retained.Match(filter, qos), nil
}

// Unsubscribe removes (clientID, filter) from the routing trie and the
// durable subscription store.
func (b *Broker) Unsubscribe(clientID, filter string) error {
	if err := b.router.Unsubscribe(clientID, filter); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := b.store.Subscriptions().Remove(clientID, filter); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// Publish routes a message to every matching subscriber's session queue
// and, if retain is set, updates the retained-message tree. Delivery QoS
// per recipient is min(qos, subscription.QoS); a recipient reachable
// through more than one overlapping filter is delivered once, at the
// highest matching QoS.
func (b *Broker) Publish(ctx context.Context, clientID, username, topic string, payload []byte, qos byte, retain bool) error {
	if err := topics.ValidateName(topic); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if result := b.auth.ACLCheck(ctx, clientID, username, topic, auth.Write); result != auth.Success {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, result)
	}

	if retain {
		if err := b.retained.Set(topic, payload, qos); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}

	now := time.Now()
	for _, sub := range b.router.Match(topic) {
		sess := b.sessions.Get(sub.ClientID)
		if sess == nil {
			continue
		}
		deliverQoS := qos
		if sub.QoS < deliverQoS {
			deliverQoS = sub.QoS
		}
		sess.Enqueue(storage.PendingEntry{
			Message: storage.Message{
				Topic:       topic,
				Payload:     payload,
				QoS:         deliverQoS,
				Retain:      false,
				PublishTime: now,
			},
			QoS: deliverQoS,
		})
	}
	return nil
}

func (b *Broker) expiryLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.ExpirySweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweepExpired()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) sweepExpired() {
	if b.cfg.SessionExpiry <= 0 {
		return
	}
	cutoff := time.Now().Add(-b.cfg.SessionExpiry)
	for _, clientID := range b.sessions.ExpireIdle(cutoff) {
		subs, err := b.store.Subscriptions().GetForClient(clientID)
		if err != nil {
			continue
		}
		for _, sub := range subs {
			_ = b.router.Unsubscribe(clientID, sub.Filter)
		}
		_ = b.store.Subscriptions().RemoveAll(clientID)
		_ = b.store.Sessions().Delete(clientID)
		_ = b.store.Messages().DeleteByPrefix(clientID + "/")
		b.logger.Info("expired idle session", slog.String("client_id", clientID))
	}
}

func (b *Broker) reloadLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.ReloadPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.auth.Reload(context.Background()); err != nil {
				b.logger.Error("auth reload failed", slog.String("error", err.Error()))
			}
		case <-b.stopCh:
			return
		}
	}
}
