// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sony/gobreaker"
)

// Access is the kind of ACL check being performed.
type Access int

const (
	// Read access (subscriber receiving a message).
	Read Access = iota
	// Write access (publisher sending a message).
	Write
	// Subscribe access (client issuing a SUBSCRIBE).
	Subscribe
)

// Provider is the external authorization plugin interface. Its lifecycle
// mirrors a Mosquitto-style auth plugin: Init once, SecurityInit on
// (re)load, checks in between, SecurityCleanup before a reload or
// shutdown, Cleanup once at the very end.
type Provider interface {
	Init(ctx context.Context) error
	SecurityInit(ctx context.Context, reloading bool) error
	SecurityCleanup(ctx context.Context, reloading bool) error
	Cleanup(ctx context.Context) error

	Login(ctx context.Context, username, password string) (Result, error)
	ACLCheck(ctx context.Context, clientID, username, topic string, access Access) (Result, error)
}

// Facade composes the credential store with an optional external
// Provider. Login: the credential store runs first and its result is
// final unless it succeeds, in which case the provider (if any) is
// consulted and its result returned instead. ACLCheck: the provider is
// the sole decider; with no provider configured every ACL check
// succeeds.
type Facade struct {
	credentials *CredentialStore
	provider    Provider
	breaker     *gobreaker.CircuitBreaker

	serializeInit   bool
	serializeChecks bool
	initMu          sync.Mutex
	checksMu        sync.Mutex

	quitting atomic.Bool
	// failClosed is set when a reload's SecurityInit fails, per the
	// mandated safety property: subsequent checks must fail rather than
	// silently fall back to "no provider configured".
	failClosed atomic.Bool

	logger *slog.Logger
}

// FacadeOption configures a Facade at construction.
type FacadeOption func(*Facade)

// WithProvider attaches an external authorization provider.
func WithProvider(p Provider) FacadeOption {
	return func(f *Facade) { f.provider = p }
}

// WithSerializeInit forces a single in-flight init/cleanup call across
// the whole broker.
func WithSerializeInit(serialize bool) FacadeOption {
	return func(f *Facade) { f.serializeInit = serialize }
}

// WithSerializeChecks forces a single in-flight login/acl_check call.
func WithSerializeChecks(serialize bool) FacadeOption {
	return func(f *Facade) { f.serializeChecks = serialize }
}

// NewFacade creates a Facade backed by credentials and configured by
// opts. When a provider is attached, its calls are wrapped in a circuit
// breaker so a wedged plugin degrades to fast failure instead of
// blocking every connecting client.
func NewFacade(credentials *CredentialStore, logger *slog.Logger, opts ...FacadeOption) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Facade{credentials: credentials, logger: logger}
	for _, opt := range opts {
		opt(f)
	}

	if f.provider != nil {
		f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "auth-provider",
			MaxRequests: 1,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("auth provider circuit breaker state changed",
					slog.String("from", from.String()), slog.String("to", to.String()))
			},
		})
	}
	return f
}

// Init runs once at broker startup.
func (f *Facade) Init(ctx context.Context) error {
	if f.provider == nil || f.quitting.Load() {
		return nil
	}
	return f.withInitLock(func() error { return f.provider.Init(ctx) })
}

// Reload re-reads the credential store and, if a provider is attached,
// cycles its SecurityCleanup(true)/SecurityInit(true). A failed
// SecurityInit sets fail-closed: subsequent ACL/login checks against the
// provider are denied until the next successful reload.
func (f *Facade) Reload(ctx context.Context) error {
	if err := f.credentials.Reload(); err != nil {
		f.logger.Error("credential store reload failed", slog.String("error", err.Error()))
	}

	if f.provider == nil || f.quitting.Load() {
		return nil
	}

	return f.withInitLock(func() error {
		if err := f.provider.SecurityCleanup(ctx, true); err != nil {
			f.logger.Warn("auth provider security_cleanup failed during reload", slog.String("error", err.Error()))
		}
		if err := f.provider.SecurityInit(ctx, true); err != nil {
			f.logger.Error("auth provider security_init failed during reload, failing closed", slog.String("error", err.Error()))
			f.failClosed.Store(true)
			return err
		}
		f.failClosed.Store(false)
		return nil
	})
}

// Shutdown runs the provider's terminal cleanup and marks the facade as
// quitting, after which Init is a no-op and Reload only re-reads the
// credential store, leaving the provider untouched.
func (f *Facade) Shutdown(ctx context.Context) error {
	f.quitting.Store(true)
	if f.provider == nil {
		return nil
	}
	return f.withInitLock(func() error {
		_ = f.provider.SecurityCleanup(ctx, false)
		return f.provider.Cleanup(ctx)
	})
}

func (f *Facade) withInitLock(fn func() error) error {
	if f.serializeInit {
		f.initMu.Lock()
		defer f.initMu.Unlock()
	}
	return fn()
}

// Login checks username/password. The credential store runs first and
// its result is final unless it succeeds.
func (f *Facade) Login(ctx context.Context, username, password string) Result {
	result := f.credentials.Check(username, password)
	if result != Success {
		return result
	}
	if f.provider == nil {
		return Success
	}
	if f.failClosed.Load() {
		return Error
	}

	r, err := f.callProvider(func() (Result, error) {
		return f.provider.Login(ctx, username, password)
	})
	if err != nil {
		f.logger.Error("auth provider login check failed", slog.String("username", username), slog.String("error", err.Error()))
		return Error
	}
	return r
}

// ACLCheck checks whether clientID/username may access topic for the
// given Access kind. The provider is the sole decider; with none
// configured every check succeeds.
func (f *Facade) ACLCheck(ctx context.Context, clientID, username, topic string, access Access) Result {
	if f.provider == nil {
		return Success
	}
	if f.failClosed.Load() {
		return Error
	}

	r, err := f.callProvider(func() (Result, error) {
		return f.provider.ACLCheck(ctx, clientID, username, topic, access)
	})
	if err != nil {
		f.logger.Error("auth provider acl check failed", slog.String("client_id", clientID), slog.String("topic", topic), slog.String("error", err.Error()))
		return Error
	}
	return r
}

func (f *Facade) callProvider(fn func() (Result, error)) (Result, error) {
	if f.serializeChecks {
		f.checksMu.Lock()
		defer f.checksMu.Unlock()
	}

	out, err := f.breaker.Execute(func() (interface{}, error) {
		r, err := fn()
		if err != nil {
			return nil, err
		}
		return r, nil
	})
	if err != nil {
		return Error, err
	}
	return out.(Result), nil
}
