// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "errors"

// Sentinel errors the coordinator returns, checked with errors.Is.
var (
	// ErrFatal wraps a condition the broker cannot recover from.
	ErrFatal = errors.New("broker: fatal error")
	// ErrAuthPlugin wraps a failure from the external auth provider.
	ErrAuthPlugin = errors.New("broker: auth plugin error")
	// ErrProtocol wraps a caller-supplied value that violates an MQTT
	// protocol rule (malformed topic name or filter).
	ErrProtocol = errors.New("broker: protocol error")
	// ErrPersistence wraps a snapshot save/load failure.
	ErrPersistence = errors.New("broker: persistence error")

	// ErrSessionNotFound is returned when an operation names a client-id
	// with no registered session.
	ErrSessionNotFound = errors.New("broker: session not found")
	// ErrNotAuthorized is returned when the auth facade denies a check.
	ErrNotAuthorized = errors.New("broker: not authorized")
)
