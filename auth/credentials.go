// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth implements the credential store and the auth facade that
// composes it with an optional external authorization provider.
package auth

import (
	"bufio"
	"bytes"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Result is the outcome of a login or ACL check.
type Result int

const (
	// Success grants the request.
	Success Result = iota
	// LoginDenied rejects a login attempt.
	LoginDenied
	// ACLDenied rejects an ACL check.
	ACLDenied
	// Error indicates the check itself failed (plugin error, I/O error).
	Error
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case LoginDenied:
		return "login_denied"
	case ACLDenied:
		return "acl_denied"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

type credentialEntry struct {
	salt   []byte
	digest []byte
}

// CredentialStore holds the username -> (salt, digest) table loaded from
// a mosquitto-style password file, and hot-reloads it when the file's
// modification time changes.
//
// An empty path means "no credentials configured": every login succeeds.
// With a path set, a nil table (no file successfully loaded yet) denies
// every login. A non-nil, possibly empty, table means the store is
// active: unknown usernames fall back to allowAnonymous, known usernames
// always go through digest comparison.
type CredentialStore struct {
	path          string
	allowAnonymous bool
	logger        *slog.Logger

	table      atomic.Pointer[map[string]credentialEntry]
	lastCtime  atomic.Int64
}

// NewCredentialStore creates a credential store for the given password
// file path. An empty path disables the store entirely.
func NewCredentialStore(path string, allowAnonymous bool, logger *slog.Logger) *CredentialStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialStore{path: path, allowAnonymous: allowAnonymous, logger: logger}
}

// Reload stats the password file and, if its modification time changed
// since the last load, re-reads and atomically swaps the in-memory table. A no-op
// when path is empty.
func (c *CredentialStore) Reload() error {
	if c.path == "" {
		return nil
	}

	info, err := os.Stat(c.path)
	if err != nil {
		return fmt.Errorf("auth: stat password file: %w", err)
	}

	// mtime stands in for a ctime comparison here: both detect "the file
	// was rewritten since we last loaded it", and mtime needs no
	// platform-specific stat_t plumbing.
	mtime := info.ModTime().UnixNano()
	if mtime == c.lastCtime.Load() {
		return nil
	}

	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("auth: open password file: %w", err)
	}
	defer f.Close()

	table := make(map[string]credentialEntry)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		username, entry, err := parsePasswordLine(line)
		if err != nil {
			c.logger.Warn("dropping invalid password file line",
				slog.Int("line", lineNo), slog.String("error", err.Error()))
			continue
		}
		table[username] = entry
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("auth: read password file: %w", err)
	}

	c.table.Store(&table)
	c.lastCtime.Store(mtime)
	c.logger.Info("reloaded password file", slog.String("path", c.path), slog.Int("entries", len(table)))
	return nil
}

// parsePasswordLine parses one "username:$6$<b64salt>$<b64digest>" line.
func parsePasswordLine(line string) (string, credentialEntry, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 2 {
		return "", credentialEntry{}, fmt.Errorf("expected exactly one ':' separator")
	}
	username, rest := fields[0], fields[1]
	if username == "" || rest == "" {
		return "", credentialEntry{}, fmt.Errorf("empty username or credential field")
	}

	if !strings.HasPrefix(rest, "$") {
		return "", credentialEntry{}, fmt.Errorf("expected credential field to start with '$'")
	}
	parts := strings.SplitN(rest[1:], "$", 3)
	if len(parts) != 3 {
		return "", credentialEntry{}, fmt.Errorf("expected three '$'-separated fields")
	}
	if parts[0] != "6" {
		return "", credentialEntry{}, fmt.Errorf("unsupported hash id %q, expected 6 (SHA-512)", parts[0])
	}

	salt, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", credentialEntry{}, fmt.Errorf("decode salt: %w", err)
	}
	digest, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", credentialEntry{}, fmt.Errorf("decode digest: %w", err)
	}

	return username, credentialEntry{salt: salt, digest: digest}, nil
}

// Check verifies username/password against the loaded table.
func (c *CredentialStore) Check(username, password string) Result {
	if c.path == "" {
		return Success
	}

	table := c.table.Load()
	if table == nil {
		// Configured but not yet (successfully) loaded.
		return LoginDenied
	}

	entry, ok := (*table)[username]
	if !ok {
		if c.allowAnonymous {
			return Success
		}
		return LoginDenied
	}

	sum := sha512.Sum512(append([]byte(password), entry.salt...))
	if bytes.Equal(sum[:], entry.digest) {
		return Success
	}
	return LoginDenied
}
