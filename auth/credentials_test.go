// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePasswordFile(t *testing.T, entries map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "passwd")

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	for username, password := range entries {
		salt := []byte("fixed-test-salt")
		sum := sha512.Sum512(append([]byte(password), salt...))
		line := fmt.Sprintf("%s:$6$%s$%s\n", username,
			base64.StdEncoding.EncodeToString(salt),
			base64.StdEncoding.EncodeToString(sum[:]))
		_, err := f.WriteString(line)
		require.NoError(t, err)
	}
	return path
}

func TestCredentialStoreEmptyPathAlwaysSucceeds(t *testing.T) {
	c := NewCredentialStore("", false, nil)
	assert.Equal(t, Success, c.Check("anyone", "anything"))
}

func TestCredentialStoreCorrectPassword(t *testing.T) {
	path := writePasswordFile(t, map[string]string{"alice": "hunter2"})
	c := NewCredentialStore(path, false, nil)
	require.NoError(t, c.Reload())

	assert.Equal(t, Success, c.Check("alice", "hunter2"))
	assert.Equal(t, LoginDenied, c.Check("alice", "wrong"))
}

func TestCredentialStoreUnknownUserDeniedByDefault(t *testing.T) {
	path := writePasswordFile(t, map[string]string{"alice": "hunter2"})
	c := NewCredentialStore(path, false, nil)
	require.NoError(t, c.Reload())

	assert.Equal(t, LoginDenied, c.Check("bob", "anything"))
}

func TestCredentialStoreAllowAnonymousForUnknownUser(t *testing.T) {
	path := writePasswordFile(t, map[string]string{"alice": "hunter2"})
	c := NewCredentialStore(path, true, nil)
	require.NoError(t, c.Reload())

	assert.Equal(t, Success, c.Check("bob", "anything"))
	// Known users still go through digest comparison regardless of allow_anonymous.
	assert.Equal(t, LoginDenied, c.Check("alice", "wrong"))
}

func TestCredentialStoreConfiguredButNotYetLoadedDenies(t *testing.T) {
	c := NewCredentialStore("/nonexistent/passwd", false, nil)
	assert.Equal(t, LoginDenied, c.Check("anyone", "anything"))
}

func TestCredentialStoreReloadPicksUpChanges(t *testing.T) {
	path := writePasswordFile(t, map[string]string{"alice": "hunter2"})
	c := NewCredentialStore(path, false, nil)
	require.NoError(t, c.Reload())
	assert.Equal(t, LoginDenied, c.Check("carol", "pw"))

	// Rewrite with an additional user; mtime must change since the
	// content does, so Reload should pick it up.
	os.Remove(path)
	path2 := writePasswordFile(t, map[string]string{"alice": "hunter2", "carol": "pw"})
	require.NoError(t, os.Rename(path2, path))

	require.NoError(t, c.Reload())
	assert.Equal(t, Success, c.Check("carol", "pw"))
}

func TestParsePasswordLineRejectsMalformed(t *testing.T) {
	_, _, err := parsePasswordLine("no-colon-here")
	assert.Error(t, err)

	_, _, err = parsePasswordLine("user:$5$salt$digest")
	assert.Error(t, err, "only hash id 6 (SHA-512) is supported")

	_, _, err = parsePasswordLine("user:notformatted")
	assert.Error(t, err)
}
