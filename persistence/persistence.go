// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package persistence snapshots retained messages and sessions (with
// their subscriptions and pending queues) to disk, and restores them at
// startup. Two independent files are written, each a small versioned
// binary header followed by length-prefixed records, the whole body
// wrapped in a zstd stream.
package persistence

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/wavemq/broker/retained"
	"github.com/wavemq/broker/session"
	"github.com/wavemq/broker/storage"
)

const (
	magic         uint32 = 0x57415645 // "WAVE"
	formatVersion uint16 = 1
)

// Layer coordinates snapshot save/load for both files.
type Layer struct {
	RetainedPath string
	SessionsPath string
	logger       *slog.Logger
}

// New creates a persistence layer writing to the given paths.
func New(retainedPath, sessionsPath string, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{RetainedPath: retainedPath, SessionsPath: sessionsPath, logger: logger}
}

// SessionRecord is the flattened, serializable shape of one session:
// its metadata, its subscriptions, and its pending-delivery queue.
type SessionRecord struct {
	ClientID      string
	CleanSession  bool
	Subscriptions []storage.Subscription
	Pending       []storage.PendingEntry
}

// BuildSessionRecords flattens every session in reg, plus its
// subscriptions drawn from subs, into a snapshot-ready slice. It takes
// no lock of its own: Registry.ForEach holds the registry's read lock for
// the whole walk, so registry writes wait until every session has been
// copied, and Session.Snapshot holds each session's lock while copying it.
func BuildSessionRecords(reg *session.Registry, subs storage.SubscriptionStore) ([]SessionRecord, error) {
	all, err := subs.All()
	if err != nil {
		return nil, fmt.Errorf("persistence: list subscriptions: %w", err)
	}

	byClient := make(map[string][]storage.Subscription)
	for _, sub := range all {
		byClient[sub.ClientID] = append(byClient[sub.ClientID], *sub)
	}

	var records []SessionRecord
	reg.ForEach(func(sess *session.Session) {
		if sess.CleanSession {
			return
		}
		records = append(records, SessionRecord{
			ClientID:      sess.ClientID,
			CleanSession:  sess.CleanSession,
			Subscriptions: byClient[sess.ClientID],
			Pending:       sess.Snapshot(),
		})
	})
	return records, nil
}

// SaveRetained writes every message in messages to RetainedPath, under a
// write-new-then-rename so a crash mid-write never corrupts the prior
// snapshot. The caller is expected to have already taken messages as a
// value copy outside any retained-tree lock.
func (l *Layer) SaveRetained(messages []*retained.Message) error {
	return writeSnapshot(l.RetainedPath, func(w io.Writer) error {
		for _, m := range messages {
			if err := writeRetainedRecord(w, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadRetained reads RetainedPath, if present, returning the stored
// messages. A missing file is not an error: it logs a warning and
// returns an empty slice, per the best-effort load contract.
func (l *Layer) LoadRetained() ([]*storage.Message, error) {
	var messages []*storage.Message

	err := readSnapshot(l.RetainedPath, l.logger, func(r io.Reader) error {
		for {
			msg, err := readRetainedRecord(r)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}
	})
	return messages, err
}

// SaveSessions writes every session record to SessionsPath.
func (l *Layer) SaveSessions(records []SessionRecord) error {
	return writeSnapshot(l.SessionsPath, func(w io.Writer) error {
		for _, rec := range records {
			if err := writeSessionRecord(w, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadSessions reads SessionsPath, if present. Subscriptions whose
// client_id is not present among the loaded sessions are silently
// dropped, per the restore contract.
func (l *Layer) LoadSessions() ([]SessionRecord, error) {
	var records []SessionRecord

	err := readSnapshot(l.SessionsPath, l.logger, func(r io.Reader) error {
		for {
			rec, err := readSessionRecord(r)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
	})
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(records))
	for _, rec := range records {
		known[rec.ClientID] = true
	}
	for i := range records {
		kept := records[i].Subscriptions[:0]
		for _, sub := range records[i].Subscriptions {
			if known[sub.ClientID] {
				kept = append(kept, sub)
			}
		}
		records[i].Subscriptions = kept
	}
	return records, nil
}

func writeSnapshot(path string, write func(io.Writer) error) error {
	tmp := path + ".tmp-" + uuid.NewString()
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("persistence: create snapshot: %w", err)
	}

	bufW := bufio.NewWriter(f)
	if err := writeHeader(bufW); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}

	zw, err := zstd.NewWriter(bufW)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("persistence: create zstd writer: %w", err)
	}

	if err := write(zw); err != nil {
		zw.Close()
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("persistence: close zstd stream: %w", err)
	}
	if err := bufW.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("persistence: flush snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persistence: close snapshot: %w", err)
	}

	// Write-new-then-read-back: verify the file we just wrote opens and
	// its header parses before replacing the previous snapshot with it.
	if err := verifySnapshot(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persistence: verify snapshot before rename: %w", err)
	}

	return os.Rename(tmp, path)
}

func verifySnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, _, err := readHeader(f); err != nil {
		return err
	}
	return nil
}

func readSnapshot(path string, logger *slog.Logger, read func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("snapshot file not found, starting empty", slog.String("path", path))
			return nil
		}
		return fmt.Errorf("persistence: open snapshot: %w", err)
	}
	defer f.Close()

	_, runID, err := readHeader(f)
	if err != nil {
		return fmt.Errorf("persistence: read header: %w", err)
	}
	logger.Debug("loading snapshot", slog.String("path", path), slog.String("run_id", runID.String()))

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("persistence: create zstd reader: %w", err)
	}
	defer zr.Close()

	return read(zr)
}

func writeHeader(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, magic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, formatVersion); err != nil {
		return err
	}
	id := uuid.New()
	if _, err := w.Write(id[:]); err != nil {
		return err
	}
	return nil
}

func readHeader(r io.Reader) (uint16, uuid.UUID, error) {
	var m uint32
	if err := binary.Read(r, binary.BigEndian, &m); err != nil {
		return 0, uuid.UUID{}, err
	}
	if m != magic {
		return 0, uuid.UUID{}, fmt.Errorf("persistence: bad magic %x", m)
	}
	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return 0, uuid.UUID{}, err
	}
	var idBytes [16]byte
	if _, err := io.ReadFull(r, idBytes[:]); err != nil {
		return 0, uuid.UUID{}, err
	}
	id, err := uuid.FromBytes(idBytes[:])
	if err != nil {
		return 0, uuid.UUID{}, err
	}
	return version, id, nil
}
