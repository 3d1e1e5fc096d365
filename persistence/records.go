// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/wavemq/broker/retained"
	"github.com/wavemq/broker/storage"
)

func nanoTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// retainedRecordJSON is the wire shape for one retained message.
type retainedRecordJSON struct {
	Topic       string
	Payload     []byte
	QoS         byte
	PublishTime int64 // unix nanoseconds
}

func writeRetainedRecord(w io.Writer, m *retained.Message) error {
	rec := retainedRecordJSON{
		Topic:       m.Topic,
		Payload:     m.Payload,
		QoS:         m.QoS,
		PublishTime: m.PublishTime.UnixNano(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("persistence: marshal retained record: %w", err)
	}
	return writeFrame(w, data)
}

func readRetainedRecord(r io.Reader) (*storage.Message, error) {
	data, err := readFrame(r)
	if err != nil {
		return nil, err
	}

	var rec retainedRecordJSON
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal retained record: %w", err)
	}
	return &storage.Message{
		Topic:       rec.Topic,
		Payload:     rec.Payload,
		QoS:         rec.QoS,
		Retain:      true,
		PublishTime: nanoTime(rec.PublishTime),
	}, nil
}

func writeSessionRecord(w io.Writer, rec SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("persistence: marshal session record: %w", err)
	}
	return writeFrame(w, data)
}

func readSessionRecord(r io.Reader) (SessionRecord, error) {
	data, err := readFrame(r)
	if err != nil {
		return SessionRecord{}, err
	}

	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return SessionRecord{}, fmt.Errorf("persistence: unmarshal session record: %w", err)
	}
	return rec, nil
}

// writeFrame writes a 4-byte big-endian length prefix followed by data.
func writeFrame(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("persistence: write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("persistence: write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed record, returning io.EOF (unwrapped,
// so callers can test it directly) once the stream is exhausted cleanly
// at a frame boundary.
func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("persistence: read frame length: %w", err)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("persistence: read frame body: %w", err)
	}
	return data, nil
}
