// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	kv "github.com/AleutianAI/AleutianPipeline/services/scheduler/storage/badger"
)

const badgerKeyPrefix = "result/"

// Stored values are a fixed header followed by the payload bytes as given.
// The header holds cached_at and ttl in milliseconds, big endian. Expiry
// itself is enforced by badger.
const (
	valueFormatV1   byte = 1
	valueHeaderSize      = 16
)

// ErrCorruptEntry is returned when a stored value cannot be decoded.
var ErrCorruptEntry = errors.New("corrupt cache entry")

func encodeValue(payload []byte, cachedAt time.Time, ttl time.Duration) []byte {
	buf := make([]byte, valueHeaderSize+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(cachedAt.UnixMilli()))
	binary.BigEndian.PutUint64(buf[8:16], uint64(ttl.Milliseconds()))
	copy(buf[valueHeaderSize:], payload)
	return buf
}

func decodeValue(meta byte, val []byte) ([]byte, error) {
	if meta != valueFormatV1 || len(val) < valueHeaderSize {
		return nil, ErrCorruptEntry
	}
	return bytes.Clone(val[valueHeaderSize:]), nil
}

// BadgerStore is a persistent Store on BadgerDB.
//
// Thread Safety: Safe for concurrent use. Reads run in badger's MVCC
// read transactions and never block each other.
type BadgerStore struct {
	db     *kv.DB
	owned  bool
	logger *slog.Logger
}

// NewBadgerStore wraps an open database. The caller keeps ownership of db.
func NewBadgerStore(db *kv.DB, logger *slog.Logger) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("badger db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// OpenBadgerStore opens a database at dir, or in memory when dir is empty,
// and returns a store that closes it on Close.
func OpenBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	opts := kv.InMemoryOptions()
	if dir != "" {
		opts = kv.DefaultOptions(dir)
	}
	opts.Logger = logger

	db, err := kv.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open result cache: %w", err)
	}
	s, err := NewBadgerStore(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, toolID, pageHash string) ([]byte, bool, error) {
	if err := validateKey(toolID, pageHash); err != nil {
		return nil, false, err
	}
	start := time.Now()

	var payload []byte
	found := false
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(toolID, pageHash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			var derr error
			payload, derr = decodeValue(item.UserMeta(), val)
			return derr
		})
	})
	if err != nil {
		recordError(ctx, "badger", "get")
		if errors.Is(err, kv.ErrClosed) {
			return nil, false, ErrStoreClosed
		}
		return nil, false, fmt.Errorf("cache get %s: %w", toolID, err)
	}

	recordGet(ctx, "badger", start, found)
	if !found {
		return nil, false, nil
	}
	if payload == nil {
		payload = []byte{}
	}
	return payload, true, nil
}

// Put implements Store. The payload is stored byte for byte.
func (s *BadgerStore) Put(ctx context.Context, toolID, pageHash string, payload []byte, ttl time.Duration) error {
	if err := validateKey(toolID, pageHash); err != nil {
		return err
	}
	data := encodeValue(payload, time.Now(), ttl)

	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		e := badger.NewEntry(badgerKey(toolID, pageHash), data).WithMeta(valueFormatV1)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		recordError(ctx, "badger", "put")
		if errors.Is(err, kv.ErrClosed) {
			return ErrStoreClosed
		}
		return fmt.Errorf("cache put %s: %w", toolID, err)
	}
	recordWrite(ctx, "badger")
	return nil
}

// Close implements Store. The database is closed only if the store opened it.
func (s *BadgerStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func badgerKey(toolID, pageHash string) []byte {
	return []byte(badgerKeyPrefix + entryKey(toolID, pageHash))
}
