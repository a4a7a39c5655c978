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
	"sync"
	"time"
)

type memoryEntry struct {
	payload   []byte
	cachedAt  time.Time
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process Store.
//
// Description:
//
//	Entries live in a map guarded by an RWMutex. Expiry is lazy: an
//	expired entry is reported as a miss on read and removed by Prune or
//	by the next Put of the same key. Payloads are copied on the way in
//	and out so callers cannot mutate cached bytes.
//
// Thread Safety: Safe for concurrent use. Concurrent Gets share a read lock.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	closed  bool
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, toolID, pageHash string) ([]byte, bool, error) {
	if err := validateKey(toolID, pageHash); err != nil {
		return nil, false, err
	}
	start := time.Now()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, false, ErrStoreClosed
	}
	entry, ok := s.entries[entryKey(toolID, pageHash)]
	s.mu.RUnlock()

	if !ok || entry.expired(s.now()) {
		recordGet(ctx, "memory", start, false)
		return nil, false, nil
	}
	recordGet(ctx, "memory", start, true)
	return bytes.Clone(entry.payload), true, nil
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, toolID, pageHash string, payload []byte, ttl time.Duration) error {
	if err := validateKey(toolID, pageHash); err != nil {
		return err
	}
	now := s.now()
	entry := memoryEntry{
		payload:  bytes.Clone(payload),
		cachedAt: now,
	}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.entries[entryKey(toolID, pageHash)] = entry
	recordWrite(ctx, "memory")
	return nil
}

// Prune deletes expired entries and returns how many were removed.
func (s *MemoryStore) Prune() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close implements Store. Entries are discarded.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	return nil
}
