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
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	kv "github.com/AleutianAI/AleutianPipeline/services/scheduler/storage/badger"
)

func TestComputeKey_Deterministic(t *testing.T) {
	a := ComputeKey(Page{URL: "https://example.com/a"})
	b := ComputeKey(Page{URL: "https://example.com/a"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestComputeKey_Normalization(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"host case", "https://EXAMPLE.com/x", "https://example.com/x"},
		{"scheme case", "HTTPS://example.com/x", "https://example.com/x"},
		{"fragment", "https://example.com/x#section", "https://example.com/x"},
		{"empty path", "https://example.com", "https://example.com/"},
		{"whitespace", "  https://example.com/x ", "https://example.com/x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, ComputeKey(Page{URL: tt.a}), ComputeKey(Page{URL: tt.b}))
		})
	}

	assert.NotEqual(t,
		ComputeKey(Page{URL: "https://example.com/X"}),
		ComputeKey(Page{URL: "https://example.com/x"}),
		"path case is significant",
	)
}

func TestComputeKey_ContentWins(t *testing.T) {
	html := "<html><body>hi</body></html>"
	a := ComputeKey(Page{URL: "https://a.example/", Content: html})
	b := ComputeKey(Page{URL: "https://b.example/", Content: html})
	assert.Equal(t, a, b)

	// Same bytes as URL and as content must not collide.
	assert.NotEqual(t, ComputeKey(Page{URL: "x"}), ComputeKey(Page{Content: "x"}))
}

func TestComputeKey_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		host := rapid.StringMatching(`[a-z]{1,12}\.(com|org|dev)`).Draw(t, "host")
		path := rapid.StringMatching(`(/[a-z0-9]{0,8}){0,3}`).Draw(t, "path")
		frag := rapid.StringMatching(`[a-z]{0,6}`).Draw(t, "frag")

		plain := ComputeKey(Page{URL: "https://" + host + path})
		noisy := ComputeKey(Page{URL: "HTTPS://" + upper(host) + path + "#" + frag})
		if plain != noisy {
			t.Fatalf("keys differ for %s%s", host, path)
		}
	})
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}

type storeFactory func(t *testing.T) Store

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"badger": func(t *testing.T) Store {
			s, err := OpenBadgerStore("", nil)
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore_Contract(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			defer s.Close()

			_, found, err := s.Get(ctx, "axe", "h1")
			require.NoError(t, err)
			assert.False(t, found)

			// Whitespace, HTML characters and key order must survive untouched.
			first := []byte("{\"issue\": \"<img> missing alt\",\n  \"n\": 1}")
			require.NoError(t, s.Put(ctx, "axe", "h1", first, time.Hour))
			got, found, err := s.Get(ctx, "axe", "h1")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, first, got)

			require.NoError(t, s.Put(ctx, "axe", "h1", []byte(`{"v":2}`), time.Hour))
			got, _, _ = s.Get(ctx, "axe", "h1")
			assert.Equal(t, []byte(`{"v":2}`), got)

			raw := []byte("plain text & <b>markup</b>\x00\xff")
			require.NoError(t, s.Put(ctx, "pa11y", "h1", raw, time.Hour))
			got, found, err = s.Get(ctx, "pa11y", "h1")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, raw, got)

			got[0] = 'X'
			again, _, _ := s.Get(ctx, "pa11y", "h1")
			assert.Equal(t, raw, again, "returned slices are copies")

			_, found, _ = s.Get(ctx, "wave", "h1")
			assert.False(t, found, "keys are per tool")

			_, _, err = s.Get(ctx, "", "h1")
			assert.ErrorIs(t, err, ErrInvalidKey)
			assert.ErrorIs(t, s.Put(ctx, "axe", "", []byte(`{}`), 0), ErrInvalidKey)
		})
	}
}

func TestStore_ConcurrentReadersAndWriters(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			defer s.Close()

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					hash := fmt.Sprintf("page-%d", i%4)
					payload := []byte(fmt.Sprintf(`{"writer":%d}`, i))
					assert.NoError(t, s.Put(ctx, "axe", hash, payload, time.Hour))
					got, found, err := s.Get(ctx, "axe", hash)
					assert.NoError(t, err)
					assert.True(t, found)
					assert.NotEmpty(t, got)
				}(i)
			}
			wg.Wait()
		})
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Put(ctx, "axe", "h", []byte("payload"), time.Minute))
	require.NoError(t, s.Put(ctx, "wave", "h", []byte("forever"), 0))

	now = now.Add(59 * time.Second)
	_, found, _ := s.Get(ctx, "axe", "h")
	assert.True(t, found)

	now = now.Add(time.Second)
	_, found, _ = s.Get(ctx, "axe", "h")
	assert.False(t, found, "entry expires at cached_at + ttl")
	assert.Equal(t, 2, s.Len())

	assert.Equal(t, 1, s.Prune())
	assert.Equal(t, 1, s.Len())

	_, found, _ = s.Get(ctx, "wave", "h")
	assert.True(t, found)
}

func TestMemoryStore_PayloadIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	payload := []byte("abc")
	require.NoError(t, s.Put(ctx, "axe", "h", payload, 0))
	payload[0] = 'z'

	got, _, _ := s.Get(ctx, "axe", "h")
	assert.Equal(t, "abc", string(got))
	got[0] = 'y'

	again, _, _ := s.Get(ctx, "axe", "h")
	assert.Equal(t, "abc", string(again))
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	_, _, err := s.Get(context.Background(), "axe", "h")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.Put(context.Background(), "axe", "h", nil, 0), ErrStoreClosed)
}

func TestBadgerStore_Expiry(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for badger TTL")
	}
	ctx := context.Background()
	s, err := OpenBadgerStore("", nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "axe", "h", []byte(`"short"`), time.Second))
	_, found, err := s.Get(ctx, "axe", "h")
	require.NoError(t, err)
	assert.True(t, found)

	time.Sleep(2100 * time.Millisecond)
	_, found, err = s.Get(ctx, "axe", "h")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenBadgerStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "axe", "h", []byte(`{"ok":true}`), time.Hour))
	require.NoError(t, s.Close())

	s, err = OpenBadgerStore(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	got, found, err := s.Get(ctx, "axe", "h")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"ok":true}`, string(got))
}

func TestBadgerStore_EmptyPayload(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBadgerStore("", nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "axe", "h", nil, 0))
	got, found, err := s.Get(ctx, "axe", "h")
	require.NoError(t, err)
	require.True(t, found)
	assert.Empty(t, got)
}

func TestBadgerStore_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	db, err := kv.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set(badgerKey("axe", "h"), []byte("short"))
	}))

	s, err := NewBadgerStore(db, nil)
	require.NoError(t, err)
	_, _, err = s.Get(ctx, "axe", "h")
	assert.ErrorIs(t, err, ErrCorruptEntry)
}

func TestBadgerStore_ClosedStore(t *testing.T) {
	s, err := OpenBadgerStore("", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, _, err = s.Get(context.Background(), "axe", "h")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestNewBadgerStore_NilDB(t *testing.T) {
	_, err := NewBadgerStore(nil, nil)
	assert.Error(t, err)
}
