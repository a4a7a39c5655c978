// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache stores tool results keyed by (tool id, page content hash).
//
// Two stores are provided: MemoryStore for a single process and BadgerStore
// for results that survive restarts. Both treat expired entries as misses.
package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

var (
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("cache store closed")

	// ErrInvalidKey is returned for an empty tool id or page hash.
	ErrInvalidKey = errors.New("invalid cache key")
)

// Store is a content-addressed result cache.
//
// Implementations must be safe for concurrent use. Reads of different keys
// must never block each other, and a Get after a completed Put of the same
// key returns that payload until the TTL expires.
type Store interface {
	// Get returns the payload for (toolID, pageHash). Expired and absent
	// entries report found == false with a nil error.
	Get(ctx context.Context, toolID, pageHash string) (payload []byte, found bool, err error)

	// Put stores payload, replacing any previous entry. A non-positive ttl
	// means the entry never expires.
	Put(ctx context.Context, toolID, pageHash string, payload []byte, ttl time.Duration) error

	// Close releases resources held by the store.
	Close() error
}

// Page is a unit of test input.
type Page struct {
	URL     string `json:"url" yaml:"url"`
	Content string `json:"content,omitempty" yaml:"content,omitempty"`
}

// Domain separation prefixes so a URL never collides with identical content.
const (
	urlDomain     = "pipeline.page.url\x00"
	contentDomain = "pipeline.page.content\x00"
)

// ComputeKey returns the deterministic content hash of a page.
//
// Description:
//
//	When Content is set the hash covers the content only, so the same
//	markup served from two URLs shares cache entries. Otherwise the hash
//	covers the normalized URL: scheme and host lower-cased, fragment
//	dropped and an empty path replaced by "/". A URL that fails to parse
//	is hashed verbatim after trimming whitespace.
//
// Outputs:
//
//	string - 64 hex characters of BLAKE3-256.
func ComputeKey(page Page) string {
	h := blake3.New()
	if page.Content != "" {
		_, _ = h.Write([]byte(contentDomain))
		_, _ = h.Write([]byte(page.Content))
	} else {
		_, _ = h.Write([]byte(urlDomain))
		_, _ = h.Write([]byte(NormalizeURL(page.URL)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeURL canonicalizes a URL for hashing.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" && u.Opaque == "" {
		u.Path = "/"
	}
	return u.String()
}

// entryKey joins the two key parts. Tool ids never contain NUL.
func entryKey(toolID, pageHash string) string {
	return toolID + "\x00" + pageHash
}

func validateKey(toolID, pageHash string) error {
	if toolID == "" || pageHash == "" {
		return ErrInvalidKey
	}
	return nil
}
