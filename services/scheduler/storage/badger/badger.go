// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the BadgerDB instance that backs the
// persistent result cache.
//
// The database stores one key per (tool, page hash) pair. Entry expiry uses
// badger's native TTL, so the only background work is value log GC.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrClosed is returned by transaction helpers after Close.
var ErrClosed = errors.New("badger database closed")

// Options configures a cache database.
type Options struct {
	// Dir is the database directory. Empty selects in-memory mode.
	Dir string

	// SyncWrites makes every commit durable before returning.
	SyncWrites bool

	// GCInterval is how often value log GC runs. Zero disables GC.
	// GC never runs for in-memory databases.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage fraction that triggers a rewrite.
	GCDiscardRatio float64

	// Logger receives badger's internal log lines. Nil silences them.
	Logger *slog.Logger
}

// DefaultOptions returns options for a persistent cache at dir.
//
// Cached results can always be recomputed, so writes are not synced.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:            dir,
		SyncWrites:     false,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryOptions returns options for an ephemeral database.
func InMemoryOptions() Options {
	return Options{}
}

// InMemory reports whether o selects in-memory mode.
func (o Options) InMemory() bool {
	return o.Dir == ""
}

type slogAdapter struct {
	logger *slog.Logger
}

func (l slogAdapter) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l slogAdapter) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l slogAdapter) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l slogAdapter) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

// DB is a managed BadgerDB handle with an optional GC loop.
//
// Thread Safety: Safe for concurrent use.
type DB struct {
	db     *badger.DB
	opts   Options
	stopGC chan struct{}
	gcDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Open opens the database described by opts.
//
// Description:
//
//	Creates Dir if needed, opens badger with a single retained version per
//	key and starts the GC loop when GCInterval is positive and the
//	database is persistent.
//
// Inputs:
//
//	opts - Database options.
//
// Outputs:
//
//	*DB - The open database. Caller must Close it.
//	error - Non-nil if the directory or database cannot be opened.
func Open(opts Options) (*DB, error) {
	if opts.GCDiscardRatio < 0 || opts.GCDiscardRatio > 1 {
		return nil, fmt.Errorf("gc discard ratio %v outside [0,1]", opts.GCDiscardRatio)
	}

	var bopts badger.Options
	if opts.InMemory() {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", opts.Dir, err)
		}
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts = bopts.WithSyncWrites(opts.SyncWrites).WithNumVersionsToKeep(1)
	if opts.Logger != nil {
		bopts = bopts.WithLogger(slogAdapter{logger: opts.Logger})
	} else {
		bopts = bopts.WithLogger(nil)
	}

	raw, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	d := &DB{db: raw, opts: opts}
	if opts.GCInterval > 0 && !opts.InMemory() {
		d.stopGC = make(chan struct{})
		d.gcDone = make(chan struct{})
		go d.gcLoop()
	}
	return d, nil
}

// OpenInMemory opens an ephemeral database.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryOptions())
}

func (d *DB) gcLoop() {
	defer close(d.gcDone)

	ticker := time.NewTicker(d.opts.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			d.collect()
		}
	}
}

// collect rewrites value log files until badger reports nothing to do.
func (d *DB) collect() {
	for {
		err := d.db.RunValueLogGC(d.opts.GCDiscardRatio)
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) && d.opts.Logger != nil {
			d.opts.Logger.Warn("cache value log GC failed", slog.String("error", err.Error()))
		}
		return
	}
}

// Close stops GC and closes the database. Subsequent calls return the
// first result.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.stopGC != nil {
			close(d.stopGC)
			<-d.gcDone
		}
		d.closeErr = d.db.Close()
	})
	return d.closeErr
}

// Dir returns the database directory, empty when in memory.
func (d *DB) Dir() string {
	return d.opts.Dir
}

// InMemory reports whether the database is ephemeral.
func (d *DB) InMemory() bool {
	return d.opts.InMemory()
}

// Update runs fn in a read-write transaction and commits when fn succeeds.
func (d *DB) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.db.IsClosed() {
		return ErrClosed
	}
	return d.db.Update(fn)
}

// View runs fn in a read-only transaction.
func (d *DB) View(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.db.IsClosed() {
		return ErrClosed
	}
	return d.db.View(fn)
}

// DropAll removes every key.
func (d *DB) DropAll() error {
	return d.db.DropAll()
}
