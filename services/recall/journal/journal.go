// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal stores completed multi-turn retrieval responses so clients
// can fetch them again by request ID.
//
// Results are written as JSON into an embedded BadgerDB with a per-entry TTL.
// The journal is a convenience cache, not a source of truth: a lost entry
// only means the client has to run the retrieval again.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianRecall/services/recall/datatypes"
)

var tracer = otel.Tracer("aleutian.recall.journal")

// ErrNotFound is returned by Get when no result exists for the ID, or the
// stored result has expired.
var ErrNotFound = errors.New("journal: result not found")

const resultKeyPrefix = "result/"

func resultKey(requestID string) []byte {
	return []byte(resultKeyPrefix + requestID)
}

// Journal is a TTL-bounded store of multi-turn retrieval responses.
//
// # Thread Safety
//
// Safe for concurrent use.
type Journal struct {
	db       *badger.DB
	gc       *gcRunner
	cfg      Config
	inMemory bool
}

// Open opens a journal with the given configuration.
//
// # Description
//
// Opens the underlying BadgerDB and, for persistent journals with a positive
// GCInterval, starts a background value log GC loop.
//
// # Inputs
//
//   - cfg: Journal configuration. Path is required unless InMemory is true.
//
// # Outputs
//
//   - *Journal: The journal. Caller must call Close() when done.
//   - error: Non-nil if the database cannot be opened.
func Open(cfg Config) (*Journal, error) {
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}

	j := &Journal{db: db, cfg: cfg, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		j.gc = runner
		runner.start()
	}
	return j, nil
}

// OpenInMemory opens a journal that lives only in RAM.
func OpenInMemory() (*Journal, error) {
	return Open(InMemoryConfig())
}

// Put stores resp under its RequestID, replacing any previous entry.
//
// # Inputs
//
//   - ctx: Checked before the write starts.
//   - resp: Response to store. RequestID must be set.
//
// # Outputs
//
//   - error: Non-nil if ctx is done, the ID is empty, or the write fails.
func (j *Journal) Put(ctx context.Context, resp *datatypes.MultiTurnResponse) error {
	ctx, span := tracer.Start(ctx, "journal.Put")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	if resp == nil || resp.RequestID == "" {
		return errors.New("journal: response must have a request ID")
	}
	span.SetAttributes(attribute.String("request_id", resp.RequestID))

	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(resultKey(resp.RequestID), payload)
		if j.cfg.TTL > 0 {
			entry = entry.WithTTL(j.cfg.TTL)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("store result %s: %w", resp.RequestID, err)
	}

	slog.DebugContext(ctx, "Stored retrieval result", "request_id", resp.RequestID, "bytes", len(payload))
	return nil
}

// Get returns the response stored under requestID.
//
// # Outputs
//
//   - *datatypes.MultiTurnResponse: The stored response.
//   - error: ErrNotFound when absent or expired; other errors on read failure.
func (j *Journal) Get(ctx context.Context, requestID string) (*datatypes.MultiTurnResponse, error) {
	ctx, span := tracer.Start(ctx, "journal.Get")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID))

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	if requestID == "" {
		return nil, ErrNotFound
	}

	var resp datatypes.MultiTurnResponse
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(resultKey(requestID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &resp)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load result %s: %w", requestID, err)
	}
	return &resp, nil
}

// Delete removes the response stored under requestID. Missing IDs are not
// an error.
func (j *Journal) Delete(ctx context.Context, requestID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(resultKey(requestID))
	})
}

// Count returns the number of unexpired results.
func (j *Journal) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context cancelled: %w", err)
	}
	n := 0
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(resultKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// InMemory reports whether the journal is RAM-only.
func (j *Journal) InMemory() bool {
	return j.inMemory
}

// Close stops garbage collection and closes the database.
func (j *Journal) Close() error {
	if j.gc != nil {
		j.gc.stop()
		j.gc = nil
	}
	return j.db.Close()
}
