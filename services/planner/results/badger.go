// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrSessionNotFound is returned by Goals for an unknown session.
var ErrSessionNotFound = errors.New("session not found")

const (
	sessionPrefix = "session/"
	goalPrefix    = "goal/"
)

// StoreConfig controls the badger journal.
type StoreConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string `json:"path" yaml:"path"`

	// InMemory keeps everything in memory.
	InMemory bool `json:"in_memory" yaml:"in_memory"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes"`

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration `json:"gc_interval" yaml:"gc_interval"`

	// GCDiscardRatio is the garbage fraction that triggers a rewrite.
	GCDiscardRatio float64 `json:"gc_discard_ratio" yaml:"gc_discard_ratio" validate:"gte=0,lte=1"`
}

// DefaultStoreConfig returns a persistent journal under ./epsem-results.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Path:           "epsem-results",
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryStoreConfig returns a journal for tests.
func InMemoryStoreConfig() StoreConfig {
	return StoreConfig{InMemory: true}
}

// badgerLogger routes badger's internal logging to slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore journals sessions and goals in badger.
//
// Keys:
//
//	session/<id>          -> SessionSummary
//	goal/<id>/<number>    -> GoalRecord, number zero-padded
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

// OpenStore opens or creates the journal.
func OpenStore(cfg StoreConfig, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent results store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create results directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open results store: %w", err)
	}

	s := &BadgerStore{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("results store GC failed", slog.String("error", err.Error()))
			}
		}
	}
}

func sessionKey(id string) []byte { return []byte(sessionPrefix + id) }

func goalKey(id string, number int) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d", goalPrefix, id, number))
}

// StartSession writes the session summary.
func (s *BadgerStore) StartSession(ctx context.Context, info SessionInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(SessionSummary{SessionInfo: info})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(info.ID), data)
	})
}

// RecordGoal writes the goal and folds it into the session summary.
func (s *BadgerStore) RecordGoal(ctx context.Context, rec GoalRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal goal: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		summary, err := getSession(txn, rec.SessionID)
		if errors.Is(err, ErrSessionNotFound) {
			summary = SessionSummary{SessionInfo: SessionInfo{
				ID:        rec.SessionID,
				Alphabet:  rec.Alphabet,
				StartedAt: rec.Timestamp,
			}}
		} else if err != nil {
			return err
		}
		summary.Goals++
		summary.TotalSteps += rec.Steps
		summary.LastGoalAt = rec.Timestamp

		sdata, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		if err := txn.Set(sessionKey(rec.SessionID), sdata); err != nil {
			return err
		}
		return txn.Set(goalKey(rec.SessionID, rec.Number), data)
	})
}

func getSession(txn *badger.Txn, id string) (SessionSummary, error) {
	var summary SessionSummary
	item, err := txn.Get(sessionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return summary, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return summary, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &summary)
	})
	return summary, err
}

// Sessions returns every session summary, oldest first.
func (s *BadgerStore) Sessions(ctx context.Context) ([]SessionSummary, error) {
	var out []SessionSummary
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(sessionPrefix), PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var summary SessionSummary
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &summary)
			}); err != nil {
				return err
			}
			out = append(out, summary)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// Goals returns a session's goals in order.
func (s *BadgerStore) Goals(ctx context.Context, sessionID string) ([]GoalRecord, error) {
	var out []GoalRecord
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := getSession(txn, sessionID); err != nil {
			return err
		}
		prefix := []byte(goalPrefix + sessionID + "/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 128})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec GoalRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	return s.db.Close()
}
