// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/quillworks/quill/services/gateway/datatypes"
)

const (
	turnKeyPrefix       = "turn/"
	attachmentKeyPrefix = "att/"
)

// BadgerConfig holds configuration for the durable store.
type BadgerConfig struct {
	// Path is the directory for database files. Ignored when InMemory
	// is set.
	Path string

	// InMemory keeps all state in RAM. Used by tests.
	InMemory bool

	// SyncWrites forces fsync per write. On for persistent databases.
	SyncWrites bool
}

// DefaultBadgerConfig returns production defaults for the given path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// badgerLogger adapts slog to BadgerDB's logger contract.
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

// BadgerStore is a durable TurnStore and AttachmentStore over BadgerDB.
// Safe for concurrent use; conversation records are updated inside
// read-modify-write transactions.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the store.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("path is required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithLogger(&badgerLogger{
		logger: slog.Default().With(slog.String("component", "history-badger")),
	})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Append implements TurnStore.
func (s *BadgerStore) Append(_ context.Context, conversationID string, msgs ...datatypes.Message) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id is empty")
	}
	key := []byte(turnKeyPrefix + conversationID)

	return s.db.Update(func(txn *badger.Txn) error {
		var record []datatypes.Message

		item, err := txn.Get(key)
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			}); err != nil {
				return fmt.Errorf("decode conversation %q: %w", conversationID, err)
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			// First write for this conversation.
		default:
			return err
		}

		record = append(record, msgs...)
		encoded, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode conversation %q: %w", conversationID, err)
		}
		return txn.Set(key, encoded)
	})
}

// History implements TurnStore.
func (s *BadgerStore) History(_ context.Context, conversationID string) ([]datatypes.Message, error) {
	key := []byte(turnKeyPrefix + conversationID)

	var record []datatypes.Message
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("conversation %q: %w", conversationID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Clear implements TurnStore.
func (s *BadgerStore) Clear(_ context.Context, conversationID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(turnKeyPrefix + conversationID))
	})
}

// Put implements AttachmentStore.
func (s *BadgerStore) Put(_ context.Context, att Attachment) error {
	if att.ID == "" {
		return fmt.Errorf("attachment id is empty")
	}
	encoded, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("encode attachment %q: %w", att.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(attachmentKeyPrefix+att.ID), encoded)
	})
}

// Get implements AttachmentStore.
func (s *BadgerStore) Get(_ context.Context, id string) (Attachment, error) {
	var att Attachment
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(attachmentKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("attachment %q: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &att)
		})
	})
	if err != nil {
		return Attachment{}, err
	}
	return att, nil
}

// Delete implements AttachmentStore.
func (s *BadgerStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(attachmentKeyPrefix + id))
	})
}
