// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package kvs is the key/value store behind the bot-global state scope.
//
// Keys:
//   - bot scope: "bot/<botId>/global" (JSON object)
package kvs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore keeps bot-global state in Badger.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens the store at path. An empty path opens an in-memory
// store whose contents are lost on Close.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kvs: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func botKey(botID string) []byte {
	return []byte("bot/" + botID + "/global")
}

// GetBotState returns the global scope of botID, or an empty map when unset.
func (s *BadgerStore) GetBotState(_ context.Context, botID string) (map[string]any, error) {
	out := map[string]any{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(botKey(botID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kvs: get bot %s: %w", botID, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// SetBotState replaces the global scope of botID.
func (s *BadgerStore) SetBotState(_ context.Context, botID string, state map[string]any) error {
	if state == nil {
		state = map[string]any{}
	}
	buf, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("kvs: encode bot %s: %w", botID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(botKey(botID), buf)
	})
}

// DeleteBotState removes the global scope of botID.
func (s *BadgerStore) DeleteBotState(_ context.Context, botID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(botKey(botID))
	})
}
