// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/dgraph-io/badger/v4"
)

// =============================================================================
// Interface
// =============================================================================

// ConversationStore persists workspaces, conversations, and append-only turns.
//
// # Description
//
// ConversationStore is the single persistence boundary for the chat service.
// Turn writes are append-only; the only destructive operations are
// ClearTurns and DeleteConversation, both initiated by the owner.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Assumptions
//
//   - Ownership checks happen through GetConversation before any other call
//     that takes only a conversation id.
type ConversationStore interface {
	// CreateConversation stores a new conversation and indexes it by owner.
	CreateConversation(ctx context.Context, ownerID, workspaceID, title string) (datatypes.Conversation, error)

	// GetConversation returns the conversation if ownerID owns it.
	// Returns datatypes.ErrNotFound when missing or owned by someone else.
	GetConversation(ctx context.Context, conversationID, ownerID string) (datatypes.Conversation, error)

	// ListConversations returns the owner's conversations, newest first.
	// An empty workspaceID lists across all workspaces.
	ListConversations(ctx context.Context, ownerID, workspaceID string) ([]datatypes.Conversation, error)

	// RenameConversation replaces the conversation title.
	RenameConversation(ctx context.Context, conversationID, title string) error

	// DeleteConversation removes the conversation and all its turns.
	DeleteConversation(ctx context.Context, conversationID string) error

	// AppendTurn persists a new turn at the end of the conversation.
	AppendTurn(ctx context.Context, conversationID string, role datatypes.Role, content string) (datatypes.Turn, error)

	// RecentTurns returns at most limit turns, newest first.
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]datatypes.Turn, error)

	// ListTurns returns every turn, oldest first.
	ListTurns(ctx context.Context, conversationID string) ([]datatypes.Turn, error)

	// ClearTurns removes every turn but keeps the conversation.
	ClearTurns(ctx context.Context, conversationID string) error

	// CreateWorkspace stores a new workspace owned by ownerID.
	CreateWorkspace(ctx context.Context, ownerID, name string) (datatypes.Workspace, error)

	// GetWorkspace returns the workspace if ownerID owns it.
	// Returns datatypes.ErrWorkspaceNotFound when missing or owned by
	// someone else.
	GetWorkspace(ctx context.Context, workspaceID, ownerID string) (datatypes.Workspace, error)

	// ListWorkspaces returns the owner's workspaces, oldest first.
	ListWorkspaces(ctx context.Context, ownerID string) ([]datatypes.Workspace, error)

	// Close releases the underlying database.
	Close() error
}

// =============================================================================
// Key Helpers
// =============================================================================

const (
	convPrefix  = "conv/"
	ownerPrefix = "owner/"
	seqPrefix   = "seq/"
	turnPrefix  = "turn/"
	wsPrefix    = "ws/"
)

func convKey(id string) []byte { return []byte(convPrefix + id) }

func ownerKey(ownerID, id string) []byte { return []byte(ownerPrefix + ownerID + "/" + id) }

func ownerScanPrefix(ownerID string) []byte { return []byte(ownerPrefix + ownerID + "/") }

func seqKey(id string) []byte { return []byte(seqPrefix + id) }

func turnScanPrefix(id string) []byte { return []byte(turnPrefix + id + "/") }

// wsKey places a workspace under its owner, so a lookup by owner and id is
// the ownership check.
func wsKey(ownerID, id string) []byte { return []byte(wsPrefix + ownerID + "/" + id) }

func wsScanPrefix(ownerID string) []byte { return []byte(wsPrefix + ownerID + "/") }

func turnKey(id string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", turnPrefix, id, seq))
}

// =============================================================================
// Badger Implementation
// =============================================================================

// badgerStore implements ConversationStore on BadgerDB.
type badgerStore struct {
	db       *badger.DB
	gcRunner *gcRunner
	logger   *slog.Logger

	// appendMu serializes turn appends within this process; withTxn still
	// retries conflicts from other writers.
	appendMu sync.Mutex
}

// Open opens a badger-backed ConversationStore.
//
// # Description
//
// Opens (or creates) the database described by cfg and starts value-log GC
// for persistent stores when cfg.GCInterval is set.
//
// # Inputs
//
//   - cfg: Database configuration. Use InMemoryConfig() in tests.
//
// # Outputs
//
//   - ConversationStore: Ready to use. Call Close on shutdown.
//   - error: Non-nil if the database cannot be opened.
//
// # Examples
//
//	store, err := storage.Open(storage.InMemoryConfig())
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(cfg Config) (ConversationStore, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &badgerStore{db: db, logger: logger}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		s.gcRunner = runner
		runner.start()
	}

	return s, nil
}

// CreateConversation implements ConversationStore.
func (s *badgerStore) CreateConversation(ctx context.Context, ownerID, workspaceID, title string) (datatypes.Conversation, error) {
	if ownerID == "" {
		return datatypes.Conversation{}, errors.New("owner id is required")
	}

	conv := datatypes.NewConversation(ownerID, workspaceID, title)
	data, err := json.Marshal(conv)
	if err != nil {
		return datatypes.Conversation{}, fmt.Errorf("marshal conversation: %w", err)
	}

	err = withTxn(ctx, s.db, func(txn *badger.Txn) error {
		if err := txn.Set(convKey(conv.ID), data); err != nil {
			return err
		}
		return txn.Set(ownerKey(ownerID, conv.ID), nil)
	})
	if err != nil {
		return datatypes.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	return conv, nil
}

// GetConversation implements ConversationStore.
func (s *badgerStore) GetConversation(ctx context.Context, conversationID, ownerID string) (datatypes.Conversation, error) {
	var conv datatypes.Conversation
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		var err error
		conv, err = loadConversation(txn, conversationID)
		return err
	})
	if err != nil {
		return datatypes.Conversation{}, err
	}
	if conv.OwnerID != ownerID {
		return datatypes.Conversation{}, datatypes.ErrNotFound
	}
	return conv, nil
}

// ListConversations implements ConversationStore.
func (s *badgerStore) ListConversations(ctx context.Context, ownerID, workspaceID string) ([]datatypes.Conversation, error) {
	convs := []datatypes.Conversation{}

	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		prefix := ownerScanPrefix(ownerID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			conv, err := loadConversation(txn, id)
			if errors.Is(err, datatypes.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if workspaceID != "" && conv.WorkspaceID != workspaceID {
				continue
			}
			convs = append(convs, conv)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].CreatedAt.After(convs[j].CreatedAt)
	})
	return convs, nil
}

// RenameConversation implements ConversationStore.
func (s *badgerStore) RenameConversation(ctx context.Context, conversationID, title string) error {
	return withTxn(ctx, s.db, func(txn *badger.Txn) error {
		conv, err := loadConversation(txn, conversationID)
		if err != nil {
			return err
		}
		conv.Title = title
		data, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("marshal conversation: %w", err)
		}
		return txn.Set(convKey(conversationID), data)
	})
}

// DeleteConversation implements ConversationStore.
func (s *badgerStore) DeleteConversation(ctx context.Context, conversationID string) error {
	err := withTxn(ctx, s.db, func(txn *badger.Txn) error {
		conv, err := loadConversation(txn, conversationID)
		if err != nil {
			return err
		}
		if err := txn.Delete(convKey(conversationID)); err != nil {
			return err
		}
		if err := txn.Delete(ownerKey(conv.OwnerID, conversationID)); err != nil {
			return err
		}
		return txn.Delete(seqKey(conversationID))
	})
	if err != nil {
		return err
	}

	removed, err := s.deleteTurns(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	s.logger.Info("Deleted conversation", "chatId", conversationID, "turns", removed)
	return nil
}

// AppendTurn implements ConversationStore.
//
// The sequence counter and the turn are written in one transaction.
func (s *badgerStore) AppendTurn(ctx context.Context, conversationID string, role datatypes.Role, content string) (datatypes.Turn, error) {
	if !role.Valid() {
		return datatypes.Turn{}, fmt.Errorf("invalid role %q", role)
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	var turn datatypes.Turn
	err := withTxn(ctx, s.db, func(txn *badger.Txn) error {
		if _, err := loadConversation(txn, conversationID); err != nil {
			return err
		}

		seq, err := loadSeq(txn, conversationID)
		if err != nil {
			return err
		}
		seq++

		turn = datatypes.NewTurn(conversationID, role, content)
		turn.Seq = seq

		data, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		if err := txn.Set(turnKey(conversationID, seq), data); err != nil {
			return err
		}

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], seq)
		return txn.Set(seqKey(conversationID), buf[:])
	})
	if err != nil {
		return datatypes.Turn{}, fmt.Errorf("append turn: %w", err)
	}

	return turn, nil
}

// RecentTurns implements ConversationStore.
func (s *badgerStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]datatypes.Turn, error) {
	if limit <= 0 {
		return []datatypes.Turn{}, nil
	}

	turns := make([]datatypes.Turn, 0, limit)
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		prefix := turnScanPrefix(conversationID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		seekKey := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seekKey); it.ValidForPrefix(prefix) && len(turns) < limit; it.Next() {
			turn, err := decodeTurn(it.Item())
			if err != nil {
				return err
			}
			turns = append(turns, turn)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	return turns, nil
}

// ListTurns implements ConversationStore.
func (s *badgerStore) ListTurns(ctx context.Context, conversationID string) ([]datatypes.Turn, error) {
	turns := []datatypes.Turn{}
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		prefix := turnScanPrefix(conversationID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			turn, err := decodeTurn(it.Item())
			if err != nil {
				return err
			}
			turns = append(turns, turn)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return turns, nil
}

// ClearTurns implements ConversationStore.
//
// The sequence counter is kept so that turns appended after a clear never
// reuse a key.
func (s *badgerStore) ClearTurns(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	removed, err := s.deleteTurns(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	s.logger.Info("Cleared conversation turns", "chatId", conversationID, "turns", removed)
	return nil
}

// deleteTurns removes every turn of a conversation.
//
// Keys are collected with a key-only scan and deleted through a write batch,
// which splits the work into as many transactions as needed. Other
// conversations stay writable throughout.
func (s *badgerStore) deleteTurns(ctx context.Context, conversationID string) (int, error) {
	prefix := turnScanPrefix(conversationID)

	var keys [][]byte
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("context cancelled: %w", err)
		}
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// CreateWorkspace implements ConversationStore.
func (s *badgerStore) CreateWorkspace(ctx context.Context, ownerID, name string) (datatypes.Workspace, error) {
	if ownerID == "" {
		return datatypes.Workspace{}, errors.New("owner id is required")
	}

	ws := datatypes.NewWorkspace(ownerID, name)
	data, err := json.Marshal(ws)
	if err != nil {
		return datatypes.Workspace{}, fmt.Errorf("marshal workspace: %w", err)
	}

	err = withTxn(ctx, s.db, func(txn *badger.Txn) error {
		return txn.Set(wsKey(ownerID, ws.ID), data)
	})
	if err != nil {
		return datatypes.Workspace{}, fmt.Errorf("create workspace: %w", err)
	}
	return ws, nil
}

// GetWorkspace implements ConversationStore.
func (s *badgerStore) GetWorkspace(ctx context.Context, workspaceID, ownerID string) (datatypes.Workspace, error) {
	if ownerID == "" || workspaceID == "" || strings.Contains(workspaceID, "/") {
		return datatypes.Workspace{}, datatypes.ErrWorkspaceNotFound
	}

	var ws datatypes.Workspace
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		item, err := txn.Get(wsKey(ownerID, workspaceID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return datatypes.ErrWorkspaceNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ws)
		})
	})
	if err != nil {
		return datatypes.Workspace{}, err
	}
	return ws, nil
}

// ListWorkspaces implements ConversationStore.
func (s *badgerStore) ListWorkspaces(ctx context.Context, ownerID string) ([]datatypes.Workspace, error) {
	workspaces := []datatypes.Workspace{}

	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		prefix := wsScanPrefix(ownerID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var ws datatypes.Workspace
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ws)
			})
			if err != nil {
				return fmt.Errorf("decode workspace: %w", err)
			}
			workspaces = append(workspaces, ws)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}

	sort.SliceStable(workspaces, func(i, j int) bool {
		return workspaces[i].CreatedAt.Before(workspaces[j].CreatedAt)
	})
	return workspaces, nil
}

// Close implements ConversationStore.
func (s *badgerStore) Close() error {
	if s.gcRunner != nil {
		s.gcRunner.stop()
	}
	return s.db.Close()
}

// =============================================================================
// Private Helpers
// =============================================================================

// loadConversation reads and decodes a conversation inside txn.
func loadConversation(txn *badger.Txn, id string) (datatypes.Conversation, error) {
	var conv datatypes.Conversation

	item, err := txn.Get(convKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return conv, datatypes.ErrNotFound
	}
	if err != nil {
		return conv, fmt.Errorf("get conversation: %w", err)
	}

	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &conv)
	})
	if err != nil {
		return conv, fmt.Errorf("decode conversation: %w", err)
	}
	return conv, nil
}

// loadSeq returns the last assigned turn sequence, or zero.
func loadSeq(txn *badger.Txn, id string) (uint64, error) {
	item, err := txn.Get(seqKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get sequence: %w", err)
	}

	var seq uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt sequence value of %d bytes", len(val))
		}
		seq = binary.BigEndian.Uint64(val)
		return nil
	})
	return seq, err
}

// decodeTurn unmarshals a turn item.
func decodeTurn(item *badger.Item) (datatypes.Turn, error) {
	var turn datatypes.Turn
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &turn)
	})
	if err != nil {
		return turn, fmt.Errorf("decode turn %s: %w", item.Key(), err)
	}
	return turn, nil
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ ConversationStore = (*badgerStore)(nil)
