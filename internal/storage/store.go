// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversation snapshots for loom.
//
// Snapshots live in a single SQLite database, one row per conversation. The
// payload column holds the serialized branch tree; the store never inspects
// it beyond handing it to the tree package, so older payload encodings load
// as long as tree.Deserialize accepts them.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/loom/internal/tree"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound indicates the conversation has no stored snapshot.
	ErrNotFound = errors.New("conversation not found")
)

// =============================================================================
// TYPES
// =============================================================================

// Record is a stored conversation snapshot.
type Record struct {
	ConversationID string
	Title          string
	Model          string
	Draft          string

	// FeatureConfig is the conversation's generation-override layer as
	// JSON; empty when the conversation has none. The store treats it as
	// opaque.
	FeatureConfig []byte

	Payload   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Meta is the listing view of a stored conversation, without the payload.
type Meta struct {
	ConversationID string
	Title          string
	Model          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store is a SQLite-backed snapshot store.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	conversation_id TEXT PRIMARY KEY,
	title           TEXT NOT NULL DEFAULT '',
	model           TEXT NOT NULL DEFAULT '',
	draft           TEXT NOT NULL DEFAULT '',
	feature_config  BLOB NOT NULL DEFAULT '',
	payload         BLOB NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_updated ON snapshots(updated_at DESC);
`

// Open opens (or creates) the snapshot database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time keeps SQLITE_BUSY out of the save path.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// SNAPSHOT OPERATIONS
// =============================================================================

// Save upserts a snapshot. UpdatedAt is set to now; CreatedAt is preserved
// for existing rows.
func (s *Store) Save(rec *Record) error {
	now := time.Now().Unix()

	fc := rec.FeatureConfig
	if fc == nil {
		fc = []byte{}
	}

	_, err := s.db.Exec(`
		INSERT INTO snapshots (conversation_id, title, model, draft, feature_config, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			title = excluded.title,
			model = excluded.model,
			draft = excluded.draft,
			feature_config = excluded.feature_config,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, rec.ConversationID, rec.Title, rec.Model, rec.Draft, fc, rec.Payload, now, now)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Load returns the stored record for a conversation.
func (s *Store) Load(conversationID string) (*Record, error) {
	rec := &Record{ConversationID: conversationID}
	var created, updated int64

	err := s.db.QueryRow(`
		SELECT title, model, draft, feature_config, payload, created_at, updated_at
		FROM snapshots WHERE conversation_id = ?
	`, conversationID).Scan(&rec.Title, &rec.Model, &rec.Draft, &rec.FeatureConfig, &rec.Payload, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	rec.CreatedAt = time.Unix(created, 0)
	rec.UpdatedAt = time.Unix(updated, 0)
	return rec, nil
}

// LoadTree loads and decodes the branch tree for a conversation. Legacy
// payload encodings are accepted; structural damage is repaired by the
// decoder rather than failing the load.
func (s *Store) LoadTree(conversationID string) (*tree.Tree, *Record, error) {
	rec, err := s.Load(conversationID)
	if err != nil {
		return nil, nil, err
	}

	t, err := tree.Deserialize(rec.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	return t, rec, nil
}

// List returns metadata for all conversations, most recently updated first.
func (s *Store) List() ([]Meta, error) {
	rows, err := s.db.Query(`
		SELECT conversation_id, title, model, created_at, updated_at
		FROM snapshots ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var metas []Meta
	for rows.Next() {
		var m Meta
		var created, updated int64
		if err := rows.Scan(&m.ConversationID, &m.Title, &m.Model, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		m.CreatedAt = time.Unix(created, 0)
		m.UpdatedAt = time.Unix(updated, 0)
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// Delete removes a conversation's snapshot.
func (s *Store) Delete(conversationID string) error {
	res, err := s.db.Exec("DELETE FROM snapshots WHERE conversation_id = ?", conversationID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats summarizes the store contents.
type Stats struct {
	Conversations int
	TotalBytes    int64
	OldestUpdate  time.Time
	NewestUpdate  time.Time
}

// Stats returns store-wide statistics.
func (s *Store) Stats() (*Stats, error) {
	st := &Stats{}
	var oldest, newest sql.NullInt64

	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0), MIN(updated_at), MAX(updated_at)
		FROM snapshots
	`).Scan(&st.Conversations, &st.TotalBytes, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}

	if oldest.Valid {
		st.OldestUpdate = time.Unix(oldest.Int64, 0)
	}
	if newest.Valid {
		st.NewestUpdate = time.Unix(newest.Int64, 0)
	}
	return st, nil
}
