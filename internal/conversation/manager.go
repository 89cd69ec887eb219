// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/loom/internal/cloud"
	"github.com/jeranaias/loom/internal/config"
	"github.com/jeranaias/loom/internal/logging"
	"github.com/jeranaias/loom/internal/storage"
	"github.com/jeranaias/loom/internal/tree"
)

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns the set of open conversations and their shared plumbing: the
// snapshot store, the background saver, the transport, and the live
// configuration. Configuration swaps (hot reload) take effect on the next
// generation; in-flight runs keep the options they started with.
type Manager struct {
	store     *storage.Store
	saver     *storage.Saver
	transport cloud.Transport
	cfg       atomic.Pointer[config.Config]

	mu   sync.Mutex
	open map[string]*Conversation

	log zerolog.Logger
}

// NewManager creates a manager over the given store and transport.
func NewManager(store *storage.Store, transport cloud.Transport, cfg *config.Config) *Manager {
	m := &Manager{
		store:     store,
		saver:     storage.NewSaver(store),
		transport: transport,
		open:      make(map[string]*Conversation),
		log:       logging.Component("manager"),
	}
	m.cfg.Store(cfg)
	return m
}

// Config returns the current configuration.
func (m *Manager) Config() *config.Config {
	return m.cfg.Load()
}

// SetConfig swaps in a new configuration. Safe to call from the config
// watcher while generations are running.
func (m *Manager) SetConfig(cfg *config.Config) {
	m.cfg.Store(cfg)
	m.log.Info().Msg("configuration updated")
}

// Create starts a new empty conversation and registers it.
func (m *Manager) Create() *Conversation {
	c := newConversation(uuid.NewString(), tree.New(), m.transport, m.saver, m.Config)

	m.mu.Lock()
	m.open[c.ID] = c
	m.mu.Unlock()

	return c
}

// Open loads a conversation from the store, or returns the already-open
// instance. Legacy snapshot encodings load transparently.
func (m *Manager) Open(id string) (*Conversation, error) {
	m.mu.Lock()
	if c, ok := m.open[id]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	t, rec, err := m.store.LoadTree(id)
	if err != nil {
		return nil, err
	}

	c := newConversation(id, t, m.transport, m.saver, m.Config)
	c.title = rec.Title
	c.model = rec.Model
	c.draft = rec.Draft
	if len(rec.FeatureConfig) > 0 {
		var override config.Generation
		if err := json.Unmarshal(rec.FeatureConfig, &override); err == nil {
			c.override = &override
		} else {
			m.log.Warn().Err(err).Str("conversation", id).Msg("dropping unreadable feature config")
		}
	}

	m.mu.Lock()
	// Another goroutine may have opened it while we were loading.
	if existing, ok := m.open[id]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.open[id] = c
	m.mu.Unlock()

	return c, nil
}

// List returns stored conversation metadata, most recently updated first.
func (m *Manager) List() ([]storage.Meta, error) {
	return m.store.List()
}

// Delete closes a conversation if open and removes its snapshot. Snapshot
// writes still queued behind the saver are discarded first, so a checkpoint
// enqueued before the delete cannot recreate the row afterwards.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	c, ok := m.open[id]
	delete(m.open, id)
	m.mu.Unlock()

	if ok {
		c.Close()
	}
	m.saver.Drop(id)

	err := m.store.Delete(id)
	if errors.Is(err, storage.ErrNotFound) && ok {
		// Open but never snapshotted; nothing stored to remove.
		return nil
	}
	return err
}

// Close aborts all live runs, flushes pending snapshots, and stops the
// saver. The store itself is owned by the caller.
func (m *Manager) Close() {
	m.mu.Lock()
	convs := make([]*Conversation, 0, len(m.open))
	for _, c := range m.open {
		convs = append(convs, c)
	}
	m.open = make(map[string]*Conversation)
	m.mu.Unlock()

	for _, c := range convs {
		c.Close()
	}
	m.saver.Close()
}
