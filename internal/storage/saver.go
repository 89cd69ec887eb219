// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/loom/internal/logging"
)

// =============================================================================
// ASYNC SAVER
// =============================================================================

const (
	// saverRetries is how many times a failed save is reattempted.
	saverRetries = 3

	// saverRetryDelay separates save reattempts.
	saverRetryDelay = 200 * time.Millisecond
)

// Saver writes snapshots in the background so checkpointing never blocks
// the streaming path. Requests for the same conversation coalesce: only the
// newest pending payload is written.
type Saver struct {
	store *Store
	log   zerolog.Logger

	mu       sync.Mutex
	pending  map[string]*Record
	inflight map[string]struct{}
	dropped  map[string]struct{}
	wake     chan struct{}
	done     chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewSaver creates a saver over the given store and starts its worker.
func NewSaver(store *Store) *Saver {
	s := &Saver{
		store:    store,
		log:      logging.Component("saver"),
		pending:  make(map[string]*Record),
		inflight: make(map[string]struct{}),
		dropped:  make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Enqueue schedules a snapshot write. The record replaces any pending write
// for the same conversation.
func (s *Saver) Enqueue(rec *Record) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, gone := s.dropped[rec.ConversationID]; gone {
		s.mu.Unlock()
		return
	}
	s.pending[rec.ConversationID] = rec
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Drop discards any pending snapshot for the conversation and refuses all
// future enqueues for it. It returns only after any in-flight write for that
// conversation has finished, so the caller can remove the stored row without
// a late save resurrecting it.
func (s *Saver) Drop(conversationID string) {
	s.mu.Lock()
	s.dropped[conversationID] = struct{}{}
	delete(s.pending, conversationID)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		_, busy := s.inflight[conversationID]
		s.mu.Unlock()
		if !busy {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Flush blocks until every pending and in-flight write has been attempted.
func (s *Saver) Flush() {
	for {
		s.mu.Lock()
		idle := len(s.pending) == 0 && len(s.inflight) == 0
		s.mu.Unlock()
		if idle {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close flushes pending writes and stops the worker.
func (s *Saver) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
}

func (s *Saver) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.wake:
			s.drain()
		case <-s.done:
			s.drain()
			return
		}
	}
}

// drain writes every pending record. Records enqueued while draining are
// picked up in the same pass. A record stays visible to Flush through the
// inflight set until its write completes.
func (s *Saver) drain() {
	for {
		s.mu.Lock()
		var rec *Record
		for id, r := range s.pending {
			delete(s.pending, id)
			if _, gone := s.dropped[id]; gone {
				continue
			}
			rec = r
			break
		}
		if rec == nil {
			s.mu.Unlock()
			return
		}
		s.inflight[rec.ConversationID] = struct{}{}
		s.mu.Unlock()

		s.save(rec)

		s.mu.Lock()
		delete(s.inflight, rec.ConversationID)
		s.mu.Unlock()
	}
}

func (s *Saver) save(rec *Record) {
	var err error
	for attempt := 0; attempt < saverRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(saverRetryDelay)
		}
		if err = s.store.Save(rec); err == nil {
			return
		}
		s.log.Warn().Err(err).
			Str("conversation", rec.ConversationID).
			Int("attempt", attempt+1).
			Msg("snapshot save failed")
	}
	s.log.Error().Err(err).
		Str("conversation", rec.ConversationID).
		Msg("snapshot dropped after retries")
}
