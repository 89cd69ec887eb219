// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package conversation composes the transport, stream decoder, generation
// reducer, branch tree, and snapshot store into live conversations.
//
// Each conversation owns one branch tree and one reducer, and runs at most
// one generation at a time. Conversations are fully isolated from each
// other: a stream pumping into one can never touch another's tree.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jeranaias/loom/internal/cloud"
	"github.com/jeranaias/loom/internal/config"
	"github.com/jeranaias/loom/internal/logging"
	"github.com/jeranaias/loom/internal/run"
	"github.com/jeranaias/loom/internal/storage"
	"github.com/jeranaias/loom/internal/stream"
	"github.com/jeranaias/loom/internal/tree"
	"github.com/jeranaias/loom/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrEmptyMessage indicates a send with no content.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrNotAssistant indicates a regenerate on a non-assistant branch.
	ErrNotAssistant = errors.New("branch is not an assistant turn")

	// ErrNotUser indicates an edit on a non-user branch.
	ErrNotUser = errors.New("branch is not a user turn")
)

// =============================================================================
// CONVERSATION
// =============================================================================

// Conversation is one live conversation: a branch tree plus its reducer,
// transport, and persistence hooks.
//
// Tree access always goes through the reducer's lock (WithTree or the
// reducer's own operations); c.mu guards only the conversation's bookkeeping
// fields and is never held across a reducer call.
type Conversation struct {
	ID string

	mu       sync.Mutex
	title    string
	model    string
	draft    string
	override *config.Generation

	// cancel aborts the active pump; nil when no pump is running.
	cancel   context.CancelFunc
	pumpDone chan struct{}

	tree    *tree.Tree
	reducer *run.Reducer

	transport cloud.Transport
	saver     *storage.Saver
	configFn  func() *config.Config

	log zerolog.Logger
}

func newConversation(id string, t *tree.Tree, transport cloud.Transport, saver *storage.Saver, configFn func() *config.Config) *Conversation {
	c := &Conversation{
		ID:        id,
		tree:      t,
		transport: transport,
		saver:     saver,
		configFn:  configFn,
		log:       logging.Component("conversation").With().Str("conversation", id).Logger(),
	}
	c.reducer = run.NewReducer(t, c.onCheckpoint)
	return c
}

// Title returns the conversation title.
func (c *Conversation) Title() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.title
}

// SetTitle renames the conversation and schedules a snapshot.
func (c *Conversation) SetTitle(title string) {
	c.mu.Lock()
	c.title = title
	c.mu.Unlock()
	c.enqueueSnapshot()
}

// Model returns the conversation's model override, or "" for the default.
func (c *Conversation) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// SetModel selects the model for subsequent generations.
func (c *Conversation) SetModel(model string) {
	c.mu.Lock()
	c.model = model
	c.mu.Unlock()
	c.enqueueSnapshot()
}

// Draft returns the unsent composer text.
func (c *Conversation) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// SetDraft stores unsent composer text and schedules a snapshot so the
// draft survives a restart.
func (c *Conversation) SetDraft(draft string) {
	c.mu.Lock()
	if c.draft == draft {
		c.mu.Unlock()
		return
	}
	c.draft = draft
	c.mu.Unlock()
	c.enqueueSnapshot()
}

// SetOverride installs the conversation-level generation option layer.
func (c *Conversation) SetOverride(gen *config.Generation) {
	c.mu.Lock()
	c.override = gen
	c.mu.Unlock()
}

// Messages returns the display view of the active path.
func (c *Conversation) Messages() []tree.Message {
	var msgs []tree.Message
	c.reducer.WithTree(func(t *tree.Tree) {
		msgs = t.Messages()
	})
	return msgs
}

// Run returns a snapshot of the current generation run, or nil.
func (c *Conversation) Run() *run.Run {
	return c.reducer.Snapshot()
}

// Status returns the current run status.
func (c *Conversation) Status() run.Status {
	return c.reducer.Status()
}

// Stats returns display statistics for the current run.
func (c *Conversation) Stats() run.Stats {
	return c.reducer.RunStats()
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Send appends a user turn under the displayed leaf and starts a generation
// answering it. The assistant placeholder exists before any network traffic.
func (c *Conversation) Send(ctx context.Context, text string) (*run.Run, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if r := c.reducer.Snapshot(); r != nil && !r.Status.Terminal() {
		return nil, run.ErrRunActive
	}

	var userID string
	var addErr error
	c.reducer.WithTree(func(t *tree.Tree) {
		userID, addErr = t.AddBranch(t.PathTail(), tree.RoleUser, []tree.Part{{Type: tree.PartText, Text: text}})
	})
	if addErr != nil {
		return nil, addErr
	}

	c.mu.Lock()
	if c.title == "" {
		c.title = deriveTitle(text)
	}
	c.draft = ""
	c.mu.Unlock()

	return c.generate(ctx, func(opts run.Options) (*run.Run, error) {
		return c.reducer.StartGeneration(userID, opts)
	})
}

// Edit appends a new version to a user branch and starts a generation for
// it on a fresh assistant branch. The prior version and its reply subtree
// stay reachable through version switching.
func (c *Conversation) Edit(ctx context.Context, branchID, text string) (*run.Run, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if r := c.reducer.Snapshot(); r != nil && !r.Status.Terminal() {
		return nil, run.ErrRunActive
	}

	var opErr error
	c.reducer.WithTree(func(t *tree.Tree) {
		branch, ok := t.Branch(branchID)
		if !ok {
			opErr = tree.ErrBranchNotFound
			return
		}
		if branch.Role != tree.RoleUser {
			opErr = ErrNotUser
			return
		}
		opErr = t.AddVersion(branchID, []tree.Part{{Type: tree.PartText, Text: text}})
	})
	if opErr != nil {
		return nil, opErr
	}

	return c.generate(ctx, func(opts run.Options) (*run.Run, error) {
		return c.reducer.StartGeneration(branchID, opts)
	})
}

// Regenerate streams a fresh version into an existing assistant branch.
// Prior versions are kept and remain switchable.
func (c *Conversation) Regenerate(ctx context.Context, branchID string) (*run.Run, error) {
	var opErr error
	c.reducer.WithTree(func(t *tree.Tree) {
		branch, ok := t.Branch(branchID)
		if !ok {
			opErr = tree.ErrBranchNotFound
			return
		}
		if branch.Role != tree.RoleAssistant {
			opErr = ErrNotAssistant
		}
	})
	if opErr != nil {
		return nil, opErr
	}

	return c.generate(ctx, func(opts run.Options) (*run.Run, error) {
		return c.reducer.RegenerateInto(branchID, opts)
	})
}

// SwitchVersion changes which version of a branch is displayed. Out-of-range
// indices are a no-op.
func (c *Conversation) SwitchVersion(branchID string, index int) {
	c.reducer.WithTree(func(t *tree.Tree) {
		t.SwitchVersion(branchID, index)
	})
	c.enqueueSnapshot()
}

// DeleteBranch removes a branch (or just its current version, when it has
// several and cascade is false). A run streaming into the deleted subtree is
// aborted first so no delta can land on a removed branch.
func (c *Conversation) DeleteBranch(branchID string, cascade bool) error {
	if r := c.reducer.Snapshot(); r != nil && !r.Status.Terminal() {
		if c.branchWithinSubtree(r.BranchID, branchID) {
			c.Abort()
			c.Wait()
		}
	}

	var err error
	c.reducer.WithTree(func(t *tree.Tree) {
		err = t.DeleteBranch(branchID, cascade)
	})
	if err != nil {
		return err
	}

	c.enqueueSnapshot()
	return nil
}

// Abort cooperatively stops the active generation. Applied content stays.
func (c *Conversation) Abort() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	c.reducer.Abort()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the active pump goroutine exits. It returns immediately
// when no generation is running.
func (c *Conversation) Wait() {
	c.mu.Lock()
	done := c.pumpDone
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close aborts any active run and waits for the pump to drain.
func (c *Conversation) Close() {
	c.Abort()
	c.Wait()
}

// =============================================================================
// GENERATION PLUMBING
// =============================================================================

// generate starts a run via begin, then opens the stream and pumps it on a
// goroutine. The placeholder branch is created synchronously inside begin;
// everything network-related happens off the calling goroutine.
func (c *Conversation) generate(ctx context.Context, begin func(run.Options) (*run.Run, error)) (*run.Run, error) {
	cfg := c.configFn()

	c.mu.Lock()
	model := c.model
	override := c.override
	c.mu.Unlock()

	resolved := cfg.Resolve(model, override)
	opts := run.Options{
		ReasoningExcluded: resolved.ReasoningExcluded(),
		IdleTimeout:       cfg.IdleTimeout(),
	}

	r, err := begin(opts)
	if err != nil {
		return nil, err
	}
	c.enqueueSnapshot()

	req := &cloud.Request{
		Messages: c.historyFor(r.BranchID),
		Options:  resolved,
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.pumpDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()

		body, err := c.transport.Stream(pumpCtx, req)
		if err != nil {
			if pumpCtx.Err() != nil {
				// External cancellation; Abort already sealed its own case.
				c.reducer.Cancel(r.Epoch)
			} else {
				c.reducer.FailNetwork(r.Epoch, err.Error())
			}
			return
		}
		c.pump(pumpCtx, body, r.Epoch, r.BranchID)
	}()

	return r, nil
}

// pump decodes the SSE body into domain events and folds them into the
// reducer. Every event is stamped with the run's target branch id before
// apply, so deltas land on that branch regardless of what the UI displays.
func (c *Conversation) pump(ctx context.Context, body io.ReadCloser, epoch uint64, branchID string) {
	defer body.Close()

	dec := stream.NewDecoder(body)
	for {
		ev, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.reducer.Finish(epoch)
			} else if ctx.Err() != nil {
				c.reducer.Cancel(epoch)
			} else {
				c.reducer.FailNetwork(epoch, err.Error())
			}
			return
		}
		c.reducer.Apply(epoch, stream.Target(ev, branchID))
	}
}

// historyFor builds the request messages: the active path up to, but not
// including, the branch the run streams into.
func (c *Conversation) historyFor(targetBranchID string) []cloud.ChatMessage {
	var msgs []cloud.ChatMessage
	c.reducer.WithTree(func(t *tree.Tree) {
		for _, m := range t.Messages() {
			if m.BranchID == targetBranchID {
				break
			}
			switch m.Role {
			case tree.RoleUser:
				msgs = append(msgs, cloud.NewUserMessage(m.Text()))
			case tree.RoleAssistant:
				msgs = append(msgs, cloud.NewAssistantMessage(m.Text()))
			}
		}
	})
	return msgs
}

// branchWithinSubtree reports whether id lies in the subtree rooted at root.
func (c *Conversation) branchWithinSubtree(id, root string) bool {
	found := false
	c.reducer.WithTree(func(t *tree.Tree) {
		for current := id; current != ""; {
			if current == root {
				found = true
				return
			}
			branch, ok := t.Branch(current)
			if !ok {
				return
			}
			current = branch.ParentID
		}
	})
	return found
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// onCheckpoint runs with the reducer lock held, which is exactly what makes
// reading the tree here safe. Encoding is in-memory; the write itself is
// queued on the saver, so generation progress never waits on the disk.
func (c *Conversation) onCheckpoint(reason run.CheckpointReason) {
	payload, err := c.tree.Serialize()
	if err != nil {
		c.log.Error().Err(err).Msg("snapshot encode failed")
		return
	}
	c.enqueuePayload(payload)
}

// enqueueSnapshot serializes the tree under the reducer lock and hands the
// payload to the async saver.
func (c *Conversation) enqueueSnapshot() {
	var payload []byte
	var err error
	c.reducer.WithTree(func(t *tree.Tree) {
		payload, err = t.Serialize()
	})
	if err != nil {
		c.log.Error().Err(err).Msg("snapshot encode failed")
		return
	}
	c.enqueuePayload(payload)
}

func (c *Conversation) enqueuePayload(payload []byte) {
	if c.saver == nil {
		return
	}

	c.mu.Lock()
	title, model, draft := c.title, c.model, c.draft
	var featureConfig []byte
	if c.override != nil {
		featureConfig, _ = json.Marshal(c.override)
	}
	c.mu.Unlock()

	c.saver.Enqueue(&storage.Record{
		ConversationID: c.ID,
		Title:          title,
		Model:          model,
		Draft:          draft,
		FeatureConfig:  featureConfig,
		Payload:        payload,
	})
}

// deriveTitle produces a short title from the first user message.
func deriveTitle(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx > 0 {
		text = text[:idx]
	}
	return util.TruncateRunes(text, 60)
}
