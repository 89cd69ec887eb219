// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package run

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/loom/internal/logging"
	"github.com/jeranaias/loom/internal/stream"
	"github.com/jeranaias/loom/internal/tree"
)

// =============================================================================
// REDUCER
// =============================================================================

// checkpointBatch is how many applied deltas trigger an intermediate
// persistence checkpoint.
const checkpointBatch = 24

// CheckpointReason says why the reducer is signalling a checkpoint.
type CheckpointReason string

const (
	CheckpointBatch    CheckpointReason = "batch"
	CheckpointTerminal CheckpointReason = "terminal"
)

// CheckpointFunc is invoked at defined checkpoints (after a batch of deltas,
// and at every terminal transition). It must not block: persistence never
// blocks generation progress.
type CheckpointFunc func(reason CheckpointReason)

// Options configures one generation run.
type Options struct {
	// ReasoningExcluded mirrors the request's reasoning-suppression flag;
	// it feeds visibility classification.
	ReasoningExcluded bool

	// IdleTimeout bounds the wait for the next delta. Zero disables the
	// watchdog.
	IdleTimeout time.Duration
}

// Reducer folds domain events into one conversation's branch tree. It is
// the single writer for that tree: exactly one active run may mutate it at a
// time, and every MessageDelta event is routed to its target branch by id,
// never to "whichever branch the UI currently shows".
type Reducer struct {
	mu   sync.Mutex
	tree *tree.Tree

	// liveEpoch increments on every run start and seal. Callbacks that
	// captured an older epoch become no-ops.
	liveEpoch uint64

	run              *Run
	watchdog         *time.Timer
	watchdogInterval time.Duration
	checkpoint       CheckpointFunc
	sinceCheck       int

	log zerolog.Logger
}

// NewReducer creates a reducer over tr. checkpoint may be nil.
func NewReducer(tr *tree.Tree, checkpoint CheckpointFunc) *Reducer {
	return &Reducer{
		tree:       tr,
		checkpoint: checkpoint,
		log:        logging.Component("reducer"),
	}
}

// Tree returns the underlying tree. The caller must respect the
// single-writer discipline; reads for display go through derived views.
func (r *Reducer) Tree() *tree.Tree {
	return r.tree
}

// WithTree runs fn with exclusive access to the tree. All tree access that
// can overlap a live run must go through here; the reducer's own mutations
// already hold the same lock.
func (r *Reducer) WithTree(fn func(*tree.Tree)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.tree)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// StartGeneration creates the empty assistant placeholder branch and version
// under parentBranchID synchronously, before any network byte arrives, and
// moves the run to sending. The UI and persistence therefore never observe a
// run without a corresponding branch.
func (r *Reducer) StartGeneration(parentBranchID string, opts Options) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.run != nil && !r.run.Status.Terminal() {
		return nil, ErrRunActive
	}

	branchID, err := r.tree.AddBranch(parentBranchID, tree.RoleAssistant, nil)
	if err != nil {
		return nil, err
	}

	r.liveEpoch++
	r.run = &Run{
		ID:                uuid.NewString(),
		BranchID:          branchID,
		Status:            StatusSending,
		Epoch:             r.liveEpoch,
		ReasoningExcluded: opts.ReasoningExcluded,
		StartedAt:         time.Now(),
	}
	r.armWatchdogLocked(opts.IdleTimeout)

	r.log.Debug().Str("run", r.run.ID).Str("branch", branchID).Msg("generation started")
	snapshot := *r.run
	return &snapshot, nil
}

// RegenerateInto starts a run that appends a fresh version to an existing
// assistant branch instead of creating a new branch. Prior versions are
// kept.
func (r *Reducer) RegenerateInto(branchID string, opts Options) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.run != nil && !r.run.Status.Terminal() {
		return nil, ErrRunActive
	}
	if err := r.tree.AddVersion(branchID, nil); err != nil {
		return nil, err
	}

	r.liveEpoch++
	r.run = &Run{
		ID:                uuid.NewString(),
		BranchID:          branchID,
		Status:            StatusSending,
		Epoch:             r.liveEpoch,
		ReasoningExcluded: opts.ReasoningExcluded,
		StartedAt:         time.Now(),
	}
	r.armWatchdogLocked(opts.IdleTimeout)
	snapshot := *r.run
	return &snapshot, nil
}

// Apply folds one domain event into the tree and the run. Events carrying a
// stale epoch, or arriving after the run sealed, are discarded without
// mutating anything.
func (r *Reducer) Apply(epoch uint64, ev stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.run == nil || epoch != r.liveEpoch || r.run.Status.Terminal() {
		return
	}

	if stream.IsMessageDelta(ev) {
		if r.run.Status == StatusSending {
			r.run.Status = StatusReceiving
		}
		if r.run.FirstDeltaAt.IsZero() {
			r.run.FirstDeltaAt = time.Now()
		}
		r.run.DeltaCount++
		r.kickWatchdogLocked()
	}

	switch e := ev.(type) {
	case stream.TextDelta:
		if err := r.tree.AppendText(e.BranchID, e.Text); err != nil {
			r.log.Warn().Err(err).Str("branch", e.BranchID).Msg("text delta dropped")
			return
		}

	case stream.ToolCallDelta:
		if err := r.tree.MergeToolCall(e.BranchID, e.Index, e.CallID, e.Name, e.Arguments); err != nil {
			r.log.Warn().Err(err).Str("branch", e.BranchID).Msg("tool call delta dropped")
			return
		}

	case stream.ReasoningDetailDelta:
		if err := r.tree.AppendReasoningDetail(e.BranchID, e.Detail); err != nil {
			r.log.Warn().Err(err).Str("branch", e.BranchID).Msg("reasoning detail dropped")
			return
		}
		if text := stream.DetailText(e.Detail); text != "" {
			_ = r.tree.PatchMetadata(e.BranchID, func(m *tree.Metadata) {
				m.ReasoningStreaming += text
			})
		}

	case stream.UsageDelta:
		// Usage attaches to the run object, never to a branch version.
		usage := tree.Usage(e.Usage)
		r.run.Usage = &usage

	case stream.MetaDelta:
		if e.GenerationID != "" {
			r.run.GenerationID = e.GenerationID
		}
		if e.Model != "" {
			r.run.Model = e.Model
		}
		if e.FinishReason != "" {
			r.run.FinishReason = e.FinishReason
		}
		if e.NativeFinishReason != "" {
			r.run.NativeFinishReason = e.NativeFinishReason
		}

	case stream.ErrorEvent:
		class := ErrorClassProvider
		if e.Kind == stream.ErrorProtocol {
			class = ErrorClassProtocol
		}
		r.sealLocked(StatusError, &Error{Class: class, Message: e.Message})
		return

	case stream.DoneEvent:
		r.sealLocked(StatusDone, nil)
		return
	}

	r.sinceCheck++
	if r.sinceCheck >= checkpointBatch {
		r.sinceCheck = 0
		r.signalCheckpointLocked(CheckpointBatch)
	}
}

// Finish marks a run done when the fragment stream ended cleanly without an
// explicit [DONE] terminator.
func (r *Reducer) Finish(epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run == nil || epoch != r.liveEpoch || r.run.Status.Terminal() {
		return
	}
	r.sealLocked(StatusDone, nil)
}

// Abort cooperatively stops the active run. Content already applied stays
// visible and is marked aborted rather than deleted; a run that produced
// nothing gets a neutral stopped marker in place of content. Events that
// still arrive after sealing are discarded.
func (r *Reducer) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run == nil || r.run.Status.Terminal() {
		return
	}
	r.abortLocked()
}

// Cancel seals a specific run as aborted when its context was cancelled from
// outside rather than through Abort. Stale epochs and already-sealed runs
// are ignored, so a pump unwinding after a newer run started cannot touch it.
func (r *Reducer) Cancel(epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run == nil || epoch != r.liveEpoch || r.run.Status.Terminal() {
		return
	}
	r.abortLocked()
}

func (r *Reducer) abortLocked() {
	branch, ok := r.tree.Branch(r.run.BranchID)
	if ok {
		version := branch.ActiveVersion()
		if version != nil && len(version.Parts) == 0 && len(version.Metadata.ReasoningDetailsRaw) == 0 {
			_ = r.tree.AppendText(r.run.BranchID, "Stopped.")
		}
	}
	r.sealLocked(StatusAborted, nil)
}

// FailNetwork records a transport-level failure. Before any content arrived
// the failure stays classified as network (the caller may retry); once
// content exists it is surfaced like a provider error and the partial
// content is preserved.
func (r *Reducer) FailNetwork(epoch uint64, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run == nil || epoch != r.liveEpoch || r.run.Status.Terminal() {
		return
	}

	class := ErrorClassNetwork
	if r.run.DeltaCount > 0 {
		class = ErrorClassProvider
	}
	r.sealLocked(StatusError, &Error{Class: class, Message: message})
}

// =============================================================================
// SEALING
// =============================================================================

// sealLocked moves the run to a terminal state exactly once: the watchdog is
// unconditionally invalidated, the live epoch advances so stale callbacks
// become no-ops, per-version metadata is finalized, and a terminal
// checkpoint is signalled.
func (r *Reducer) sealLocked(status Status, runErr *Error) {
	r.run.Status = status
	r.run.Err = runErr
	r.liveEpoch++
	r.stopWatchdogLocked()

	branchID := r.run.BranchID
	aborted := status == StatusAborted
	visibility := r.classifyVisibilityLocked(branchID)

	_ = r.tree.PatchMetadata(branchID, func(m *tree.Metadata) {
		m.Aborted = aborted
		m.Model = r.run.Model
		m.FinishReason = r.run.FinishReason
		m.NativeFinishReason = r.run.NativeFinishReason
		m.ReasoningVisibility = string(visibility)
		m.ReasoningSummary = rebuildSummary(m.ReasoningDetailsRaw)
		m.ReasoningStreaming = ""
	})

	event := r.log.Debug()
	if runErr != nil {
		event = r.log.Warn().Str("class", string(runErr.Class)).Str("error", runErr.Message)
	}
	event.Str("run", r.run.ID).Str("status", string(status)).Msg("run sealed")

	r.signalCheckpointLocked(CheckpointTerminal)
}

// classifyVisibilityLocked decides the reasoning visibility for the target
// branch. "excluded" requires proof that the request set the suppression
// flag; an empty field alone is "not_returned".
func (r *Reducer) classifyVisibilityLocked(branchID string) Visibility {
	branch, ok := r.tree.Branch(branchID)
	if !ok {
		return VisibilityNotReturned
	}
	version := branch.ActiveVersion()
	if version == nil {
		return VisibilityNotReturned
	}

	if len(version.Metadata.ReasoningDetailsRaw) > 0 {
		return VisibilityShown
	}
	if r.run.ReasoningExcluded {
		return VisibilityExcluded
	}
	return VisibilityNotReturned
}

// rebuildSummary recomputes the derived reasoning display text from the raw
// append-only sequence. The summary is disposable; the raw sequence is the
// only source of truth.
func rebuildSummary(raw []json.RawMessage) string {
	var sb strings.Builder
	for _, entry := range raw {
		if text := stream.DetailText(entry); text != "" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(text)
		}
	}
	return sb.String()
}

// HasEncryptedReasoning reports whether the branch's active version carries
// any reasoning detail explicitly tagged as encrypted.
func HasEncryptedReasoning(t *tree.Tree, branchID string) bool {
	branch, ok := t.Branch(branchID)
	if !ok {
		return false
	}
	version := branch.ActiveVersion()
	if version == nil {
		return false
	}
	for _, entry := range version.Metadata.ReasoningDetailsRaw {
		if stream.DetailIsEncrypted(entry) {
			return true
		}
	}
	return false
}

// =============================================================================
// CHECKPOINTS
// =============================================================================

// signalCheckpointLocked notifies the persistence side. The callback must
// queue work and return; it runs with the reducer lock held.
func (r *Reducer) signalCheckpointLocked(reason CheckpointReason) {
	if r.checkpoint != nil {
		r.checkpoint(reason)
	}
}

// =============================================================================
// OBSERVATION
// =============================================================================

// Snapshot returns a copy of the current run, or nil when none was started.
func (r *Reducer) Snapshot() *Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run == nil {
		return nil
	}
	snapshot := *r.run
	if r.run.Usage != nil {
		usage := *r.run.Usage
		snapshot.Usage = &usage
	}
	return &snapshot
}

// Status returns the current run status, StatusIdle when no run exists.
func (r *Reducer) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run == nil {
		return StatusIdle
	}
	return r.run.Status
}

// RunStats returns display statistics for the current run.
func (r *Reducer) RunStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run == nil {
		return Stats{}
	}
	stats := Stats{DeltaCount: r.run.DeltaCount, Elapsed: time.Since(r.run.StartedAt)}
	if !r.run.FirstDeltaAt.IsZero() {
		stats.FirstTokenLatency = r.run.FirstDeltaAt.Sub(r.run.StartedAt)
	}
	return stats
}
