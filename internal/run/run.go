// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package run implements the generation reducer: a single-writer state
// machine that consumes domain events for one run and mutates exactly one
// target branch in the conversation tree.
package run

import (
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/loom/internal/tree"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the run lifecycle state. Terminal states never transition
// further.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSending   Status = "sending"
	StatusReceiving Status = "receiving"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusAborted
}

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrorClass distinguishes run failure classes. The reducer is the sole
// place that decides user-facing consequences.
type ErrorClass string

const (
	// ErrorClassProtocol is malformed line/JSON framing.
	ErrorClassProtocol ErrorClass = "protocol"

	// ErrorClassProvider is a payload that carried an explicit error object.
	ErrorClassProvider ErrorClass = "provider"

	// ErrorClassNetwork is a transport failure. Retryable only when no
	// content had arrived; afterwards it is surfaced like a provider error.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassIdleTimeout is stall detection: no delta within the bound.
	ErrorClassIdleTimeout ErrorClass = "idle_timeout"
)

// Error is a classified run failure.
type Error struct {
	Class   ErrorClass
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %s", e.Class, e.Message)
}

// Is matches by class so callers can use errors.Is with a class-only target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Class != e.Class {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// ErrRunActive indicates a generation was requested while one is already
// mutating this conversation.
var ErrRunActive = errors.New("a generation run is already active")

// =============================================================================
// REASONING VISIBILITY
// =============================================================================

// Visibility classifies why reasoning content is or is not shown. Exactly
// one of the three applies.
type Visibility string

const (
	// VisibilityShown: some reasoning content is present (including entries
	// tagged as encrypted).
	VisibilityShown Visibility = "shown"

	// VisibilityExcluded: the request explicitly asked to suppress reasoning
	// output and none was returned. Never inferred merely from an empty
	// field; the request flag is required.
	VisibilityExcluded Visibility = "excluded"

	// VisibilityNotReturned: no suppression was requested, but none came
	// back regardless.
	VisibilityNotReturned Visibility = "not_returned"
)

// =============================================================================
// RUN
// =============================================================================

// Run is one generation request/response lifecycle targeting exactly one
// assistant branch. Fields are owned by the Reducer; external readers use
// Reducer snapshot accessors.
type Run struct {
	ID       string
	BranchID string
	Status   Status

	// Epoch is captured at run start. Any asynchronous callback compares its
	// captured epoch against the reducer's live epoch and is a no-op on
	// mismatch.
	Epoch uint64

	// GenerationID is assigned by the provider mid-stream.
	GenerationID string
	Model        string

	// Usage totals belong to the run, not to any branch version.
	Usage *tree.Usage

	FinishReason       string
	NativeFinishReason string

	Err *Error

	// ReasoningExcluded records whether this run's request asked the
	// provider to suppress reasoning output.
	ReasoningExcluded bool

	// Stats.
	StartedAt    time.Time
	FirstDeltaAt time.Time
	DeltaCount   int
}

// Stats summarizes a finished or in-flight run for display.
type Stats struct {
	FirstTokenLatency time.Duration
	DeltaCount        int
	Elapsed           time.Duration
}
