// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream decodes a provider's Server-Sent-Events byte stream into
// normalized domain events.
//
// The package is a pure transformation layer: bytes in, events out. It never
// touches conversation state. All provider shape-sniffing ("is this field a
// string or an object") happens here, exactly once, so downstream consumers
// work with one canonical event vocabulary.
package stream

import (
	"bytes"
	"encoding/json"
)

// =============================================================================
// DOMAIN EVENTS
// =============================================================================

// Event is a normalized, provider-agnostic unit of streaming information.
//
// Events are produced in strict payload-arrival order and are never buffered
// or reordered across payloads.
type Event interface {
	isEvent()
}

// TextDelta carries an incremental piece of assistant message text.
type TextDelta struct {
	// BranchID is the target assistant branch. It is stamped by the run
	// pipeline, never inferred from whichever branch the UI shows.
	BranchID string
	Text     string
}

// ToolCallDelta carries an incremental piece of a tool call. Arguments
// arrive as string fragments that concatenate in order.
type ToolCallDelta struct {
	BranchID  string
	Index     int
	CallID    string
	Name      string
	Arguments string
}

// ReasoningDetailDelta carries one raw reasoning detail entry. The entry is
// passed through exactly as received; unknown or partially-shaped entries are
// never coerced or dropped because downstream context re-injection depends on
// the exact original sequence.
type ReasoningDetailDelta struct {
	BranchID string
	Detail   json.RawMessage
}

// Usage holds token accounting for a run.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageDelta carries usage totals. A payload with an empty choice list but a
// populated usage field is valid and maps to a UsageDelta not associated with
// any message.
type UsageDelta struct {
	Usage Usage
}

// MetaDelta carries stream metadata: the provider-assigned generation id,
// the concrete model that answered, and finish reasons (normalized plus the
// provider's native string).
type MetaDelta struct {
	GenerationID       string
	Model              string
	FinishReason       string
	NativeFinishReason string
}

// ErrorKind classifies terminal stream errors.
type ErrorKind int

const (
	// ErrorProtocol indicates malformed framing: a payload line that was not
	// valid JSON.
	ErrorProtocol ErrorKind = iota

	// ErrorProvider indicates a successfully-established stream whose payload
	// carried an explicit error object. Content already emitted remains valid.
	ErrorProvider
)

// ErrorEvent is a terminal event: the sequence ends after it.
type ErrorEvent struct {
	Kind    ErrorKind
	Message string
	Code    string
}

// DoneEvent marks the stream terminator. Terminal.
type DoneEvent struct{}

func (TextDelta) isEvent()            {}
func (ToolCallDelta) isEvent()        {}
func (ReasoningDetailDelta) isEvent() {}
func (UsageDelta) isEvent()           {}
func (MetaDelta) isEvent()            {}
func (ErrorEvent) isEvent()           {}
func (DoneEvent) isEvent()            {}

// IsMessageDelta reports whether ev mutates message content (text, tool call,
// or reasoning detail). The reducer uses this for the transition from
// sending to receiving.
func IsMessageDelta(ev Event) bool {
	switch ev.(type) {
	case TextDelta, ToolCallDelta, ReasoningDetailDelta:
		return true
	}
	return false
}

// IsTerminal reports whether ev ends the event sequence.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case ErrorEvent, DoneEvent:
		return true
	}
	return false
}

// Target returns a copy of ev with its target assistant branch id set.
// Events without a branch target (usage, meta, error, done) are returned
// unchanged.
func Target(ev Event, branchID string) Event {
	switch e := ev.(type) {
	case TextDelta:
		e.BranchID = branchID
		return e
	case ToolCallDelta:
		e.BranchID = branchID
		return e
	case ReasoningDetailDelta:
		e.BranchID = branchID
		return e
	}
	return ev
}

// =============================================================================
// REASONING DETAIL SNIFFING
// =============================================================================

// reasoningDetailHead is the minimal shape probed from a raw reasoning
// detail. Probing never rejects an entry; absent fields stay zero.
type reasoningDetailHead struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Summary string `json:"summary"`
}

// DetailIsEncrypted reports whether a raw reasoning detail entry is
// explicitly tagged as encrypted content.
func DetailIsEncrypted(detail json.RawMessage) bool {
	var head reasoningDetailHead
	if err := json.Unmarshal(detail, &head); err != nil {
		return false
	}
	return bytes.Contains([]byte(head.Type), []byte("encrypted"))
}

// DetailText extracts displayable text from a raw reasoning detail entry,
// preferring the text field over the summary field. Returns "" when the
// entry carries neither (for example encrypted entries).
func DetailText(detail json.RawMessage) string {
	var head reasoningDetailHead
	if err := json.Unmarshal(detail, &head); err != nil {
		return ""
	}
	if head.Text != "" {
		return head.Text
	}
	return head.Summary
}
