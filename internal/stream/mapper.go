// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// chunkJSON is the OpenRouter-style chat-completions streaming payload.
type chunkJSON struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []choiceJSON `json:"choices"`
	Usage   *Usage       `json:"usage"`
	Error   *errorJSON   `json:"error"`
}

type choiceJSON struct {
	// Delta carries incremental content; Message carries the final
	// non-incremental shape. Reasoning details may appear in either and must
	// be read from both, never assumed to exist in only one.
	Delta              *messageJSON `json:"delta"`
	Message            *messageJSON `json:"message"`
	FinishReason       string       `json:"finish_reason"`
	NativeFinishReason string       `json:"native_finish_reason"`
}

type messageJSON struct {
	Role string `json:"role"`

	// Content is sniffed once here: providers send a plain string, null, or
	// (rarely) an array of typed parts.
	Content          json.RawMessage   `json:"content"`
	ToolCalls        []toolCallJSON    `json:"tool_calls"`
	ReasoningDetails []json.RawMessage `json:"reasoning_details"`
}

type toolCallJSON struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type contentPartJSON struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type errorJSON struct {
	Code    json.Number `json:"code"`
	Message string      `json:"message"`
}

// =============================================================================
// CHUNK MAPPER
// =============================================================================

// MapChunk converts one decoded JSON payload into zero or more domain
// events. The returned slice mirrors in-payload order; across payloads the
// caller preserves arrival order by mapping each payload as it arrives.
//
// A payload whose top level carries an error object maps to a terminal
// ErrorEvent, emitted after any content the same payload carried, so nothing
// already streamed is invalidated pre-emptively.
//
// MapChunk returns an error only for genuinely unparseable JSON; the caller
// surfaces that as a protocol failure.
func MapChunk(data []byte) ([]Event, error) {
	var chunk chunkJSON
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("malformed stream payload: %w", err)
	}

	var events []Event

	if meta := mapMeta(&chunk); meta != (MetaDelta{}) {
		events = append(events, meta)
	}

	for _, choice := range chunk.Choices {
		events = append(events, mapMessage(choice.Delta)...)
		events = append(events, mapMessage(choice.Message)...)
	}

	// Usage may arrive on a payload with an empty choice list; it is still
	// valid and belongs to the run, not to any message.
	if chunk.Usage != nil {
		events = append(events, UsageDelta{Usage: *chunk.Usage})
	}

	if chunk.Error != nil {
		events = append(events, ErrorEvent{
			Kind:    ErrorProvider,
			Message: chunk.Error.Message,
			Code:    chunk.Error.Code.String(),
		})
	}

	return events, nil
}

// mapMeta collects stream metadata from the payload envelope and the first
// choice's finish reasons.
func mapMeta(chunk *chunkJSON) MetaDelta {
	meta := MetaDelta{
		GenerationID: chunk.ID,
		Model:        chunk.Model,
	}
	for _, choice := range chunk.Choices {
		if choice.FinishReason != "" {
			meta.FinishReason = choice.FinishReason
		}
		if choice.NativeFinishReason != "" {
			meta.NativeFinishReason = choice.NativeFinishReason
		}
	}
	return meta
}

// mapMessage maps one delta or final message into content events, in
// in-payload order: text, tool calls, reasoning details.
func mapMessage(msg *messageJSON) []Event {
	if msg == nil {
		return nil
	}

	var events []Event

	if text := contentText(msg.Content); text != "" {
		events = append(events, TextDelta{Text: text})
	}

	for _, call := range msg.ToolCalls {
		events = append(events, ToolCallDelta{
			Index:     call.Index,
			CallID:    call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}

	// Raw passthrough: each entry is forwarded byte-for-byte, whatever its
	// internal shape. The mapper never guesses missing sub-fields.
	for _, detail := range msg.ReasoningDetails {
		events = append(events, ReasoningDetailDelta{Detail: detail})
	}

	return events
}

// contentText normalizes the content field: plain string, null, or an array
// of typed parts. Shapes that carry no text map to "".
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	case '[':
		var parts []contentPartJSON
		if err := json.Unmarshal(raw, &parts); err != nil {
			return ""
		}
		var out string
		for _, part := range parts {
			out += part.Text
		}
		return out
	}
	return ""
}
