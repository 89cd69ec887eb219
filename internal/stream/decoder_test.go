// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"io"
	"reflect"
	"strings"
	"testing"
)

// chunkedReader yields its input one fragment per Read call, simulating
// arbitrary network chunking.
type chunkedReader struct {
	fragments [][]byte
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.fragments) == 0 {
		return 0, io.EOF
	}
	frag := r.fragments[0]
	n := copy(p, frag)
	if n < len(frag) {
		r.fragments[0] = frag[n:]
	} else {
		r.fragments = r.fragments[1:]
	}
	return n, nil
}

// splitAt splits data into fragments at the given byte offsets.
func splitAt(data []byte, offsets ...int) [][]byte {
	var fragments [][]byte
	prev := 0
	for _, off := range offsets {
		if off > len(data) {
			off = len(data)
		}
		fragments = append(fragments, data[prev:off])
		prev = off
	}
	fragments = append(fragments, data[prev:])
	return fragments
}

// collectEvents drains a decoder into a slice.
func collectEvents(t *testing.T, d *Decoder) []Event {
	t.Helper()
	var events []Event
	for {
		ev, err := d.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		events = append(events, ev)
	}
}

// =============================================================================
// LINE DECODER TESTS
// =============================================================================

func TestLineDecoder_CommentLine(t *testing.T) {
	input := ": OPENROUTER PROCESSING\n\ndata: [DONE]\n"
	d := NewLineDecoder(strings.NewReader(input))

	line, err := d.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if line.Kind != LineComment {
		t.Fatalf("Kind = %v, want LineComment", line.Kind)
	}
	if line.Comment != "OPENROUTER PROCESSING" {
		t.Errorf("Comment = %q, want %q", line.Comment, "OPENROUTER PROCESSING")
	}

	line, err = d.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if line.Kind != LineDone {
		t.Errorf("Kind = %v, want LineDone", line.Kind)
	}

	if _, err := d.Next(); err != io.EOF {
		t.Errorf("Next after [DONE] = %v, want io.EOF", err)
	}
}

func TestLineDecoder_CRLFAndBlankLines(t *testing.T) {
	input := "data: {\"a\":1}\r\n\r\ndata: {\"b\":2}\n"
	d := NewLineDecoder(strings.NewReader(input))

	line, err := d.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if string(line.Data) != `{"a":1}` {
		t.Errorf("Data = %q, want %q", line.Data, `{"a":1}`)
	}

	line, err = d.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if string(line.Data) != `{"b":2}` {
		t.Errorf("Data = %q, want %q", line.Data, `{"b":2}`)
	}
}

func TestLineDecoder_IgnoresUnknownFields(t *testing.T) {
	input := "event: message\nid: 42\nretry: 1000\ndata: {\"x\":1}\n"
	d := NewLineDecoder(strings.NewReader(input))

	line, err := d.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if line.Kind != LineData || string(line.Data) != `{"x":1}` {
		t.Errorf("got kind=%v data=%q, want the data line", line.Kind, line.Data)
	}
}

func TestLineDecoder_TrailingLineWithoutNewline(t *testing.T) {
	d := NewLineDecoder(strings.NewReader("data: {\"x\":1}"))

	line, err := d.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if string(line.Data) != `{"x":1}` {
		t.Errorf("Data = %q, want %q", line.Data, `{"x":1}`)
	}
	if _, err := d.Next(); err != io.EOF {
		t.Errorf("Next = %v, want io.EOF", err)
	}
}

// =============================================================================
// CHUNK-BOUNDARY INVARIANCE
// =============================================================================

func TestDecoder_ChunkBoundaryInvariance(t *testing.T) {
	// Includes multibyte characters so some split points fall mid-rune.
	input := []byte("data: {\"id\":\"gen-1\",\"choices\":[{\"delta\":{\"content\":\"héllo \"}}]}\n" +
		": keep-alive\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"wörld 🌍\"}}]}\n" +
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":3,\"total_tokens\":8}}\n" +
		"data: [DONE]\n")

	baseline := collectEvents(t, NewDecoder(&chunkedReader{fragments: [][]byte{input}}))
	if len(baseline) == 0 {
		t.Fatal("expected events from unsplit input")
	}

	// Re-split at every single byte boundary.
	for off := 1; off < len(input); off++ {
		d := NewDecoder(&chunkedReader{fragments: splitAt(input, off)})
		got := collectEvents(t, d)
		if !reflect.DeepEqual(got, baseline) {
			t.Fatalf("split at %d diverged:\n got %#v\nwant %#v", off, got, baseline)
		}
	}

	// A pathological many-fragment split: one byte per fragment.
	var single [][]byte
	for i := range input {
		single = append(single, input[i:i+1])
	}
	got := collectEvents(t, NewDecoder(&chunkedReader{fragments: single}))
	if !reflect.DeepEqual(got, baseline) {
		t.Fatalf("byte-at-a-time split diverged:\n got %#v\nwant %#v", got, baseline)
	}
}

// =============================================================================
// EVENT DECODER TESTS
// =============================================================================

func TestDecoder_MalformedPayloadIsTerminalProtocolError(t *testing.T) {
	input := "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n" +
		"data: {not json\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"never seen\"}}]}\n"
	d := NewDecoder(strings.NewReader(input))

	events := collectEvents(t, d)

	last, ok := events[len(events)-1].(ErrorEvent)
	if !ok {
		t.Fatalf("last event = %#v, want ErrorEvent", events[len(events)-1])
	}
	if last.Kind != ErrorProtocol {
		t.Errorf("Kind = %v, want ErrorProtocol", last.Kind)
	}

	// Content before the bad frame is still delivered.
	var sawText bool
	for _, ev := range events {
		td, ok := ev.(TextDelta)
		if !ok {
			continue
		}
		if td.Text == "ok" {
			sawText = true
		}
		if td.Text == "never seen" {
			t.Error("events after terminal protocol error must not be delivered")
		}
	}
	if !sawText {
		t.Error("content preceding the malformed frame was dropped")
	}
}

func TestDecoder_DoneTerminatesSequence(t *testing.T) {
	input := "data: [DONE]\ndata: {\"choices\":[{\"delta\":{\"content\":\"late\"}}]}\n"
	d := NewDecoder(strings.NewReader(input))

	events := collectEvents(t, d)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if _, ok := events[0].(DoneEvent); !ok {
		t.Errorf("event = %#v, want DoneEvent", events[0])
	}
}

func TestDecoder_CommentProducesNoDomainEvent(t *testing.T) {
	input := ": ping\n: ping\ndata: [DONE]\n"
	d := NewDecoder(strings.NewReader(input))

	events := collectEvents(t, d)
	if len(events) != 1 {
		t.Fatalf("got %d events, want only DoneEvent", len(events))
	}
}
