// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// ErrLineTooLong indicates a single SSE line exceeded MaxLineSize.
var ErrLineTooLong = errors.New("sse line exceeds maximum size")

// =============================================================================
// LINE DECODER
// =============================================================================

// MaxLineSize caps a single SSE line (256KB). Reasoning-heavy payloads can be
// large; anything beyond this is treated as a framing failure.
const MaxLineSize = 256 * 1024

// doneMarker is the SSE payload that terminates an OpenRouter-style stream.
var doneMarker = []byte("[DONE]")

// LineKind classifies a decoded SSE line.
type LineKind int

const (
	// LineComment is a keep-alive or informational line starting with ':'.
	LineComment LineKind = iota

	// LineData is a payload line ("data: {...}").
	LineData

	// LineDone is the stream terminator ("data: [DONE]").
	LineDone
)

// Line is one decoded logical SSE line.
type Line struct {
	Kind LineKind

	// Comment holds the comment text for LineComment lines.
	Comment string

	// Data holds the raw payload bytes for LineData lines. No JSON parsing
	// is attempted at this layer.
	Data []byte
}

// LineDecoder reassembles an arbitrarily-chunked byte stream into logical SSE
// lines. It is a lazy, ordered, non-restartable sequence: fragment boundaries
// may fall mid-line or mid-multibyte-character without affecting the decoded
// output, because reassembly operates on raw bytes and only splits on '\n'.
//
// The decoder performs no mutation of shared state; it is a pure transform
// over its reader.
type LineDecoder struct {
	r    *bufio.Reader
	done bool
}

// NewLineDecoder creates a line decoder over r.
func NewLineDecoder(r io.Reader) *LineDecoder {
	return &LineDecoder{r: bufio.NewReader(r)}
}

// Next returns the next logical line. It returns io.EOF when the underlying
// stream ends or after the [DONE] terminator has been delivered.
func (d *LineDecoder) Next() (Line, error) {
	if d.done {
		return Line{}, io.EOF
	}

	for {
		raw, err := d.readLine()
		if err != nil {
			if err == io.EOF && len(raw) > 0 {
				// Trailing line without newline: classify it before EOF.
				if line, ok := d.classify(raw); ok {
					return line, nil
				}
			}
			return Line{}, err
		}

		if line, ok := d.classify(raw); ok {
			return line, nil
		}
		// Blank separators and unknown SSE fields (event:, id:, retry:) are
		// skipped.
	}
}

// readLine reads bytes up to and including '\n', with the trailing "\r\n" or
// "\n" stripped. Partial reads from bufio (ErrBufferFull) are stitched back
// together so fragment boundaries never split a logical line.
func (d *LineDecoder) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := d.r.ReadBytes('\n')
		buf = append(buf, chunk...)
		if len(buf) > MaxLineSize {
			return nil, ErrLineTooLong
		}
		if err != nil {
			return bytes.TrimRight(buf, "\r\n"), err
		}
		if len(buf) > 0 && buf[len(buf)-1] == '\n' {
			return bytes.TrimRight(buf, "\r\n"), nil
		}
	}
}

// classify maps one raw line to a Line event. The second return value is
// false for lines that produce no event (blank separators, ignored fields).
func (d *LineDecoder) classify(raw []byte) (Line, bool) {
	if len(raw) == 0 {
		return Line{}, false
	}

	// Comment lines: ": OPENROUTER PROCESSING" keep-alives and the like.
	// No JSON parse is ever attempted on these.
	if raw[0] == ':' {
		text := bytes.TrimPrefix(raw[1:], []byte(" "))
		return Line{Kind: LineComment, Comment: string(text)}, true
	}

	if data, ok := bytes.CutPrefix(raw, []byte("data:")); ok {
		data = bytes.TrimPrefix(data, []byte(" "))
		if bytes.Equal(data, doneMarker) {
			d.done = true
			return Line{Kind: LineDone}, true
		}
		// Copy out of the bufio-owned buffer: callers may hold the payload
		// across subsequent reads.
		payload := make([]byte, len(data))
		copy(payload, data)
		return Line{Kind: LineData, Data: payload}, true
	}

	// Other SSE fields (event:, id:, retry:) carry nothing for this wire
	// shape and are skipped.
	return Line{}, false
}

// =============================================================================
// EVENT DECODER
// =============================================================================

// Decoder combines the line decoder and chunk mapper into a pull-based
// sequence of domain events. After a terminal event (ErrorEvent or
// DoneEvent) the sequence ends: Next returns io.EOF.
type Decoder struct {
	lines    *LineDecoder
	pending  []Event
	finished bool
}

// NewDecoder creates an event decoder over the raw fragment stream r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{lines: NewLineDecoder(r)}
}

// Next returns the next domain event, or io.EOF once the sequence has ended.
func (d *Decoder) Next() (Event, error) {
	for {
		if len(d.pending) > 0 {
			ev := d.pending[0]
			d.pending = d.pending[1:]
			if IsTerminal(ev) {
				d.finished = true
				d.pending = nil
			}
			return ev, nil
		}
		if d.finished {
			return nil, io.EOF
		}

		line, err := d.lines.Next()
		if err != nil {
			if err == io.EOF {
				d.finished = true
				return nil, io.EOF
			}
			if err == ErrLineTooLong {
				d.finished = true
				return ErrorEvent{Kind: ErrorProtocol, Message: err.Error()}, nil
			}
			return nil, err
		}

		switch line.Kind {
		case LineComment:
			// Keep-alives produce no domain event.
			continue
		case LineDone:
			d.finished = true
			return DoneEvent{}, nil
		case LineData:
			events, err := MapChunk(line.Data)
			if err != nil {
				// A payload line that is not valid JSON is a terminal
				// protocol error; prior content stays applied.
				d.finished = true
				return ErrorEvent{Kind: ErrorProtocol, Message: err.Error()}, nil
			}
			d.pending = events
		}
	}
}
