// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the terminal chat view.
//
// The view is a pure consumer of derived state: it renders the active path
// returned by the conversation and never touches branch internals. While a
// generation runs it polls on a short tick so streamed content appears as it
// lands.
package chat

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/loom/internal/conversation"
	"github.com/jeranaias/loom/internal/tree"
)

// =============================================================================
// CHAT STATE
// =============================================================================

// State represents the current state of the chat view.
type State int

const (
	StateReady     State = iota // Ready for input
	StateStreaming              // A generation is running
	StateEditing                // Editing a prior user turn
)

// tickMsg drives streaming refresh.
type tickMsg time.Time

// streamTick is the refresh cadence while a generation is live.
const streamTick = 80 * time.Millisecond

// =============================================================================
// CHAT MODEL
// =============================================================================

// Model is the Bubble Tea model for the chat view.
type Model struct {
	state State

	manager *conversation.Manager
	conv    *conversation.Conversation

	// editBranch is the user branch being edited in StateEditing.
	editBranch string

	// UI components
	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	keyMap   KeyMap

	// Markdown rendering for assistant turns.
	renderer *glamour.TermRenderer

	width    int
	height   int
	showHelp bool

	// statusMsg shows transient feedback in the status line.
	statusMsg string
}

// New creates the chat view over an open conversation.
func New(manager *conversation.Manager, conv *conversation.Conversation) Model {
	input := textinput.New()
	input.Placeholder = "Type a message..."
	input.Focus()
	input.CharLimit = 0
	if draft := conv.Draft(); draft != "" {
		input.SetValue(draft)
		input.CursorEnd()
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	return Model{
		state:   StateReady,
		manager: manager,
		conv:    conv,
		input:   input,
		spinner: sp,
		keyMap:  DefaultKeyMap(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

// messages returns the derived view of the active path.
func (m *Model) messages() []tree.Message {
	return m.conv.Messages()
}

// lastOfRole returns the last active-path message with the given role.
func (m *Model) lastOfRole(role tree.Role) (tree.Message, bool) {
	msgs := m.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role {
			return msgs[i], true
		}
	}
	return tree.Message{}, false
}

func tick() tea.Cmd {
	return tea.Tick(streamTick, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
