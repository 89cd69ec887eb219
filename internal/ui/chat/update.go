// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/loom/internal/tree"
)

// =============================================================================
// UPDATE
// =============================================================================

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg)

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		return m.handleTick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleResize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height

	const chrome = 5 // header, input, status
	vpHeight := msg.Height - chrome
	if vpHeight < 1 {
		vpHeight = 1
	}

	if m.viewport.Width == 0 {
		m.viewport = viewport.New(msg.Width, vpHeight)
	} else {
		m.viewport.Width = msg.Width
		m.viewport.Height = vpHeight
	}
	m.input.Width = msg.Width - 4

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(msg.Width-4),
	)
	if err == nil {
		m.renderer = renderer
	}

	m.refreshViewport(true)
	return m, nil
}

func (m Model) handleTick() (tea.Model, tea.Cmd) {
	if m.state != StateStreaming {
		return m, nil
	}

	m.refreshViewport(true)

	if m.conv.Status().Terminal() {
		m.state = StateReady
		if r := m.conv.Run(); r != nil && r.Err != nil {
			m.statusMsg = fmt.Sprintf("error (%s): %s", r.Err.Class, r.Err.Message)
		}
		return m, nil
	}
	return m, tick()
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	k := m.keyMap

	switch {
	case key.Matches(msg, k.Quit):
		// While streaming the first press only stops the generation.
		if m.state == StateStreaming {
			m.conv.Abort()
			m.statusMsg = "generation stopped"
			return m, nil
		}
		if m.state != StateEditing {
			m.conv.SetDraft(m.input.Value())
		}
		return m, tea.Quit

	case key.Matches(msg, k.Help):
		m.showHelp = !m.showHelp
		return m, nil

	case key.Matches(msg, k.Cancel):
		switch m.state {
		case StateStreaming:
			m.conv.Abort()
			m.statusMsg = "generation stopped"
		case StateEditing:
			m.state = StateReady
			m.editBranch = ""
			m.input.SetValue("")
			m.statusMsg = "edit cancelled"
		}
		return m, nil

	case key.Matches(msg, k.Submit):
		return m.submit()

	case key.Matches(msg, k.Regenerate):
		return m.regenerateLast()

	case key.Matches(msg, k.Edit):
		return m.beginEdit()

	case key.Matches(msg, k.PrevVersion):
		return m.switchVersion(-1)

	case key.Matches(msg, k.NextVersion):
		return m.switchVersion(+1)

	case key.Matches(msg, k.Delete):
		return m.deleteLastTurn()

	case key.Matches(msg, k.Up), key.Matches(msg, k.Down),
		key.Matches(msg, k.PageUp), key.Matches(msg, k.PageDown):
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// =============================================================================
// ACTIONS
// =============================================================================

func (m Model) submit() (tea.Model, tea.Cmd) {
	if m.state == StateStreaming {
		return m, nil
	}

	text := m.input.Value()
	if text == "" {
		return m, nil
	}

	var err error
	if m.state == StateEditing {
		_, err = m.conv.Edit(context.Background(), m.editBranch, text)
		m.editBranch = ""
	} else {
		_, err = m.conv.Send(context.Background(), text)
	}
	if err != nil {
		m.statusMsg = err.Error()
		m.state = StateReady
		return m, nil
	}

	m.input.SetValue("")
	m.state = StateStreaming
	m.statusMsg = ""
	m.refreshViewport(true)
	return m, tea.Batch(m.spinner.Tick, tick(), textinput.Blink)
}

func (m Model) regenerateLast() (tea.Model, tea.Cmd) {
	if m.state != StateReady {
		return m, nil
	}
	last, ok := m.lastOfRole(tree.RoleAssistant)
	if !ok {
		m.statusMsg = "nothing to regenerate"
		return m, nil
	}

	if _, err := m.conv.Regenerate(context.Background(), last.BranchID); err != nil {
		m.statusMsg = err.Error()
		return m, nil
	}
	m.state = StateStreaming
	m.statusMsg = ""
	m.refreshViewport(true)
	return m, tea.Batch(m.spinner.Tick, tick())
}

func (m Model) beginEdit() (tea.Model, tea.Cmd) {
	if m.state != StateReady {
		return m, nil
	}
	last, ok := m.lastOfRole(tree.RoleUser)
	if !ok {
		m.statusMsg = "nothing to edit"
		return m, nil
	}

	m.state = StateEditing
	m.editBranch = last.BranchID
	m.input.SetValue(last.Text())
	m.input.CursorEnd()
	m.statusMsg = "editing: Enter to resend, Esc to cancel"
	return m, nil
}

// switchVersion cycles the last assistant turn's displayed version.
func (m Model) switchVersion(delta int) (tea.Model, tea.Cmd) {
	if m.state == StateStreaming {
		return m, nil
	}
	last, ok := m.lastOfRole(tree.RoleAssistant)
	if !ok || last.VersionCount < 2 {
		return m, nil
	}

	next := last.VersionIndex + delta
	if next < 0 || next >= last.VersionCount {
		return m, nil
	}
	m.conv.SwitchVersion(last.BranchID, next)
	m.statusMsg = fmt.Sprintf("version %d/%d", next+1, last.VersionCount)
	m.refreshViewport(true)
	return m, nil
}

// deleteLastTurn removes the displayed leaf. A multi-version leaf drops only
// its current version; focus moves per the tree's deletion rules.
func (m Model) deleteLastTurn() (tea.Model, tea.Cmd) {
	if m.state == StateStreaming {
		return m, nil
	}
	msgs := m.messages()
	if len(msgs) == 0 {
		return m, nil
	}

	leaf := msgs[len(msgs)-1]
	if err := m.conv.DeleteBranch(leaf.BranchID, false); err != nil {
		m.statusMsg = err.Error()
		return m, nil
	}
	m.statusMsg = "turn deleted"
	m.refreshViewport(true)
	return m, nil
}
