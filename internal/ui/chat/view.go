// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/jeranaias/loom/internal/run"
	"github.com/jeranaias/loom/internal/tree"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Padding(0, 1)

	userLabelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	assistantLabelStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("212"))

	versionBadgeStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("243"))

	reasoningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Italic(true)

	abortedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Padding(0, 1)

	spinnerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212"))

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// =============================================================================
// VIEW
// =============================================================================

// View implements tea.Model.
func (m Model) View() string {
	if m.width == 0 {
		return "loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Width(m.width - 2).Render(m.input.View()))
	b.WriteString("\n")
	b.WriteString(m.renderStatus())

	if m.showHelp {
		return b.String() + "\n" + m.renderHelp()
	}
	return b.String()
}

func (m Model) renderHeader() string {
	title := m.conv.Title()
	if title == "" {
		title = "new conversation"
	}
	title = runewidth.Truncate(title, m.width-12, "…")

	model := m.conv.Model()
	if model == "" {
		model = m.manager.Config().DefaultModel
	}

	left := headerStyle.Render("loom · " + title)
	right := statusBarStyle.Render(model)
	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		return left
	}
	return left + strings.Repeat(" ", gap) + right
}

func (m Model) renderStatus() string {
	if m.state == StateStreaming {
		stats := m.conv.Stats()
		line := fmt.Sprintf("%s streaming · %d deltas · %s",
			m.spinner.View(), stats.DeltaCount, stats.Elapsed.Truncate(100_000_000))
		return statusBarStyle.Render(line)
	}

	if m.statusMsg != "" {
		return statusBarStyle.Render(m.statusMsg)
	}

	var parts []string
	for _, binding := range m.keyMap.ShortHelp() {
		parts = append(parts, binding.Help().Key+" "+binding.Help().Desc)
	}
	return statusBarStyle.Render(strings.Join(parts, " · "))
}

func (m Model) renderHelp() string {
	var b strings.Builder
	for _, group := range m.keyMap.FullHelp() {
		for _, binding := range group {
			fmt.Fprintf(&b, "  %-14s %s\n", binding.Help().Key, binding.Help().Desc)
		}
	}
	return statusBarStyle.Render(b.String())
}

// =============================================================================
// TRANSCRIPT RENDERING
// =============================================================================

// refreshViewport re-renders the transcript from the derived message view.
func (m *Model) refreshViewport(follow bool) {
	if m.viewport.Width == 0 {
		return
	}

	var b strings.Builder
	for i, msg := range m.conv.Messages() {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.renderMessage(msg))
	}

	if r := m.conv.Run(); r != nil && r.Status == run.StatusError && r.Err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(fmt.Sprintf("✗ %s error: %s", r.Err.Class, r.Err.Message)))
		b.WriteString("\n")
	}

	m.viewport.SetContent(b.String())
	if follow {
		m.viewport.GotoBottom()
	}
}

func (m *Model) renderMessage(msg tree.Message) string {
	var b strings.Builder

	label := userLabelStyle.Render("You")
	if msg.Role == tree.RoleAssistant {
		label = assistantLabelStyle.Render("Assistant")
	}
	b.WriteString(label)

	if msg.VersionCount > 1 {
		b.WriteString(" ")
		b.WriteString(versionBadgeStyle.Render(fmt.Sprintf("(%d/%d)", msg.VersionIndex+1, msg.VersionCount)))
	}
	b.WriteString("\n")

	if msg.Role == tree.RoleAssistant && msg.ReasoningSummary != "" {
		b.WriteString(reasoningStyle.Render("thinking: " + firstLine(msg.ReasoningSummary)))
		b.WriteString("\n")
	}

	text := msg.Text()
	if msg.Role == tree.RoleAssistant && m.renderer != nil && text != "" {
		if rendered, err := m.renderer.Render(text); err == nil {
			text = strings.TrimRight(rendered, "\n")
		}
	}
	b.WriteString(text)
	b.WriteString("\n")

	if msg.Aborted {
		b.WriteString(abortedStyle.Render("⏹ stopped"))
		b.WriteString("\n")
	}

	return b.String()
}

// firstLine truncates derived reasoning text to one display line.
func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return runewidth.Truncate(s, 80, "…")
}
