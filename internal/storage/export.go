// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jeranaias/loom/internal/tree"
	"github.com/jeranaias/loom/internal/util"
)

// =============================================================================
// EXPORT
// =============================================================================

// ExportMarkdown writes the active path of a conversation as Markdown.
// Only the selected version of each message is exported; alternate versions
// and abandoned branches stay in the snapshot.
func ExportMarkdown(path string, rec *Record, t *tree.Tree) error {
	var b strings.Builder

	title := rec.Title
	if title == "" {
		title = rec.ConversationID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if rec.Model != "" {
		fmt.Fprintf(&b, "Model: `%s`\n\n", rec.Model)
	}

	for _, msg := range t.Messages() {
		switch msg.Role {
		case tree.RoleUser:
			b.WriteString("## User\n\n")
		case tree.RoleAssistant:
			b.WriteString("## Assistant\n\n")
		}

		if msg.VersionCount > 1 {
			fmt.Fprintf(&b, "_Version %d of %d._\n\n", msg.VersionIndex+1, msg.VersionCount)
		}
		if msg.ReasoningSummary != "" {
			b.WriteString("<details><summary>Reasoning</summary>\n\n")
			b.WriteString(msg.ReasoningSummary)
			b.WriteString("\n\n</details>\n\n")
		}

		b.WriteString(msg.Text())
		b.WriteString("\n\n")

		if msg.Aborted {
			b.WriteString("_Generation stopped._\n\n")
		}
	}

	return util.AtomicWriteFile(path, []byte(b.String()), 0o644)
}

// exportedMessage is the JSON export shape of one active-path message.
type exportedMessage struct {
	BranchID     string `json:"branch_id"`
	Role         string `json:"role"`
	Text         string `json:"text"`
	VersionIndex int    `json:"version_index"`
	VersionCount int    `json:"version_count"`
	Aborted      bool   `json:"aborted,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Model        string `json:"model,omitempty"`
}

// exportedConversation is the JSON export envelope.
type exportedConversation struct {
	ConversationID string            `json:"conversation_id"`
	Title          string            `json:"title,omitempty"`
	Model          string            `json:"model,omitempty"`
	Messages       []exportedMessage `json:"messages"`
}

// ExportJSON writes the active path of a conversation as JSON.
func ExportJSON(path string, rec *Record, t *tree.Tree) error {
	out := exportedConversation{
		ConversationID: rec.ConversationID,
		Title:          rec.Title,
		Model:          rec.Model,
		Messages:       []exportedMessage{},
	}

	for _, msg := range t.Messages() {
		out.Messages = append(out.Messages, exportedMessage{
			BranchID:     msg.BranchID,
			Role:         string(msg.Role),
			Text:         msg.Text(),
			VersionIndex: msg.VersionIndex,
			VersionCount: msg.VersionCount,
			Aborted:      msg.Aborted,
			FinishReason: msg.FinishReason,
			Model:        msg.Model,
		})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	return util.AtomicWriteFile(path, data, 0o644)
}
