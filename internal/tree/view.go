// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tree

import "strings"

// =============================================================================
// DERIVED VIEWS
// =============================================================================

// Message is a read-only view of one displayed turn: the active version of a
// branch on the current path. The UI consumes these and never reaches into
// the tree structure itself.
type Message struct {
	BranchID string
	Role     Role
	Parts    []Part

	// VersionIndex / VersionCount drive the "2/3" version cursor.
	VersionIndex int
	VersionCount int

	Aborted             bool
	ReasoningVisibility string
	ReasoningSummary    string
	FinishReason        string
	Model               string
}

// Text flattens the message's text parts into one string.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, part := range m.Parts {
		if part.Type == PartText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// Messages returns the ordered message list along the current path. Parts
// slices are copied so callers cannot mutate version content through the
// view.
func (t *Tree) Messages() []Message {
	messages := make([]Message, 0, len(t.currentPath))

	for _, id := range t.currentPath {
		branch, ok := t.branches[id]
		if !ok {
			continue
		}
		version := branch.ActiveVersion()
		if version == nil {
			continue
		}

		parts := make([]Part, len(version.Parts))
		copy(parts, version.Parts)

		messages = append(messages, Message{
			BranchID:            id,
			Role:                branch.Role,
			Parts:               parts,
			VersionIndex:        branch.CurrentVersionIndex,
			VersionCount:        len(branch.Versions),
			Aborted:             version.Metadata.Aborted,
			ReasoningVisibility: version.Metadata.ReasoningVisibility,
			ReasoningSummary:    version.Metadata.ReasoningSummary,
			FinishReason:        version.Metadata.FinishReason,
			Model:               version.Metadata.Model,
		})
	}

	return messages
}
