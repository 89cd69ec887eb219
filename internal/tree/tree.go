// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tree implements the branching conversation tree: a multi-version
// message history with stable navigation under edits, regenerations, and
// deletions.
//
// The tree is a flat arena: an id-to-Branch map with explicit parent/child id
// fields rather than native object references, so deletion and serialization
// are linear in affected-subtree size and trivially cycle-free to validate.
package tree

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrBranchNotFound indicates the branch id does not exist in the tree.
	ErrBranchNotFound = errors.New("branch not found")

	// ErrParentNotFound indicates the parent id for a new branch is unknown.
	ErrParentNotFound = errors.New("parent branch not found")

	// ErrNoVersions indicates a branch has no versions to operate on.
	ErrNoVersions = errors.New("branch has no versions")
)

// =============================================================================
// DATA MODEL
// =============================================================================

// Role identifies which side of the conversation a branch belongs to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType classifies a content part.
type PartType string

const (
	PartText     PartType = "text"
	PartImage    PartType = "image"
	PartToolCall PartType = "tool_call"
)

// Part is one block of version content.
type Part struct {
	Type     PartType  `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL string    `json:"image_url,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
}

// ToolCall is an assistant-emitted tool invocation. Arguments accumulate as
// string fragments during streaming.
type ToolCall struct {
	Index     int    `json:"index"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Usage holds token accounting attached to a version's metadata.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Metadata is the per-version metadata bag.
type Metadata struct {
	Usage *Usage `json:"usage,omitempty"`

	// ReasoningDetailsRaw is strictly append-only: entries are never
	// reordered, merged, or rewritten once appended. Context re-injection
	// depends on the exact original sequence.
	ReasoningDetailsRaw []json.RawMessage `json:"reasoning_details_raw,omitempty"`

	// ReasoningSummary is derived display text rebuilt from the raw
	// sequence. Disposable; never the source of truth.
	ReasoningSummary string `json:"reasoning_summary,omitempty"`

	// ReasoningStreaming buffers reasoning text while a run is live.
	ReasoningStreaming string `json:"reasoning_streaming,omitempty"`

	// ReasoningVisibility records why reasoning is or is not shown:
	// "shown", "excluded", or "not_returned".
	ReasoningVisibility string `json:"reasoning_visibility,omitempty"`

	// Model is the concrete model that produced this version.
	Model string `json:"model,omitempty"`

	// FinishReason / NativeFinishReason record how the generation ended.
	FinishReason       string `json:"finish_reason,omitempty"`
	NativeFinishReason string `json:"native_finish_reason,omitempty"`

	// Aborted marks a version whose run was cooperatively stopped. Content
	// up to the stop point is retained, never deleted.
	Aborted bool `json:"aborted,omitempty"`
}

// Version is one concrete content revision of a branch.
type Version struct {
	Parts     []Part    `json:"parts"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}

// Branch is one node (user or assistant turn) in the conversation tree.
type Branch struct {
	ID                  string    `json:"id"`
	Role                Role      `json:"role"`
	ParentID            string    `json:"parent_id,omitempty"`
	ChildIDs            []string  `json:"child_ids,omitempty"`
	Versions            []Version `json:"versions"`
	CurrentVersionIndex int       `json:"current_version_index"`
}

// ActiveVersion returns the branch's current version, or nil when the branch
// has none.
func (b *Branch) ActiveVersion() *Version {
	if len(b.Versions) == 0 {
		return nil
	}
	if b.CurrentVersionIndex < 0 || b.CurrentVersionIndex >= len(b.Versions) {
		return &b.Versions[len(b.Versions)-1]
	}
	return &b.Versions[b.CurrentVersionIndex]
}

// Tree is the branching conversation tree store. It is not self-locking:
// the owning conversation serializes mutations (single writer per
// conversation).
type Tree struct {
	branches    map[string]*Branch
	rootIDs     []string
	currentPath []string
}

// New creates an empty tree.
func New() *Tree {
	return &Tree{branches: make(map[string]*Branch)}
}

// =============================================================================
// READ ACCESS
// =============================================================================

// Branch returns the branch with the given id. The returned pointer is owned
// by the tree; callers outside this package must treat it as read-only and
// mutate only through store operations.
func (t *Tree) Branch(id string) (*Branch, bool) {
	b, ok := t.branches[id]
	return b, ok
}

// Len returns the number of branches in the tree.
func (t *Tree) Len() int {
	return len(t.branches)
}

// RootIDs returns a copy of the root branch ids.
func (t *Tree) RootIDs() []string {
	out := make([]string, len(t.rootIDs))
	copy(out, t.rootIDs)
	return out
}

// CurrentPath returns a copy of the root-to-leaf chain of branch ids that
// defines what is currently displayed.
func (t *Tree) CurrentPath() []string {
	out := make([]string, len(t.currentPath))
	copy(out, t.currentPath)
	return out
}

// PathTail returns the id of the currently displayed leaf, or "".
func (t *Tree) PathTail() string {
	if len(t.currentPath) == 0 {
		return ""
	}
	return t.currentPath[len(t.currentPath)-1]
}

// =============================================================================
// MUTATION API
// =============================================================================

// AddBranch creates a new branch under parentID (or a new root when parentID
// is empty) with one initial version, makes it the displayed leaf, and
// returns its id.
func (t *Tree) AddBranch(parentID string, role Role, initialParts []Part) (string, error) {
	if parentID != "" {
		if _, ok := t.branches[parentID]; !ok {
			return "", ErrParentNotFound
		}
	}

	id := uuid.NewString()
	branch := &Branch{
		ID:       id,
		Role:     role,
		ParentID: parentID,
		Versions: []Version{{
			Parts:     initialParts,
			CreatedAt: time.Now(),
		}},
	}
	t.branches[id] = branch

	if parentID == "" {
		t.rootIDs = append(t.rootIDs, id)
	} else {
		parent := t.branches[parentID]
		parent.ChildIDs = append(parent.ChildIDs, id)
	}

	return id, t.RebuildCurrentPath(id)
}

// AddVersion appends a new version to a branch and makes it current. Prior
// versions are never deleted; edit and regenerate both land here.
func (t *Tree) AddVersion(branchID string, parts []Part) error {
	branch, ok := t.branches[branchID]
	if !ok {
		return ErrBranchNotFound
	}

	branch.Versions = append(branch.Versions, Version{
		Parts:     parts,
		CreatedAt: time.Now(),
	})
	branch.CurrentVersionIndex = len(branch.Versions) - 1
	return nil
}

// SwitchVersion changes a branch's current version. An out-of-range index is
// a documented no-op.
func (t *Tree) SwitchVersion(branchID string, index int) {
	branch, ok := t.branches[branchID]
	if !ok {
		return
	}
	if index < 0 || index >= len(branch.Versions) {
		return
	}
	branch.CurrentVersionIndex = index
}

// PatchMetadata applies an update to the active version's metadata bag
// without touching content parts.
func (t *Tree) PatchMetadata(branchID string, patch func(*Metadata)) error {
	branch, ok := t.branches[branchID]
	if !ok {
		return ErrBranchNotFound
	}
	version := branch.ActiveVersion()
	if version == nil {
		return ErrNoVersions
	}
	patch(&version.Metadata)
	return nil
}

// AppendText appends streamed text to the active version, merging into a
// trailing text part when one exists.
func (t *Tree) AppendText(branchID, text string) error {
	branch, ok := t.branches[branchID]
	if !ok {
		return ErrBranchNotFound
	}
	version := branch.ActiveVersion()
	if version == nil {
		return ErrNoVersions
	}

	if n := len(version.Parts); n > 0 && version.Parts[n-1].Type == PartText {
		version.Parts[n-1].Text += text
		return nil
	}
	version.Parts = append(version.Parts, Part{Type: PartText, Text: text})
	return nil
}

// MergeToolCall folds a streamed tool-call fragment into the active version.
// Fragments with the same index concatenate their argument text.
func (t *Tree) MergeToolCall(branchID string, index int, callID, name, arguments string) error {
	branch, ok := t.branches[branchID]
	if !ok {
		return ErrBranchNotFound
	}
	version := branch.ActiveVersion()
	if version == nil {
		return ErrNoVersions
	}

	for i := range version.Parts {
		part := &version.Parts[i]
		if part.Type != PartToolCall || part.ToolCall == nil || part.ToolCall.Index != index {
			continue
		}
		if callID != "" {
			part.ToolCall.CallID = callID
		}
		if name != "" {
			part.ToolCall.Name = name
		}
		part.ToolCall.Arguments += arguments
		return nil
	}

	version.Parts = append(version.Parts, Part{
		Type: PartToolCall,
		ToolCall: &ToolCall{
			Index:     index,
			CallID:    callID,
			Name:      name,
			Arguments: arguments,
		},
	})
	return nil
}

// AppendReasoningDetail pushes one raw reasoning detail entry onto the active
// version in arrival order. Append-only: nothing already present is touched.
func (t *Tree) AppendReasoningDetail(branchID string, detail json.RawMessage) error {
	branch, ok := t.branches[branchID]
	if !ok {
		return ErrBranchNotFound
	}
	version := branch.ActiveVersion()
	if version == nil {
		return ErrNoVersions
	}

	entry := make(json.RawMessage, len(detail))
	copy(entry, detail)
	version.Metadata.ReasoningDetailsRaw = append(version.Metadata.ReasoningDetailsRaw, entry)
	return nil
}

// =============================================================================
// DELETION
// =============================================================================

// DeleteBranch removes a branch. With cascadeAllVersions the whole branch
// and its descendant subtree are removed. Without it, a branch holding more
// than one version only drops its current version (descendants and history
// stay); a branch down to its last version is removed alone and its children
// are spliced into the parent's child list where the branch stood.
//
// Structural removal is two-phase by contract: the next-focus candidate is
// computed before any mutation, since looking it up afterward risks
// referencing an id that no longer exists. Then the structure changes, then
// currentPath is rebuilt from the chosen focus with every link validated.
func (t *Tree) DeleteBranch(branchID string, cascadeAllVersions bool) error {
	branch, ok := t.branches[branchID]
	if !ok {
		return ErrBranchNotFound
	}

	if !cascadeAllVersions {
		if len(branch.Versions) > 1 {
			idx := branch.CurrentVersionIndex
			branch.Versions = append(branch.Versions[:idx], branch.Versions[idx+1:]...)
			if branch.CurrentVersionIndex >= len(branch.Versions) {
				branch.CurrentVersionIndex = len(branch.Versions) - 1
			}
			return nil
		}
		return t.deleteReparenting(branch)
	}

	// Phase 1: pick the focus candidate while all links are still intact.
	focus := t.nextFocus(branchID)

	// Phase 2: unlink from the parent (or root set) and drop the subtree.
	if branch.ParentID == "" {
		t.rootIDs = removeID(t.rootIDs, branchID)
	} else if parent, ok := t.branches[branch.ParentID]; ok {
		parent.ChildIDs = removeID(parent.ChildIDs, branchID)
	}
	t.removeSubtree(branchID)

	// Phase 3: rebuild the displayed path from the surviving focus branch.
	if focus == "" {
		t.currentPath = nil
		return nil
	}
	return t.RebuildCurrentPath(focus)
}

// deleteReparenting removes a single branch and attaches its children to the
// branch's parent, keeping their position in the sibling order. The focus
// lands on the child that was already displayed, else the first child, else
// the usual sibling fallback.
func (t *Tree) deleteReparenting(branch *Branch) error {
	focus := ""
	for _, child := range branch.ChildIDs {
		for _, id := range t.currentPath {
			if id == child {
				focus = child
				break
			}
		}
		if focus != "" {
			break
		}
	}
	if focus == "" && len(branch.ChildIDs) > 0 {
		focus = branch.ChildIDs[0]
	}
	if focus == "" {
		focus = t.nextFocus(branch.ID)
	}

	if branch.ParentID == "" {
		t.rootIDs = spliceIDs(t.rootIDs, branch.ID, branch.ChildIDs)
	} else if parent, ok := t.branches[branch.ParentID]; ok {
		parent.ChildIDs = spliceIDs(parent.ChildIDs, branch.ID, branch.ChildIDs)
	}
	for _, id := range branch.ChildIDs {
		if child, ok := t.branches[id]; ok {
			child.ParentID = branch.ParentID
		}
	}
	delete(t.branches, branch.ID)

	if focus == "" {
		t.currentPath = nil
		return nil
	}
	return t.RebuildCurrentPath(focus)
}

// nextFocus chooses where the display should land after branchID is removed:
// the next sibling, else the previous sibling, else the parent, else any
// other root.
func (t *Tree) nextFocus(branchID string) string {
	branch := t.branches[branchID]

	siblings := t.rootIDs
	if branch.ParentID != "" {
		if parent, ok := t.branches[branch.ParentID]; ok {
			siblings = parent.ChildIDs
		}
	}

	for i, id := range siblings {
		if id != branchID {
			continue
		}
		if i+1 < len(siblings) {
			return siblings[i+1]
		}
		if i > 0 {
			return siblings[i-1]
		}
		break
	}

	if branch.ParentID != "" {
		return branch.ParentID
	}
	for _, id := range t.rootIDs {
		if id != branchID {
			return id
		}
	}
	return ""
}

// removeSubtree deletes branchID and all descendants from the arena.
func (t *Tree) removeSubtree(branchID string) {
	branch, ok := t.branches[branchID]
	if !ok {
		return
	}
	for _, child := range branch.ChildIDs {
		t.removeSubtree(child)
	}
	delete(t.branches, branchID)
}

// removeID drops one id from a slice, preserving order.
func removeID(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// spliceIDs replaces one id in a slice with a run of replacement ids,
// preserving order.
func spliceIDs(ids []string, id string, replacement []string) []string {
	for i, candidate := range ids {
		if candidate == id {
			out := make([]string, 0, len(ids)-1+len(replacement))
			out = append(out, ids[:i]...)
			out = append(out, replacement...)
			out = append(out, ids[i+1:]...)
			return out
		}
	}
	return ids
}

// =============================================================================
// PATH REBUILDING
// =============================================================================

// RebuildCurrentPath recomputes currentPath by walking from focusID up to its
// root and back down to a leaf. Every link is validated against the arena;
// a broken link fails with ErrBranchNotFound rather than producing a path
// with dangling ids.
//
// On the way down, a child that was already on the previous path is preferred
// (keeping the user's place); otherwise the most recently added child wins.
func (t *Tree) RebuildCurrentPath(focusID string) error {
	focus, ok := t.branches[focusID]
	if !ok {
		return ErrBranchNotFound
	}

	previous := make(map[string]bool, len(t.currentPath))
	for _, id := range t.currentPath {
		previous[id] = true
	}

	// Walk up to the root.
	var upward []string
	for current := focus; ; {
		upward = append(upward, current.ID)
		if current.ParentID == "" {
			break
		}
		parent, ok := t.branches[current.ParentID]
		if !ok {
			return ErrBranchNotFound
		}
		current = parent
	}

	// Reverse into root-first order.
	path := make([]string, 0, len(upward))
	for i := len(upward) - 1; i >= 0; i-- {
		path = append(path, upward[i])
	}

	// Walk down to a leaf.
	current := focus
	for len(current.ChildIDs) > 0 {
		nextID := current.ChildIDs[len(current.ChildIDs)-1]
		for _, childID := range current.ChildIDs {
			if previous[childID] {
				nextID = childID
				break
			}
		}
		child, ok := t.branches[nextID]
		if !ok {
			return ErrBranchNotFound
		}
		path = append(path, nextID)
		current = child
	}

	t.currentPath = path
	return nil
}

// Validate checks structural invariants: every id on currentPath exists and
// forms a contiguous parent/child chain from a root, and every branch's
// version cursor is in range.
func (t *Tree) Validate() error {
	for i, id := range t.currentPath {
		branch, ok := t.branches[id]
		if !ok {
			return ErrBranchNotFound
		}
		if i == 0 {
			if branch.ParentID != "" {
				return errors.New("current path does not start at a root")
			}
		} else if branch.ParentID != t.currentPath[i-1] {
			return errors.New("current path is not a contiguous chain")
		}
	}
	for _, branch := range t.branches {
		if len(branch.Versions) > 0 {
			if branch.CurrentVersionIndex < 0 || branch.CurrentVersionIndex >= len(branch.Versions) {
				return errors.New("version cursor out of range")
			}
		}
	}
	return nil
}
