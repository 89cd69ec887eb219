// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tree

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// =============================================================================
// SERIALIZATION
// =============================================================================

// ErrBadEncoding indicates snapshot bytes that match no supported tree
// encoding.
var ErrBadEncoding = errors.New("unrecognized tree encoding")

// BranchPair is one [branchId, branchData] element of the serialized branch
// list. The pair encoding (rather than a JSON object keyed by id) keeps the
// branch order explicit on the wire.
type BranchPair struct {
	ID     string
	Branch Branch
}

// MarshalJSON encodes the pair as a two-element array.
func (p BranchPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.ID, p.Branch})
}

// UnmarshalJSON decodes a two-element array.
func (p *BranchPair) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("branch pair has %d elements, want 2", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.ID); err != nil {
		return fmt.Errorf("branch pair id: %w", err)
	}
	if err := json.Unmarshal(raw[1], &p.Branch); err != nil {
		return fmt.Errorf("branch pair data: %w", err)
	}
	return nil
}

// Snapshot is the storage/transport encoding of a tree.
type Snapshot struct {
	Branches    []BranchPair `json:"branches"`
	RootIDs     []string     `json:"roots,omitempty"`
	CurrentPath []string     `json:"current_path,omitempty"`
}

// legacySnapshot tolerates the alternate historical encoding where branches
// were a map keyed by id instead of a pair list.
type legacySnapshot struct {
	Branches    map[string]Branch `json:"branches"`
	RootIDs     []string          `json:"roots"`
	CurrentPath []string          `json:"current_path"`
}

// Serialize converts the tree to its snapshot encoding. The source tree is
// not mutated, and serializing the same tree twice yields identical bytes:
// branches are emitted in a deterministic depth-first order from the roots.
func (t *Tree) Serialize() ([]byte, error) {
	snapshot := Snapshot{
		RootIDs:     t.RootIDs(),
		CurrentPath: t.CurrentPath(),
	}

	emitted := make(map[string]bool, len(t.branches))
	var emit func(id string)
	emit = func(id string) {
		branch, ok := t.branches[id]
		if !ok || emitted[id] {
			return
		}
		emitted[id] = true
		snapshot.Branches = append(snapshot.Branches, BranchPair{ID: id, Branch: *branch})
		for _, child := range branch.ChildIDs {
			emit(child)
		}
	}
	for _, root := range t.rootIDs {
		emit(root)
	}

	// Orphans should not exist, but serialization must never lose data:
	// anything unreachable is appended in sorted-id order.
	if len(emitted) < len(t.branches) {
		var orphans []string
		for id := range t.branches {
			if !emitted[id] {
				orphans = append(orphans, id)
			}
		}
		sort.Strings(orphans)
		for _, id := range orphans {
			emit(id)
		}
	}

	return json.Marshal(snapshot)
}

// Deserialize reconstructs a tree from snapshot bytes. Both the pair-list
// encoding and the legacy map encoding are accepted. The input bytes are not
// retained.
func Deserialize(data []byte) (*Tree, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err == nil {
		return fromSnapshot(&snapshot), nil
	}

	var legacy legacySnapshot
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}

	converted := Snapshot{
		RootIDs:     legacy.RootIDs,
		CurrentPath: legacy.CurrentPath,
	}
	var ids []string
	for id := range legacy.Branches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		converted.Branches = append(converted.Branches, BranchPair{ID: id, Branch: legacy.Branches[id]})
	}
	return fromSnapshot(&converted), nil
}

// fromSnapshot builds the arena from a decoded snapshot, reconstructing the
// root set and a valid currentPath when the snapshot omits or corrupts them.
func fromSnapshot(snapshot *Snapshot) *Tree {
	t := New()

	for _, pair := range snapshot.Branches {
		branch := pair.Branch
		branch.ID = pair.ID
		if len(branch.Versions) > 0 &&
			(branch.CurrentVersionIndex < 0 || branch.CurrentVersionIndex >= len(branch.Versions)) {
			branch.CurrentVersionIndex = len(branch.Versions) - 1
		}
		t.branches[pair.ID] = &branch
	}

	for _, id := range snapshot.RootIDs {
		if _, ok := t.branches[id]; ok {
			t.rootIDs = append(t.rootIDs, id)
		}
	}
	if len(t.rootIDs) == 0 {
		// Roots were absent from the snapshot: derive them in branch order.
		for _, pair := range snapshot.Branches {
			if t.branches[pair.ID].ParentID == "" {
				t.rootIDs = append(t.rootIDs, pair.ID)
			}
		}
	}

	t.currentPath = validPath(t, snapshot.CurrentPath)
	if t.currentPath == nil && len(t.rootIDs) > 0 {
		// Fall back to the first root's chain.
		_ = t.RebuildCurrentPath(t.rootIDs[0])
	}

	return t
}

// validPath returns path if it is a contiguous root-to-leaf-or-shorter chain
// of existing branches, else nil.
func validPath(t *Tree, path []string) []string {
	if len(path) == 0 {
		return nil
	}
	for i, id := range path {
		branch, ok := t.branches[id]
		if !ok {
			return nil
		}
		if i == 0 {
			if branch.ParentID != "" {
				return nil
			}
		} else if branch.ParentID != path[i-1] {
			return nil
		}
	}
	out := make([]string, len(path))
	copy(out, path)
	return out
}
