// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tree

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

// textParts is a shorthand for a single-text-part version body.
func textParts(text string) []Part {
	return []Part{{Type: PartText, Text: text}}
}

// buildChain creates a linear user/assistant chain and returns the ids in
// order.
func buildChain(t *testing.T, tr *Tree, texts ...string) []string {
	t.Helper()
	var ids []string
	parent := ""
	for i, text := range texts {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		id, err := tr.AddBranch(parent, role, textParts(text))
		if err != nil {
			t.Fatalf("AddBranch(%q) failed: %v", text, err)
		}
		ids = append(ids, id)
		parent = id
	}
	return ids
}

// =============================================================================
// BASIC OPERATIONS
// =============================================================================

func TestAddBranch_BuildsPath(t *testing.T) {
	tr := New()
	ids := buildChain(t, tr, "q1", "a1", "q2")

	path := tr.CurrentPath()
	if len(path) != 3 {
		t.Fatalf("path length = %d, want 3", len(path))
	}
	for i, id := range ids {
		if path[i] != id {
			t.Errorf("path[%d] = %q, want %q", i, path[i], id)
		}
	}
	if err := tr.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestAddBranch_UnknownParent(t *testing.T) {
	tr := New()
	if _, err := tr.AddBranch("nope", RoleUser, nil); !errors.Is(err, ErrParentNotFound) {
		t.Errorf("err = %v, want ErrParentNotFound", err)
	}
}

func TestAddVersion_AppendsAndActivates(t *testing.T) {
	tr := New()
	ids := buildChain(t, tr, "q1", "a1")

	if err := tr.AddVersion(ids[1], textParts("a1 take two")); err != nil {
		t.Fatalf("AddVersion failed: %v", err)
	}

	branch, _ := tr.Branch(ids[1])
	if len(branch.Versions) != 2 {
		t.Fatalf("versions = %d, want 2", len(branch.Versions))
	}
	if branch.CurrentVersionIndex != 1 {
		t.Errorf("CurrentVersionIndex = %d, want 1", branch.CurrentVersionIndex)
	}
	// History survives.
	if branch.Versions[0].Parts[0].Text != "a1" {
		t.Errorf("prior version rewritten: %q", branch.Versions[0].Parts[0].Text)
	}
}

func TestSwitchVersion_OutOfRangeIsNoOp(t *testing.T) {
	tr := New()
	ids := buildChain(t, tr, "q1", "a1")
	_ = tr.AddVersion(ids[1], textParts("v2"))

	for _, index := range []int{-1, 2, 99} {
		tr.SwitchVersion(ids[1], index)
		branch, _ := tr.Branch(ids[1])
		if branch.CurrentVersionIndex != 1 {
			t.Errorf("SwitchVersion(%d) mutated cursor to %d", index, branch.CurrentVersionIndex)
		}
	}

	tr.SwitchVersion(ids[1], 0)
	branch, _ := tr.Branch(ids[1])
	if branch.CurrentVersionIndex != 0 {
		t.Errorf("SwitchVersion(0) did not apply")
	}
}

func TestPatchMetadata_LeavesPartsAlone(t *testing.T) {
	tr := New()
	ids := buildChain(t, tr, "q1", "a1")

	err := tr.PatchMetadata(ids[1], func(m *Metadata) {
		m.Model = "openai/gpt-4o"
		m.Aborted = true
	})
	if err != nil {
		t.Fatalf("PatchMetadata failed: %v", err)
	}

	branch, _ := tr.Branch(ids[1])
	version := branch.ActiveVersion()
	if version.Metadata.Model != "openai/gpt-4o" || !version.Metadata.Aborted {
		t.Errorf("metadata = %+v", version.Metadata)
	}
	if version.Parts[0].Text != "a1" {
		t.Errorf("parts mutated: %q", version.Parts[0].Text)
	}
}

func TestAppendText_MergesTrailingPart(t *testing.T) {
	tr := New()
	ids := buildChain(t, tr, "q1")
	aid, _ := tr.AddBranch(ids[0], RoleAssistant, nil)

	for _, piece := range []string{"Hel", "lo", " world"} {
		if err := tr.AppendText(aid, piece); err != nil {
			t.Fatalf("AppendText failed: %v", err)
		}
	}

	branch, _ := tr.Branch(aid)
	version := branch.ActiveVersion()
	if len(version.Parts) != 1 {
		t.Fatalf("parts = %d, want 1 merged text part", len(version.Parts))
	}
	if version.Parts[0].Text != "Hello world" {
		t.Errorf("text = %q, want %q", version.Parts[0].Text, "Hello world")
	}
}

func TestMergeToolCall_AccumulatesByIndex(t *testing.T) {
	tr := New()
	ids := buildChain(t, tr, "q1")
	aid, _ := tr.AddBranch(ids[0], RoleAssistant, nil)

	_ = tr.MergeToolCall(aid, 0, "call_1", "search", `{"q":`)
	_ = tr.MergeToolCall(aid, 0, "", "", `"go"}`)
	_ = tr.MergeToolCall(aid, 1, "call_2", "fetch", `{}`)

	branch, _ := tr.Branch(aid)
	version := branch.ActiveVersion()
	if len(version.Parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(version.Parts))
	}
	first := version.Parts[0].ToolCall
	if first.Name != "search" || first.Arguments != `{"q":"go"}` {
		t.Errorf("first call = %+v", first)
	}
	second := version.Parts[1].ToolCall
	if second.CallID != "call_2" {
		t.Errorf("second call = %+v", second)
	}
}

// =============================================================================
// REASONING DETAILS: APPEND-ONLY
// =============================================================================

func TestAppendReasoningDetail_AppendOnlyInArrivalOrder(t *testing.T) {
	tr := New()
	ids := buildChain(t, tr, "q1")
	aid, _ := tr.AddBranch(ids[0], RoleAssistant, nil)

	details := []string{
		`{"type":"reasoning.text","text":"step 1"}`,
		`{"unknown_shape":true}`,
		`{"type":"reasoning.encrypted","data":"opaque"}`,
	}
	for _, d := range details {
		if err := tr.AppendReasoningDetail(aid, json.RawMessage(d)); err != nil {
			t.Fatalf("AppendReasoningDetail failed: %v", err)
		}
	}

	branch, _ := tr.Branch(aid)
	raw := branch.ActiveVersion().Metadata.ReasoningDetailsRaw
	if len(raw) != len(details) {
		t.Fatalf("len = %d, want %d", len(raw), len(details))
	}
	for i, d := range details {
		if string(raw[i]) != d {
			t.Errorf("raw[%d] = %s, want %s (entries must keep arrival order and exact bytes)", i, raw[i], d)
		}
	}
}

// =============================================================================
// DELETION AND FOCUS
// =============================================================================

func TestDeleteBranch_TailPrefersNextSibling(t *testing.T) {
	tr := New()
	ids := buildChain(t, tr, "q1")
	a1, _ := tr.AddBranch(ids[0], RoleAssistant, textParts("first"))
	a2, _ := tr.AddBranch(ids[0], RoleAssistant, textParts("second"))
	a3, _ := tr.AddBranch(ids[0], RoleAssistant, textParts("third"))

	// Display the middle sibling, then delete it.
	if err := tr.RebuildCurrentPath(a2); err != nil {
		t.Fatalf("RebuildCurrentPath failed: %v", err)
	}
	if err := tr.DeleteBranch(a2, true); err != nil {
		t.Fatalf("DeleteBranch failed: %v", err)
	}

	if tr.PathTail() != a3 {
		t.Errorf("focus = %q, want next sibling %q", tr.PathTail(), a3)
	}
	if err := tr.Validate(); err != nil {
		t.Errorf("Validate failed after delete: %v", err)
	}
	_ = a1
}

func TestDeleteBranch_FallsBackToPreviousSibling(t *testing.T) {
	tr := New()
	ids := buildChain(t, tr, "q1")
	a1, _ := tr.AddBranch(ids[0], RoleAssistant, textParts("first"))
	a2, _ := tr.AddBranch(ids[0], RoleAssistant, textParts("last"))

	if err := tr.DeleteBranch(a2, true); err != nil {
		t.Fatalf("DeleteBranch failed: %v", err)
	}
	if tr.PathTail() != a1 {
		t.Errorf("focus = %q, want previous sibling %q", tr.PathTail(), a1)
	}
}

func TestDeleteBranch_OnlyChildFocusesParent(t *testing.T) {
	tr := New()
	ids := buildChain(t, tr, "q1", "a1")

	if err := tr.DeleteBranch(ids[1], true); err != nil {
		t.Fatalf("DeleteBranch failed: %v", err)
	}
	if tr.PathTail() != ids[0] {
		t.Errorf("focus = %q, want parent %q", tr.PathTail(), ids[0])
	}
}

func TestDeleteBranch_CascadesToDescendants(t *testing.T) {
	tr := New()
	ids := buildChain(t, tr, "q1", "a1", "q2", "a2")

	if err := tr.DeleteBranch(ids[1], true); err != nil {
		t.Fatalf("DeleteBranch failed: %v", err)
	}

	for _, id := range ids[1:] {
		if _, ok := tr.Branch(id); ok {
			t.Errorf("descendant %q survived cascade", id)
		}
	}
	if tr.Len() != 1 {
		t.Errorf("branches = %d, want 1", tr.Len())
	}
	if err := tr.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestDeleteBranch_CurrentVersionOnly(t *testing.T) {
	tr := New()
	ids := buildChain(t, tr, "q1", "a1")
	_ = tr.AddVersion(ids[1], textParts("take two"))

	if err := tr.DeleteBranch(ids[1], false); err != nil {
		t.Fatalf("DeleteBranch failed: %v", err)
	}

	branch, ok := tr.Branch(ids[1])
	if !ok {
		t.Fatal("branch with remaining versions was removed")
	}
	if len(branch.Versions) != 1 {
		t.Fatalf("versions = %d, want 1", len(branch.Versions))
	}
	if branch.ActiveVersion().Parts[0].Text != "a1" {
		t.Errorf("surviving version = %q, want the first take", branch.ActiveVersion().Parts[0].Text)
	}
}

func TestDeleteBranch_LastVersionReparentsChildren(t *testing.T) {
	tr := New()
	ids := buildChain(t, tr, "q1", "a1", "q2", "a2")

	// a1 has a single version, so a non-cascade delete removes the branch
	// itself but its descendants must survive under q1.
	if err := tr.DeleteBranch(ids[1], false); err != nil {
		t.Fatalf("DeleteBranch failed: %v", err)
	}

	if _, ok := tr.Branch(ids[1]); ok {
		t.Fatal("deleted branch still present")
	}
	child, ok := tr.Branch(ids[2])
	if !ok {
		t.Fatal("descendant destroyed by non-cascade delete")
	}
	if child.ParentID != ids[0] {
		t.Errorf("child parent = %q, want %q", child.ParentID, ids[0])
	}
	parent, _ := tr.Branch(ids[0])
	if len(parent.ChildIDs) != 1 || parent.ChildIDs[0] != ids[2] {
		t.Errorf("parent children = %v, want [%s]", parent.ChildIDs, ids[2])
	}

	path := tr.CurrentPath()
	want := []string{ids[0], ids[2], ids[3]}
	if len(path) != len(want) {
		t.Fatalf("path = %v, want %v", path, want)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Errorf("path[%d] = %q, want %q", i, path[i], want[i])
		}
	}
	if err := tr.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestDeleteBranch_ReparentKeepsSiblingOrder(t *testing.T) {
	tr := New()
	ids := buildChain(t, tr, "q1")
	first, _ := tr.AddBranch(ids[0], RoleAssistant, textParts("first"))
	mid, _ := tr.AddBranch(ids[0], RoleAssistant, textParts("mid"))
	last, _ := tr.AddBranch(ids[0], RoleAssistant, textParts("last"))
	m1, _ := tr.AddBranch(mid, RoleUser, textParts("m1"))
	m2, _ := tr.AddBranch(mid, RoleUser, textParts("m2"))

	if err := tr.DeleteBranch(mid, false); err != nil {
		t.Fatalf("DeleteBranch failed: %v", err)
	}

	parent, _ := tr.Branch(ids[0])
	want := []string{first, m1, m2, last}
	if len(parent.ChildIDs) != len(want) {
		t.Fatalf("children = %v, want %v", parent.ChildIDs, want)
	}
	for i := range want {
		if parent.ChildIDs[i] != want[i] {
			t.Errorf("children[%d] = %q, want %q", i, parent.ChildIDs[i], want[i])
		}
	}
	for _, id := range []string{m1, m2} {
		child, ok := tr.Branch(id)
		if !ok {
			t.Fatalf("reparented child %q missing", id)
		}
		if child.ParentID != ids[0] {
			t.Errorf("child %q parent = %q, want %q", id, child.ParentID, ids[0])
		}
	}
	if err := tr.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestDeleteBranch_LastRootEmptiesPath(t *testing.T) {
	tr := New()
	ids := buildChain(t, tr, "q1", "a1")

	if err := tr.DeleteBranch(ids[0], true); err != nil {
		t.Fatalf("DeleteBranch failed: %v", err)
	}
	if tr.Len() != 0 {
		t.Errorf("branches = %d, want 0", tr.Len())
	}
	if len(tr.CurrentPath()) != 0 {
		t.Errorf("currentPath = %v, want empty", tr.CurrentPath())
	}
}

func TestDeleteBranch_TailAlwaysLeavesValidPath(t *testing.T) {
	// Repeatedly delete the displayed tail of a bushy tree; the path must be
	// fully valid after every deletion.
	tr := New()
	root, _ := tr.AddBranch("", RoleUser, textParts("root"))
	parent := root
	for i := 0; i < 4; i++ {
		a, _ := tr.AddBranch(parent, RoleAssistant, textParts(fmt.Sprintf("a%d", i)))
		_, _ = tr.AddBranch(parent, RoleAssistant, textParts(fmt.Sprintf("alt%d", i)))
		u, _ := tr.AddBranch(a, RoleUser, textParts(fmt.Sprintf("q%d", i)))
		parent = u
	}

	for tr.Len() > 0 {
		tail := tr.PathTail()
		if tail == "" {
			// Path may legitimately be empty only when the tree is empty.
			t.Fatalf("empty path with %d branches remaining", tr.Len())
		}
		if err := tr.DeleteBranch(tail, true); err != nil {
			t.Fatalf("DeleteBranch(%q) failed: %v", tail, err)
		}
		if err := tr.Validate(); err != nil {
			t.Fatalf("invalid tree after deleting %q: %v", tail, err)
		}
		for _, id := range tr.CurrentPath() {
			if _, ok := tr.Branch(id); !ok {
				t.Fatalf("dangling id %q on current path", id)
			}
		}
	}
}

// =============================================================================
// VIEWS
// =============================================================================

func TestMessages_FollowsCurrentPath(t *testing.T) {
	tr := New()
	ids := buildChain(t, tr, "q1", "a1", "q2")
	_ = tr.AddVersion(ids[1], textParts("a1 edited"))

	messages := tr.Messages()
	if len(messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(messages))
	}
	if messages[1].Text() != "a1 edited" {
		t.Errorf("active version text = %q, want the edit", messages[1].Text())
	}
	if messages[1].VersionIndex != 1 || messages[1].VersionCount != 2 {
		t.Errorf("version cursor = %d/%d, want 1/2", messages[1].VersionIndex, messages[1].VersionCount)
	}
	if messages[0].Role != RoleUser || messages[1].Role != RoleAssistant {
		t.Errorf("roles = %v, %v", messages[0].Role, messages[1].Role)
	}
}

func TestMessages_CopiesParts(t *testing.T) {
	tr := New()
	buildChain(t, tr, "q1")

	messages := tr.Messages()
	messages[0].Parts[0].Text = "tampered"

	if tr.Messages()[0].Text() != "q1" {
		t.Error("view mutation reached tree content")
	}
}
