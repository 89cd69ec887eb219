// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tree

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerialize_RoundTrip(t *testing.T) {
	tr := New()
	ids := buildChain(t, tr, "q1", "a1", "q2", "a2")
	_ = tr.AddVersion(ids[1], textParts("a1 regenerated"))
	_, _ = tr.AddBranch(ids[0], RoleAssistant, textParts("sibling answer"))
	_ = tr.AppendReasoningDetail(ids[3], json.RawMessage(`{"type":"reasoning.text","text":"why"}`))
	_ = tr.PatchMetadata(ids[3], func(m *Metadata) {
		m.Usage = &Usage{PromptTokens: 9, CompletionTokens: 4, TotalTokens: 13}
		m.Model = "openai/gpt-4o"
	})

	first, err := tr.Serialize()
	require.NoError(t, err)

	decoded, err := Deserialize(first)
	require.NoError(t, err)

	second, err := decoded.Serialize()
	require.NoError(t, err)

	// serialize(deserialize(serialize(tree))) == serialize(tree)
	require.True(t, bytes.Equal(first, second), "round trip is not stable:\n%s\nvs\n%s", first, second)

	// Structure survives.
	require.Equal(t, tr.Len(), decoded.Len())
	require.Equal(t, tr.CurrentPath(), decoded.CurrentPath())
	require.Equal(t, tr.RootIDs(), decoded.RootIDs())

	branch, ok := decoded.Branch(ids[3])
	require.True(t, ok)
	require.Equal(t, "openai/gpt-4o", branch.ActiveVersion().Metadata.Model)
	require.Len(t, branch.ActiveVersion().Metadata.ReasoningDetailsRaw, 1)
}

func TestSerialize_DoesNotMutateSource(t *testing.T) {
	tr := New()
	buildChain(t, tr, "q1", "a1")

	before, err := tr.Serialize()
	require.NoError(t, err)
	after, err := tr.Serialize()
	require.NoError(t, err)

	require.True(t, bytes.Equal(before, after), "serializing twice diverged")
	require.NoError(t, tr.Validate())
}

func TestDeserialize_PairEncoding(t *testing.T) {
	data := []byte(`{
		"branches": [
			["b1", {"id":"b1","role":"user","child_ids":["b2"],"versions":[{"parts":[{"type":"text","text":"hi"}]}],"current_version_index":0}],
			["b2", {"id":"b2","role":"assistant","parent_id":"b1","versions":[{"parts":[{"type":"text","text":"hello"}]}],"current_version_index":0}]
		],
		"roots": ["b1"],
		"current_path": ["b1","b2"]
	}`)

	tr, err := Deserialize(data)
	require.NoError(t, err)
	require.Equal(t, 2, tr.Len())
	require.Equal(t, []string{"b1", "b2"}, tr.CurrentPath())
	require.NoError(t, tr.Validate())
}

func TestDeserialize_LegacyMapEncoding(t *testing.T) {
	// Older snapshots stored branches as a map keyed by id.
	data := []byte(`{
		"branches": {
			"b1": {"id":"b1","role":"user","child_ids":["b2"],"versions":[{"parts":[{"type":"text","text":"hi"}]}],"current_version_index":0},
			"b2": {"id":"b2","role":"assistant","parent_id":"b1","versions":[{"parts":[{"type":"text","text":"hello"}]}],"current_version_index":0}
		},
		"roots": ["b1"],
		"current_path": ["b1","b2"]
	}`)

	tr, err := Deserialize(data)
	require.NoError(t, err)
	require.Equal(t, 2, tr.Len())
	require.Equal(t, []string{"b1", "b2"}, tr.CurrentPath())
	require.NoError(t, tr.Validate())
}

func TestDeserialize_RepairsBadCursorAndPath(t *testing.T) {
	data := []byte(`{
		"branches": [
			["b1", {"id":"b1","role":"user","versions":[{"parts":[]},{"parts":[]}],"current_version_index":7}]
		],
		"roots": ["b1"],
		"current_path": ["b1","ghost"]
	}`)

	tr, err := Deserialize(data)
	require.NoError(t, err)

	branch, ok := tr.Branch("b1")
	require.True(t, ok)
	require.Equal(t, 1, branch.CurrentVersionIndex, "out-of-range cursor clamps to the newest version")

	// The dangling path is discarded and rebuilt from the root.
	require.Equal(t, []string{"b1"}, tr.CurrentPath())
	require.NoError(t, tr.Validate())
}

func TestDeserialize_GarbageFails(t *testing.T) {
	_, err := Deserialize([]byte(`"not a tree"`))
	require.ErrorIs(t, err, ErrBadEncoding)
}
