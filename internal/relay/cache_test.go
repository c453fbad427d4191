package relay

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestStateCache_MergeAddsFields(t *testing.T) {
	c := NewStateCache()
	require.NoError(t, c.Merge(json.RawMessage(`{"a":1}`)))
	require.NoError(t, c.Merge(json.RawMessage(`{"b":2}`)))

	snap := c.Snapshot()
	assert.Len(t, snap, 2)
	assert.JSONEq(t, `1`, string(snap["a"]))
	assert.JSONEq(t, `2`, string(snap["b"]))
}

func TestStateCache_LastWriteWins(t *testing.T) {
	c := NewStateCache()
	require.NoError(t, c.Merge(json.RawMessage(`{"a":1}`)))
	require.NoError(t, c.Merge(json.RawMessage(`{"a":2}`)))

	snap := c.Snapshot()
	assert.Len(t, snap, 1)
	assert.JSONEq(t, `2`, string(snap["a"]))
}

func TestStateCache_NestedObjectsAreReplaced(t *testing.T) {
	c := NewStateCache()
	require.NoError(t, c.Merge(json.RawMessage(`{"grid":{"w":10,"h":10}}`)))
	require.NoError(t, c.Merge(json.RawMessage(`{"grid":{"w":25}}`)))
	assert.JSONEq(t, `{"w":25}`, string(c.Snapshot()["grid"]))
}

func TestStateCache_NullAndAbsentAreNoOps(t *testing.T) {
	c := NewStateCache()
	require.NoError(t, c.Merge(json.RawMessage(`{"a":1}`)))
	require.NoError(t, c.Merge(nil))
	require.NoError(t, c.Merge(json.RawMessage(`null`)))
	assert.Equal(t, 1, c.Len())
}

func TestStateCache_RejectsNonObjects(t *testing.T) {
	c := NewStateCache()
	require.NoError(t, c.Merge(json.RawMessage(`{"a":1}`)))
	for _, raw := range []string{`[1,2]`, `"text"`, `42`, `true`} {
		err := c.Merge(json.RawMessage(raw))
		assert.ErrorIs(t, err, ErrNotObject, raw)
	}
	assert.Equal(t, 1, c.Len())
}

func TestStateCache_SnapshotIsACopy(t *testing.T) {
	c := NewStateCache()
	require.NoError(t, c.Merge(json.RawMessage(`{"a":1}`)))
	snap := c.Snapshot()
	snap["b"] = json.RawMessage(`2`)
	assert.Equal(t, 1, c.Len())
}

func TestStateCache_EmptySnapshotIsNonNil(t *testing.T) {
	snap := NewStateCache().Snapshot()
	require.NotNil(t, snap)
	b, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(b))
}

func TestProperty_StateCache_MergeMatchesMapOverwrite(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		keys := rapid.SampledFrom([]string{"a", "b", "c", "d", "e"})
		updates := rapid.SliceOfN(rapid.MapOfN(keys, rapid.IntRange(-100, 100), 0, 5), 0, 10).Draw(rt, "updates")

		c := NewStateCache()
		want := map[string]int{}
		for _, u := range updates {
			b, err := json.Marshal(u)
			if err != nil {
				rt.Fatalf("marshal: %v", err)
			}
			if err := c.Merge(b); err != nil {
				rt.Fatalf("merge: %v", err)
			}
			for k, v := range u {
				want[k] = v
			}
		}

		snap := c.Snapshot()
		if len(snap) != len(want) {
			rt.Fatalf("cache has %d fields, want %d", len(snap), len(want))
		}
		for k, v := range want {
			if got := string(snap[k]); got != fmt.Sprint(v) {
				rt.Fatalf("field %s = %s, want %d", k, got, v)
			}
		}
	})
}
