// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package consolidate

import (
	"context"
	"testing"

	"github.com/munin-sh/munin-mcp/internal/clock"
	"github.com/munin-sh/munin-mcp/internal/model"
	"github.com/munin-sh/munin-mcp/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T) (*Consolidator, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir(), clock.NewFake(10_000))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, clock.NewFake(10_000)), st
}

func srcMem(id, content string, createdAt int64, strength float64, tags ...string) *model.Memory {
	return &model.Memory{
		ID:        id,
		Content:   content,
		Tags:      tags,
		CreatedAt: createdAt,
		LastUsed:  createdAt,
		UseCount:  1,
		Strength:  strength,
		Status:    model.StatusActive,
	}
}

func TestPreview_DeduplicateAndMerge(t *testing.T) {
	c, _ := newFixture(t)
	ctx := context.Background()

	sources := []*model.Memory{
		srcMem("m-1", "A", 100, 1.0, "x"),
		srcMem("m-2", "A", 200, 1.2, "y"),
		srcMem("m-3", "B", 300, 1.0, "x", "z"),
	}
	sources[2].LastUsed = 999

	p, err := c.Preview(ctx, sources, 0.92, StrategyDeduplicate, "")
	require.NoError(t, err)

	assert.Equal(t, "A\n\nB", p.MergedContent)
	assert.Equal(t, []string{"x", "y", "z"}, p.MergedTags)
	assert.Equal(t, int64(100), p.EarliestCreatedAt)
	assert.Equal(t, int64(999), p.LatestLastUsed)
	assert.Equal(t, []string{"m-1", "m-2", "m-3"}, p.Provenance)
	assert.Equal(t, []string{"A"}, p.Discarded)

	// strength = max_src * (1 + (0.92 - 0.75) / 0.5) = 1.2 * 1.34
	assert.InDelta(t, 1.2*1.34, p.NewStrength, 1e-9)
}

func TestPreview_StrengthCappedAtTwo(t *testing.T) {
	c, _ := newFixture(t)
	ctx := context.Background()

	p, err := c.Preview(ctx, []*model.Memory{
		srcMem("m-1", "A", 100, 1.9),
		srcMem("m-2", "B", 200, 1.9),
	}, 0.95, "", "")
	require.NoError(t, err)
	assert.Equal(t, 2.0, p.NewStrength)
}

func TestPreview_ExternalStrategyNeedsContent(t *testing.T) {
	c, _ := newFixture(t)
	ctx := context.Background()

	sources := []*model.Memory{srcMem("m-1", "A", 1, 1), srcMem("m-2", "B", 2, 1)}

	_, err := c.Preview(ctx, sources, 0.9, StrategySummarize, "")
	assert.True(t, model.IsInvalid(err))

	p, err := c.Preview(ctx, sources, 0.9, StrategySummarize, "LLM summary here")
	require.NoError(t, err)
	assert.Equal(t, "LLM summary here", p.MergedContent)
}

func TestPreview_TooFewSources(t *testing.T) {
	c, _ := newFixture(t)
	_, err := c.Preview(context.Background(), []*model.Memory{srcMem("m-1", "A", 1, 1)}, 0.9, "", "")
	assert.True(t, model.IsInvalid(err))
}

func TestApply_CommitsAtomically(t *testing.T) {
	c, st := newFixture(t)
	ctx := context.Background()

	sources := []*model.Memory{
		srcMem("m-1", "A", 100, 1.0, "x"),
		srcMem("m-2", "A", 200, 1.0, "y"),
		srcMem("m-3", "B", 300, 1.0),
	}
	for _, m := range sources {
		require.NoError(t, st.PutMemory(ctx, m))
	}

	p, err := c.Preview(ctx, sources, 0.92, "", "")
	require.NoError(t, err)

	merged, err := c.Apply(ctx, p)
	require.NoError(t, err)

	got, err := st.GetMemory(ctx, merged.ID)
	require.NoError(t, err)
	assert.Equal(t, "A\n\nB", got.Content)
	assert.Equal(t, model.StatusActive, got.Status)

	// Three provenance relations, one per source
	rels, err := st.ListRelations(ctx, merged.ID, "", model.RelationConsolidatedFrom)
	require.NoError(t, err)
	assert.Len(t, rels, 3)

	// Originals are tombstoned
	for _, src := range sources {
		_, err := st.GetMemory(ctx, src.ID)
		assert.True(t, model.IsNotFound(err))
	}
}

func TestSplitSentences(t *testing.T) {
	assert.Equal(t, []string{"One.", "Two!", "Three?"}, splitSentences("One. Two! Three?"))
	assert.Equal(t, []string{"Line one", "line two."}, splitSentences("Line one\nline two."))
	assert.Equal(t, []string{"v1.2.3 is out."}, splitSentences("v1.2.3 is out."))
	assert.Empty(t, splitSentences("   \n  "))
}
