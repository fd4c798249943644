// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package review

import (
	"context"
	"math"
	"testing"

	"github.com/munin-sh/munin-mcp/internal/clock"
	"github.com/munin-sh/munin-mcp/internal/config"
	"github.com/munin-sh/munin-mcp/internal/decay"
	"github.com/munin-sh/munin-mcp/internal/model"
	"github.com/munin-sh/munin-mcp/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = int64(86400)

func reviewConfig() config.ReviewConfig {
	return config.ReviewConfig{
		TouchBoost:           0.1,
		CrossDomainBoost:     0.15,
		CrossDomainThreshold: 0.3,
		BlendRatio:           0.3,
		DangerZoneLow:        0.15,
		DangerZoneHigh:       0.35,
		RecencyWindow:        3600,
	}
}

func newFixture(t *testing.T) (*Reviewer, *store.Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(100 * day)
	st, err := store.Open(t.TempDir(), clk)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	scorer := decay.NewScorer(config.DecayConfig{
		Model:            decay.ModelExponential,
		HalfLifeDays:     3,
		Alpha:            1.1,
		Beta:             0.6,
		ForgetThreshold:  0.05,
		PromoteThreshold: 0.65,
		PromoteUseCount:  5,
		PromoteWindow:    14,
		PinnedFloor:      1.8,
	})
	return New(reviewConfig(), scorer, st, clk), st, clk
}

func saveMem(t *testing.T, st *store.Store, id string, lastUsed int64, tags ...string) *model.Memory {
	t.Helper()
	m := &model.Memory{
		ID:        id,
		Content:   "note " + id,
		Tags:      tags,
		CreatedAt: lastUsed,
		LastUsed:  lastUsed,
		UseCount:  1,
		Strength:  1.0,
		Status:    model.StatusActive,
	}
	require.NoError(t, st.PutMemory(context.Background(), m))
	return m
}

func TestTouch_MonotonicAndPersisted(t *testing.T) {
	r, st, clk := newFixture(t)
	ctx := context.Background()

	saveMem(t, st, "m-1", clk.Now()-2*day)

	res, err := r.Touch(ctx, "m-1", false)
	require.NoError(t, err)
	assert.Greater(t, res.NewScore, res.OldScore)
	assert.Equal(t, 2, res.UseCount)
	assert.Equal(t, 1.0, res.Strength)

	got, err := st.GetMemory(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), got.LastUsed)
	assert.Equal(t, 2, got.UseCount)
}

func TestTouch_BoostCapsAtTwo(t *testing.T) {
	r, st, clk := newFixture(t)
	ctx := context.Background()

	m := saveMem(t, st, "m-1", clk.Now())
	m.Strength = 1.95
	require.NoError(t, st.PutMemory(ctx, m))

	res, err := r.Touch(ctx, "m-1", true)
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Strength)
}

func TestTouch_NotFound(t *testing.T) {
	r, _, _ := newFixture(t)
	_, err := r.Touch(context.Background(), "m-ghost", false)
	assert.True(t, model.IsNotFound(err))
}

func TestObserve_CrossDomainBoost(t *testing.T) {
	r, st, clk := newFixture(t)
	ctx := context.Background()

	saveMem(t, st, "m-1", clk.Now()-day, "security", "jwt")

	res, err := r.Observe(ctx, model.ObservationEvent{
		MemoryID:    "m-1",
		ContextTags: []string{"api", "frontend"},
	})
	require.NoError(t, err)

	assert.True(t, res.CrossDomain)
	assert.Equal(t, 0.0, res.TagJaccard)
	assert.InDelta(t, 1.15, res.Strength, 1e-9)
	assert.Equal(t, 2, res.UseCount)

	got, err := st.GetMemory(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), got.LastUsed)
	assert.InDelta(t, 1.15, got.Strength, 1e-9)
}

func TestObserve_InDomainNoBoost(t *testing.T) {
	r, st, clk := newFixture(t)
	ctx := context.Background()

	saveMem(t, st, "m-1", clk.Now()-day, "security", "jwt")

	res, err := r.Observe(ctx, model.ObservationEvent{
		MemoryID:    "m-1",
		ContextTags: []string{"security", "jwt", "auth"},
	})
	require.NoError(t, err)

	assert.False(t, res.CrossDomain, "jaccard 2/3 is well above the threshold")
	assert.Equal(t, 1.0, res.Strength)
	assert.Equal(t, 2, res.UseCount)
}

func TestPriority_PeaksInDangerZone(t *testing.T) {
	r, _, clk := newFixture(t)
	now := clk.Now()

	// Build records whose scores land at chosen points via last_used age:
	// score = exp(-lambda * delta) for use_count 1, strength 1
	atScore := func(target float64) *model.Memory {
		// delta = -ln(target)/lambda, lambda = ln2/3d
		lambda := math.Ln2 / float64(3*day)
		delta := int64(-math.Log(target) / lambda)
		return &model.Memory{
			ID: "m-x", Content: "x", CreatedAt: 0,
			LastUsed: now - delta, UseCount: 1, Strength: 1.0,
			Status: model.StatusActive,
		}
	}

	peak := r.Priority(atScore(0.25), now)
	edge := r.Priority(atScore(0.35), now)
	high := r.Priority(atScore(0.95), now)
	low := r.Priority(atScore(0.001), now)

	assert.InDelta(t, 1.0, peak, 0.01, "peak at the zone center")
	assert.Greater(t, peak, edge)
	assert.Equal(t, 0.0, high, "fresh records need no review")
	assert.Less(t, low, 0.05, "nearly forgotten records are past saving")
}

func TestPriority_RecentTouchSuppressed(t *testing.T) {
	r, _, clk := newFixture(t)
	now := clk.Now()

	m := &model.Memory{
		ID: "m-x", Content: "x", CreatedAt: 0,
		LastUsed: now - 600, UseCount: 1, Strength: 1.0,
		Status: model.StatusActive,
	}
	assert.Equal(t, 0.0, r.Priority(m, now), "touched 10 minutes ago")
}

func TestCandidates_OrderedByPriority(t *testing.T) {
	r, st, clk := newFixture(t)
	ctx := context.Background()
	now := clk.Now()

	// ~6 days old ≈ score 0.25: the review sweet spot
	saveMem(t, st, "m-sweet", now-6*day)
	// Fresh: no review value
	saveMem(t, st, "m-fresh", now-2*3600)
	// Ancient: already lost
	saveMem(t, st, "m-gone", now-60*day)

	cands, err := r.Candidates(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, cands)
	assert.Equal(t, "m-sweet", cands[0].Memory.ID)
	for _, c := range cands {
		assert.NotEqual(t, "m-fresh", c.Memory.ID)
	}
}

func TestBlendSlots(t *testing.T) {
	r, _, _ := newFixture(t)
	assert.Equal(t, 3, r.BlendSlots(10))
	assert.Equal(t, 1, r.BlendSlots(1))
	assert.Equal(t, 2, r.BlendSlots(5))
}
