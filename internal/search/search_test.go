// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package search

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/munin-sh/munin-mcp/internal/clock"
	"github.com/munin-sh/munin-mcp/internal/config"
	"github.com/munin-sh/munin-mcp/internal/decay"
	"github.com/munin-sh/munin-mcp/internal/model"
	"github.com/munin-sh/munin-mcp/internal/review"
	"github.com/munin-sh/munin-mcp/internal/store"
	"github.com/munin-sh/munin-mcp/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = int64(86400)

type fixture struct {
	searcher *Searcher
	store    *store.Store
	ltm      *vault.Index
	vaultDir string
	clk      *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(100 * day)
	st, err := store.Open(t.TempDir(), clk)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	vaultDir := t.TempDir()
	ltm := vault.NewIndex(vaultDir, filepath.Join(t.TempDir(), vault.IndexFile))

	scorer := decay.NewScorer(config.DecayConfig{
		Model: decay.ModelExponential, HalfLifeDays: 3, Alpha: 1.1, Beta: 0.6,
		ForgetThreshold: 0.05, PromoteThreshold: 0.65,
		PromoteUseCount: 5, PromoteWindow: 14, PinnedFloor: 1.8,
	})
	reviewer := review.New(config.ReviewConfig{
		TouchBoost: 0.1, CrossDomainBoost: 0.15, CrossDomainThreshold: 0.3,
		BlendRatio: 0.3, DangerZoneLow: 0.15, DangerZoneHigh: 0.35,
		RecencyWindow: 3600,
	}, scorer, st, clk)

	searcher := New(st, ltm, scorer, reviewer, nil,
		config.SearchConfig{STMWeight: 1.0, LTMWeight: 0.8}, clk)
	return &fixture{searcher: searcher, store: st, ltm: ltm, vaultDir: vaultDir, clk: clk}
}

func (f *fixture) save(t *testing.T, id, content string, lastUsed int64, tags ...string) *model.Memory {
	t.Helper()
	m := &model.Memory{
		ID: id, Content: content, Tags: tags,
		CreatedAt: lastUsed, LastUsed: lastUsed,
		UseCount: 1, Strength: 1.0, Status: model.StatusActive,
	}
	require.NoError(t, f.store.PutMemory(context.Background(), m))
	return m
}

func (f *fixture) writeNote(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.vaultDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	_, err := f.ltm.Refresh(context.Background(), f.clk.Now())
	require.NoError(t, err)
}

func TestSearch_STMLexicalRanking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clk.Now()

	f.save(t, "m-exact", "the deploy pipeline broke today", now)
	f.save(t, "m-partial", "we should deploy tomorrow morning", now)
	f.save(t, "m-miss", "lunch was great", now)

	results, err := f.searcher.Search(ctx, Request{Query: "deploy pipeline", TopK: 10})
	require.NoError(t, err)

	require.Len(t, results, 2, "non-matching records drop out")
	assert.Equal(t, "m-exact", results[0].ID, "substring match outranks word match")
	assert.Equal(t, "m-partial", results[1].ID)
}

func TestSearch_FiltersAndMinScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clk.Now()

	f.save(t, "m-fresh", "a note", now, "work")
	f.save(t, "m-stale", "b note", now-30*day, "work")
	f.save(t, "m-other", "c note", now, "home")

	byTag, err := f.searcher.Search(ctx, Request{Tags: []string{"work"}, TopK: 10})
	require.NoError(t, err)
	assert.Len(t, byTag, 2)

	scored, err := f.searcher.Search(ctx, Request{Tags: []string{"work"}, MinScore: 0.5, TopK: 10})
	require.NoError(t, err)
	require.Len(t, scored, 1, "the 30-day-old record scores near zero")
	assert.Equal(t, "m-fresh", scored[0].ID)

	windowed, err := f.searcher.Search(ctx, Request{WindowDays: 7, TopK: 10})
	require.NoError(t, err)
	for _, r := range windowed {
		assert.NotEqual(t, "m-stale", r.ID)
	}
}

func TestSearch_LTMLexicalMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeNote(t, "notes/deploy.md", `---
title: Deploy Runbook
tags: [infra]
aliases: [runbook]
---
Steps for deploying the api service.
`)
	f.writeNote(t, "notes/recipes.md", `---
title: Pasta
---
Boil water.
`)

	results, err := f.searcher.Search(ctx, Request{Query: "deploy", Sources: SourceLTM, TopK: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, SourceLTM, results[0].Type)
	assert.Equal(t, "notes/deploy.md", results[0].Path)
	assert.Equal(t, "Deploy Runbook", results[0].Title)

	// Alias matches too
	results, err = f.searcher.Search(ctx, Request{Query: "runbook", Sources: SourceLTM, TopK: 10})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearch_PromotedRecordSuppressesLTMEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clk.Now()

	f.writeNote(t, "stm-promoted/typescript-pref.md", `---
title: typescript preference
---
I prefer TypeScript for new projects.
`)

	promoted := &model.Memory{
		ID: "m-promoted", Content: "I prefer TypeScript for new projects.",
		Tags:      []string{"preferences"},
		CreatedAt: now - day, LastUsed: now, UseCount: 7, Strength: 1.0,
		Status:     model.StatusPromoted,
		PromotedAt: now, PromotedTo: "stm-promoted/typescript-pref.md",
	}
	require.NoError(t, f.store.PutMemory(ctx, promoted))

	results, err := f.searcher.Search(ctx, Request{Query: "typescript", Sources: SourceBoth, TopK: 10})
	require.NoError(t, err)

	require.Len(t, results, 1, "the note and its redirect collapse to one result")
	assert.Equal(t, SourceSTM, results[0].Type)
	assert.Equal(t, "m-promoted", results[0].ID)
	assert.Equal(t, "stm-promoted/typescript-pref.md", results[0].Path)
	assert.Equal(t, 7, results[0].UseCount, "the live record carries reinforcement metadata")
}

func TestSearch_BlendsReviewCandidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clk.Now()

	// Ten strong matches fill the raw result set
	for i := 0; i < 10; i++ {
		f.save(t, "m-hit"+string(rune('a'+i)), "project alpha meeting notes", now)
	}
	// One record sitting in the danger zone (~6 days ≈ score 0.25) that
	// does NOT match the query
	f.save(t, "m-danger", "forgotten decision about the database", now-6*day)

	results, err := f.searcher.Search(ctx, Request{Query: "alpha", TopK: 10})
	require.NoError(t, err)
	require.Len(t, results, 10)

	var reviews []Result
	for _, r := range results {
		if r.Type == SourceReview {
			reviews = append(reviews, r)
		}
	}
	require.NotEmpty(t, reviews, "danger-zone records blend into the results")
	assert.LessOrEqual(t, len(reviews), 3, "at most ceil(0.3*10) slots")
	assert.Equal(t, "m-danger", reviews[0].ID)
}

func TestSearch_SnapshotIgnoresArchived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clk.Now()

	m := f.save(t, "m-1", "the answer", now)
	m.Status = model.StatusArchived
	require.NoError(t, f.store.PutMemory(ctx, m))

	results, err := f.searcher.Search(ctx, Request{Query: "answer", TopK: 10})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_Cancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.searcher.Search(ctx, Request{TopK: 5})
	assert.Equal(t, model.KindCancelled, model.KindOf(err))
}
