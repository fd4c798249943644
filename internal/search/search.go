// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package search merges and ranks results from the short-term store and
// the long-term vault index, blending in review candidates.
package search

import (
	"context"
	"sort"
	"strings"

	"github.com/munin-sh/munin-mcp/internal/clock"
	"github.com/munin-sh/munin-mcp/internal/cluster"
	"github.com/munin-sh/munin-mcp/internal/config"
	"github.com/munin-sh/munin-mcp/internal/decay"
	"github.com/munin-sh/munin-mcp/internal/embeddings"
	"github.com/munin-sh/munin-mcp/internal/model"
	"github.com/munin-sh/munin-mcp/internal/review"
	"github.com/munin-sh/munin-mcp/internal/store"
	"github.com/munin-sh/munin-mcp/internal/vault"
)

// Result sources
const (
	SourceSTM    = "stm"
	SourceLTM    = "ltm"
	SourceBoth   = "both"
	SourceReview = "review"
)

// Lexical relevance multipliers when no embeddings are available
const (
	relevanceExact   = 2.0
	relevancePartial = 1.5
)

// Request narrows a unified search
type Request struct {
	Query      string   `json:"query,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	WindowDays int      `json:"window_days,omitempty"`
	MinScore   float64  `json:"min_score,omitempty"`
	TopK       int      `json:"top_k,omitempty"`
	Sources    string   `json:"sources,omitempty"` // "stm", "ltm" or "both"
}

// Result is one ranked hit
type Result struct {
	Type     string   `json:"type"` // "stm", "ltm" or "review"
	ID       string   `json:"id,omitempty"`
	Path     string   `json:"path,omitempty"`
	Title    string   `json:"title,omitempty"`
	Content  string   `json:"content,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Score    float64  `json:"score"`
	UseCount int      `json:"use_count,omitempty"`
	LastUsed int64    `json:"last_used,omitempty"`
}

// Searcher executes unified searches over both stores
type Searcher struct {
	store    *store.Store
	ltm      *vault.Index
	scorer   *decay.Scorer
	reviewer *review.Reviewer
	embedder *embeddings.Service
	cfg      config.SearchConfig
	clock    clock.Clock
}

// New creates a Searcher. ltm and embedder may be nil.
func New(st *store.Store, ltm *vault.Index, scorer *decay.Scorer, reviewer *review.Reviewer, embedder *embeddings.Service, cfg config.SearchConfig, clk clock.Clock) *Searcher {
	return &Searcher{
		store:    st,
		ltm:      ltm,
		scorer:   scorer,
		reviewer: reviewer,
		embedder: embedder,
		cfg:      cfg,
		clock:    clk,
	}
}

// Search runs the full pipeline: candidate filtering, ranking, review
// blending, promoted-record deduplication, top-k cut. Results reflect a
// single snapshot of the indices.
func (s *Searcher) Search(ctx context.Context, req Request) ([]Result, error) {
	if req.TopK <= 0 {
		req.TopK = 10
	}
	if req.Sources == "" {
		req.Sources = SourceSTM
	}

	now := s.clock.Now()

	// An unavailable embedder degrades to lexical ranking
	var queryVec []float32
	if req.Query != "" && s.embedder.Enabled() {
		vec, err := s.embedder.Embed(ctx, req.Query)
		if err == nil {
			queryVec = vec
		} else if model.KindOf(err) == model.KindCancelled {
			return nil, err
		}
	}

	var results []Result
	var promotedTo map[string]*model.Memory

	if req.Sources == SourceSTM || req.Sources == SourceBoth {
		stm, err := s.searchSTM(ctx, req, now, queryVec)
		if err != nil {
			return nil, err
		}
		results = append(results, stm...)
	}

	if req.Sources == SourceLTM || req.Sources == SourceBoth {
		var err error
		promotedTo, err = s.promotedIndex(ctx)
		if err != nil {
			return nil, err
		}
		ltm, err := s.searchLTM(ctx, req, now, queryVec, promotedTo)
		if err != nil {
			return nil, err
		}
		results = append(results, ltm...)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return resultKey(results[i]) < resultKey(results[j])
	})

	if len(results) > req.TopK {
		results = results[:req.TopK]
	}

	// Reserve a share of the top-k for danger-zone review candidates
	if s.reviewer != nil && (req.Sources == SourceSTM || req.Sources == SourceBoth) {
		var err error
		results, err = s.blendReview(ctx, results, req.TopK)
		if err != nil {
			return nil, err
		}
	}

	return results, nil
}

// searchSTM filters and ranks short-term records
func (s *Searcher) searchSTM(ctx context.Context, req Request, now int64, queryVec []float32) ([]Result, error) {
	filter := store.Filter{
		Status:  model.StatusActive,
		TagsAny: req.Tags,
	}
	if req.WindowDays > 0 {
		filter.CreatedAfter = now - int64(req.WindowDays)*86400
	}
	if req.MinScore > 0 {
		filter.MinScore = req.MinScore
		filter.Score = func(m *model.Memory) float64 { return s.scorer.Score(m, now) }
	}

	memories, err := s.store.ListMemories(ctx, filter)
	if err != nil {
		return nil, err
	}

	var out []Result
	for _, m := range memories {
		if err := ctx.Err(); err != nil {
			return nil, model.WrapError(model.KindCancelled, err, "search stm")
		}

		score := s.scorer.Score(m, now)
		rank := score * s.cfg.STMWeight

		if req.Query != "" {
			if queryVec != nil && len(m.Embed) > 0 {
				rank = cluster.Cosine(queryVec, m.Embed) * s.cfg.STMWeight
			} else {
				rel := lexicalRelevance(req.Query, m.Content)
				if rel == 0 {
					continue
				}
				rank = score * rel * s.cfg.STMWeight
			}
		}

		out = append(out, Result{
			Type:     SourceSTM,
			ID:       m.ID,
			Content:  m.Content,
			Tags:     m.Tags,
			Score:    rank,
			UseCount: m.UseCount,
			LastUsed: m.LastUsed,
		})
	}
	return out, nil
}

// searchLTM filters and ranks vault notes. A note already represented by
// a promoted STM record is reported as that record instead: the STM side
// carries live reinforcement metadata.
func (s *Searcher) searchLTM(ctx context.Context, req Request, now int64, queryVec []float32, promotedTo map[string]*model.Memory) ([]Result, error) {
	if s.ltm == nil {
		return nil, nil
	}

	var out []Result
	for _, e := range s.ltm.Entries() {
		if err := ctx.Err(); err != nil {
			return nil, model.WrapError(model.KindCancelled, err, "search ltm")
		}

		if len(req.Tags) > 0 && !tagsIntersect(req.Tags, e.Tags) {
			continue
		}
		if req.Query != "" && queryVec == nil && !lexicalMatchEntry(req.Query, e) {
			continue
		}

		if stm, ok := promotedTo[e.Path]; ok {
			score := s.scorer.Score(stm, now) * s.cfg.STMWeight
			out = append(out, Result{
				Type:     SourceSTM,
				ID:       stm.ID,
				Path:     e.Path,
				Title:    e.Title,
				Content:  stm.Content,
				Tags:     stm.Tags,
				Score:    score,
				UseCount: stm.UseCount,
				LastUsed: stm.LastUsed,
			})
			continue
		}

		rank := s.ltmRank(ctx, e, now, queryVec)
		out = append(out, Result{
			Type:    SourceLTM,
			Path:    e.Path,
			Title:   e.Title,
			Content: e.Snippet,
			Tags:    e.Tags,
			Score:   rank,
		})
	}
	return out, nil
}

// ltmRank scores one vault note: snippet-embedding cosine when available,
// else recency
func (s *Searcher) ltmRank(ctx context.Context, e *model.LTMEntry, now int64, queryVec []float32) float64 {
	if queryVec != nil && e.Snippet != "" {
		vec, err := s.embedder.Embed(ctx, e.Snippet)
		if err == nil {
			return cluster.Cosine(queryVec, vec) * s.cfg.LTMWeight
		}
	}
	// Lexical fallback ranks newer notes first; mtime is the best age
	// signal the index has
	ageDays := float64(now-e.MtimeNS/1e9) / 86400
	if ageDays < 0 {
		ageDays = 0
	}
	return s.cfg.LTMWeight / (1 + ageDays)
}

// blendReview fills up to ceil(blend_ratio * k) of the result slots with
// review candidates not already present, tagged so callers can surface
// them as worth revisiting.
func (s *Searcher) blendReview(ctx context.Context, results []Result, k int) ([]Result, error) {
	slots := s.reviewer.BlendSlots(k)
	if slots == 0 {
		return results, nil
	}

	cands, err := s.reviewer.Candidates(ctx, slots*2)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return results, nil
	}

	present := make(map[string]struct{}, len(results))
	for _, r := range results {
		if r.ID != "" {
			present[r.ID] = struct{}{}
		}
	}

	var blended []Result
	for _, c := range cands {
		if len(blended) >= slots {
			break
		}
		if _, ok := present[c.Memory.ID]; ok {
			continue
		}
		blended = append(blended, Result{
			Type:     SourceReview,
			ID:       c.Memory.ID,
			Content:  c.Memory.Content,
			Tags:     c.Memory.Tags,
			Score:    c.Priority,
			UseCount: c.Memory.UseCount,
			LastUsed: c.Memory.LastUsed,
		})
	}
	if len(blended) == 0 {
		return results, nil
	}

	// Review items displace the tail of the ranked results
	keep := k - len(blended)
	if keep < 0 {
		keep = 0
	}
	if len(results) > keep {
		results = results[:keep]
	}
	return append(results, blended...), nil
}

// promotedIndex maps vault paths back to their promoted STM records
func (s *Searcher) promotedIndex(ctx context.Context) (map[string]*model.Memory, error) {
	promoted, err := s.store.ListMemories(ctx, store.Filter{Status: model.StatusPromoted})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*model.Memory, len(promoted))
	for _, m := range promoted {
		if m.PromotedTo != "" {
			out[m.PromotedTo] = m
		}
	}
	return out, nil
}

// lexicalRelevance scores a substring match of the query in content
func lexicalRelevance(query, content string) float64 {
	q := strings.ToLower(query)
	c := strings.ToLower(content)
	if strings.Contains(c, q) {
		return relevanceExact
	}
	for _, word := range strings.Fields(q) {
		if strings.Contains(c, word) {
			return relevancePartial
		}
	}
	return 0
}

// lexicalMatchEntry matches the query against title, aliases and snippet
func lexicalMatchEntry(query string, e *model.LTMEntry) bool {
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(e.Title), q) {
		return true
	}
	for _, a := range e.Aliases {
		if strings.Contains(strings.ToLower(a), q) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(e.Snippet), q)
}

func tagsIntersect(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func resultKey(r Result) string {
	if r.ID != "" {
		return r.ID
	}
	return r.Path
}
