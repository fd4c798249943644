// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package review mutates memory state on recall: touch, usage
// observation with cross-domain detection, and danger-zone review
// priority.
package review

import (
	"context"
	"math"
	"sort"

	"github.com/munin-sh/munin-mcp/internal/clock"
	"github.com/munin-sh/munin-mcp/internal/cluster"
	"github.com/munin-sh/munin-mcp/internal/config"
	"github.com/munin-sh/munin-mcp/internal/decay"
	"github.com/munin-sh/munin-mcp/internal/model"
	"github.com/munin-sh/munin-mcp/internal/store"
)

// MaxStrength caps every reinforcement boost
const MaxStrength = 2.0

// Reviewer applies reinforcement and computes review priorities
type Reviewer struct {
	cfg    config.ReviewConfig
	scorer *decay.Scorer
	store  *store.Store
	clock  clock.Clock
}

// New creates a Reviewer
func New(cfg config.ReviewConfig, scorer *decay.Scorer, st *store.Store, clk clock.Clock) *Reviewer {
	return &Reviewer{cfg: cfg, scorer: scorer, store: st, clock: clk}
}

// TouchResult reports the score movement of a reinforcement
type TouchResult struct {
	ID       string  `json:"id"`
	OldScore float64 `json:"old_score"`
	NewScore float64 `json:"new_score"`
	Strength float64 `json:"strength"`
	UseCount int     `json:"use_count"`
}

// Touch reinforces a memory: last_used moves to now, use_count
// increments, and an optional strength boost is applied.
func (r *Reviewer) Touch(ctx context.Context, id string, boostStrength bool) (*TouchResult, error) {
	m, err := r.store.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	oldScore := r.scorer.Score(m, now)

	m.LastUsed = now
	m.UseCount++
	if boostStrength {
		m.Strength = math.Min(MaxStrength, m.Strength+r.cfg.TouchBoost)
	}

	if err := r.store.PutMemory(ctx, m); err != nil {
		return nil, err
	}
	return &TouchResult{
		ID:       m.ID,
		OldScore: oldScore,
		NewScore: r.scorer.Score(m, now),
		Strength: m.Strength,
		UseCount: m.UseCount,
	}, nil
}

// ObserveResult extends TouchResult with cross-domain detection
type ObserveResult struct {
	TouchResult
	CrossDomain bool    `json:"cross_domain"`
	TagJaccard  float64 `json:"tag_jaccard"`
}

// Observe records a usage of the memory in some context. Usage in a
// context whose tags barely overlap the record's own is stronger
// evidence of durable value, so it earns an extra strength boost.
func (r *Reviewer) Observe(ctx context.Context, ev model.ObservationEvent) (*ObserveResult, error) {
	m, err := r.store.GetMemory(ctx, ev.MemoryID)
	if err != nil {
		return nil, err
	}

	now := ev.ObservedAt
	if now == 0 {
		now = r.clock.Now()
	}
	oldScore := r.scorer.Score(m, now)

	m.LastUsed = now
	m.UseCount++

	jaccard := cluster.Jaccard(ev.ContextTags, m.Tags)
	crossDomain := jaccard < r.cfg.CrossDomainThreshold
	if crossDomain {
		m.Strength = math.Min(MaxStrength, m.Strength+r.cfg.CrossDomainBoost)
	}

	if err := r.store.PutMemory(ctx, m); err != nil {
		return nil, err
	}
	return &ObserveResult{
		TouchResult: TouchResult{
			ID:       m.ID,
			OldScore: oldScore,
			NewScore: r.scorer.Score(m, now),
			Strength: m.Strength,
			UseCount: m.UseCount,
		},
		CrossDomain: crossDomain,
		TagJaccard:  jaccard,
	}, nil
}

// Priority scores how valuable it is to resurface a memory for review.
// A gaussian bump peaks in the middle of the danger zone: records there
// are about to decay away but still cheap to rescue. Very low and very
// high scores are worthless to review. Records touched inside the
// recency window are suppressed entirely.
func (r *Reviewer) Priority(m *model.Memory, now int64) float64 {
	if now-m.LastUsed < int64(r.cfg.RecencyWindow) {
		return 0
	}

	score := r.scorer.Score(m, now)
	center := (r.cfg.DangerZoneLow + r.cfg.DangerZoneHigh) / 2
	sigma := (r.cfg.DangerZoneHigh - r.cfg.DangerZoneLow) / 2
	if sigma <= 0 {
		return 0
	}

	d := (score - center) / sigma
	bump := math.Exp(-0.5 * d * d)
	// Outside three sigmas the bump is noise; report a clean zero
	if d < -3 || d > 3 {
		return 0
	}
	return bump
}

// Candidate is a memory worth resurfacing, with its priority
type Candidate struct {
	Memory   *model.Memory
	Priority float64
}

// Candidates returns up to limit active memories ordered by review
// priority, skipping anything with zero priority.
func (r *Reviewer) Candidates(ctx context.Context, limit int) ([]Candidate, error) {
	memories, err := r.store.ListMemories(ctx, store.Filter{Status: model.StatusActive})
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	var out []Candidate
	for _, m := range memories {
		if err := ctx.Err(); err != nil {
			return nil, model.WrapError(model.KindCancelled, err, "review candidates")
		}
		p := r.Priority(m, now)
		if p <= 0 {
			continue
		}
		out = append(out, Candidate{Memory: m, Priority: p})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Memory.ID < out[j].Memory.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// BlendSlots returns how many of k result slots may carry review
// candidates
func (r *Reviewer) BlendSlots(k int) int {
	return int(math.Ceil(r.cfg.BlendRatio * float64(k)))
}
