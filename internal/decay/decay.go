// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package decay computes time-decayed relevance scores for memories and
// the forget/promote decisions derived from them.
package decay

import (
	"math"
	"sync/atomic"

	"github.com/munin-sh/munin-mcp/internal/config"
	"github.com/munin-sh/munin-mcp/internal/model"
)

// Model identifiers
const (
	ModelExponential  = "exponential"
	ModelPowerLaw     = "power_law"
	ModelTwoComponent = "two_component"
)

// maxDelta clamps the age term to ten years. Deltas past that are in
// denormal territory and contribute nothing but float noise.
const maxDelta = 10 * 365 * 86400

// Scorer computes combined scores under a configured decay model
type Scorer struct {
	model        string
	lambda       float64 // exponential
	alpha, t0    float64 // power-law
	lambdaFast   float64 // two-component
	lambdaSlow   float64
	weightFast   float64
	beta         float64
	forgetThresh float64
	promThresh   float64
	promUseCount int
	promWindow   int64 // seconds
	pinnedFloor  float64

	// clampedDeltas counts scoring calls whose age term hit the clamp.
	// Metric only; behavior is unchanged.
	clampedDeltas atomic.Int64
}

// NewScorer builds a Scorer from decay configuration
func NewScorer(cfg config.DecayConfig) *Scorer {
	halfLife := cfg.HalfLifeDays * 86400

	s := &Scorer{
		model:        cfg.Model,
		beta:         cfg.Beta,
		forgetThresh: cfg.ForgetThreshold,
		promThresh:   cfg.PromoteThreshold,
		promUseCount: cfg.PromoteUseCount,
		promWindow:   int64(cfg.PromoteWindow) * 86400,
		pinnedFloor:  cfg.PinnedFloor,
		lambda:       math.Ln2 / halfLife,
		alpha:        cfg.Alpha,
		lambdaFast:   cfg.TCLambdaFast,
		lambdaSlow:   cfg.TCLambdaSlow,
		weightFast:   cfg.TCWeightFast,
	}

	// Derive t0 from the half-life so f(halfLife) = 0.5
	s.t0 = halfLife / (math.Pow(2, 1/s.alpha) - 1)

	return s
}

// Score returns the combined relevance score of a memory at time now:
//
//	score = max(use_count, 1)^beta * f(delta_t) * strength
func (s *Scorer) Score(m *model.Memory, now int64) float64 {
	delta := float64(now - m.LastUsed)
	if delta < 0 {
		delta = 0
	}
	if delta > maxDelta {
		delta = maxDelta
		s.clampedDeltas.Add(1)
	}

	useCount := m.UseCount
	if useCount < 1 {
		useCount = 1
	}

	return math.Pow(float64(useCount), s.beta) * s.decay(delta) * m.Strength
}

// decay evaluates the configured decay curve at age delta (seconds)
func (s *Scorer) decay(delta float64) float64 {
	switch s.model {
	case ModelPowerLaw:
		return math.Pow(1+delta/s.t0, -s.alpha)
	case ModelTwoComponent:
		return s.weightFast*math.Exp(-s.lambdaFast*delta) +
			(1-s.weightFast)*math.Exp(-s.lambdaSlow*delta)
	default:
		return math.Exp(-s.lambda * delta)
	}
}

// ShouldForget reports whether a memory has decayed below the forgetting
// threshold. Pinned records (strength at or above the pinned floor) are
// immune regardless of score.
func (s *Scorer) ShouldForget(m *model.Memory, now int64) bool {
	if m.Status != model.StatusActive {
		return false
	}
	if m.Strength >= s.pinnedFloor {
		return false
	}
	return s.Score(m, now) < s.forgetThresh
}

// ShouldPromote reports whether a memory qualifies for promotion, and why.
// Either the score clears the promotion threshold, or the record has been
// used often enough within the promotion window.
func (s *Scorer) ShouldPromote(m *model.Memory, now int64) (bool, string) {
	if m.Status != model.StatusActive {
		return false, "not active"
	}

	score := s.Score(m, now)
	if score >= s.promThresh {
		return true, "high score"
	}
	if m.UseCount >= s.promUseCount && now-m.CreatedAt <= s.promWindow {
		return true, "frequent use"
	}
	return false, "below thresholds"
}

// ClampedDeltas returns how many scoring calls hit the age clamp
func (s *Scorer) ClampedDeltas() int64 { return s.clampedDeltas.Load() }

// ForgetThreshold returns the configured forgetting threshold
func (s *Scorer) ForgetThreshold() float64 { return s.forgetThresh }

// PromoteThreshold returns the configured promotion threshold
func (s *Scorer) PromoteThreshold() float64 { return s.promThresh }

// ProjectScore returns what the memory's score will be at a future time
func (s *Scorer) ProjectScore(m *model.Memory, target int64) float64 {
	return s.Score(m, target)
}

// TimeUntilThreshold returns how many seconds until the memory's score
// drops to the given threshold, or 0 if it is already at or below it.
// The curve is evaluated numerically so all three models are supported.
func (s *Scorer) TimeUntilThreshold(m *model.Memory, threshold float64, now int64) int64 {
	if s.Score(m, now) <= threshold {
		return 0
	}

	// Binary search over the clamped horizon. Scores are monotonically
	// non-increasing in time under every model.
	lo, hi := int64(0), int64(maxDelta)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.Score(m, now+mid) > threshold {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
