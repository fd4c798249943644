// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package consolidate merges a cluster of near-duplicate memories into a
// single record, preserving provenance through relations.
package consolidate

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/munin-sh/munin-mcp/internal/clock"
	"github.com/munin-sh/munin-mcp/internal/cluster"
	"github.com/munin-sh/munin-mcp/internal/model"
	"github.com/munin-sh/munin-mcp/internal/store"
)

// Merge strategies. Only deduplicate_and_merge runs in-process; the
// others accept content pre-generated by an external LLM helper.
const (
	StrategyDeduplicate = "deduplicate_and_merge"
	StrategySummarize   = "summarize"
	StrategyQAExtract   = "qa_extract"
)

// Cohesion scaling anchors for the merged record's strength
const (
	cohesionBase  = 0.75
	cohesionRange = 0.5
)

// Proposal describes the merge before (or after) it is applied
type Proposal struct {
	MergedContent     string   `json:"merged_content"`
	MergedTags        []string `json:"merged_tags"`
	MergedEntities    []string `json:"merged_entities"`
	NewStrength       float64  `json:"new_strength"`
	EarliestCreatedAt int64    `json:"earliest_created_at"`
	LatestLastUsed    int64    `json:"latest_last_used"`
	Provenance        []string `json:"provenance"`
	Discarded         []string `json:"discarded,omitempty"`
}

// Consolidator merges clusters within the store
type Consolidator struct {
	store *store.Store
	clock clock.Clock
}

// New creates a Consolidator
func New(st *store.Store, clk clock.Clock) *Consolidator {
	return &Consolidator{store: st, clock: clk}
}

// Preview builds the merge proposal for the given source memories without
// touching the store. For the external strategies the caller supplies
// pre-generated content; deduplicate_and_merge derives it here.
func (c *Consolidator) Preview(ctx context.Context, sources []*model.Memory, cohesion float64, strategy, pregenerated string) (*Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.WrapError(model.KindCancelled, err, "consolidate preview")
	}
	if len(sources) < 2 {
		return nil, model.NewError(model.KindInvalid, "consolidation needs at least 2 sources, got %d", len(sources))
	}

	ordered := make([]*model.Memory, len(sources))
	copy(ordered, sources)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt != ordered[j].CreatedAt {
			return ordered[i].CreatedAt < ordered[j].CreatedAt
		}
		return ordered[i].ID < ordered[j].ID
	})

	p := &Proposal{
		EarliestCreatedAt: ordered[0].CreatedAt,
	}
	maxStrength := 0.0
	for _, m := range ordered {
		p.Provenance = append(p.Provenance, m.ID)
		if m.LastUsed > p.LatestLastUsed {
			p.LatestLastUsed = m.LastUsed
		}
		if m.Strength > maxStrength {
			maxStrength = m.Strength
		}
	}
	p.MergedTags = unionStrings(ordered, func(m *model.Memory) []string { return m.Tags })
	p.MergedEntities = unionStrings(ordered, func(m *model.Memory) []string { return m.Entities })

	// Higher cohesion means the sources really were one fact; the merged
	// record earns a proportionally stronger base
	p.NewStrength = math.Min(2.0, maxStrength*(1+(cohesion-cohesionBase)/cohesionRange))

	switch strategy {
	case StrategyDeduplicate, "":
		p.MergedContent, p.Discarded = mergeContent(ordered)
	case StrategySummarize, StrategyQAExtract:
		if pregenerated == "" {
			return nil, model.NewError(model.KindInvalid, "strategy %q requires pre-generated merged content", strategy)
		}
		p.MergedContent = pregenerated
	default:
		return nil, model.NewError(model.KindInvalid, "unknown merge strategy %q", strategy)
	}

	return p, nil
}

// Apply commits a proposal: one new memory, a consolidated_from relation
// per source, and tombstones for the sources, all in a single compound
// write. Either everything commits or nothing does.
func (c *Consolidator) Apply(ctx context.Context, p *Proposal) (*model.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.WrapError(model.KindCancelled, err, "consolidate apply")
	}

	now := c.clock.Now()
	merged := &model.Memory{
		ID:        model.NewMemoryID(),
		Content:   p.MergedContent,
		Tags:      p.MergedTags,
		Entities:  p.MergedEntities,
		CreatedAt: p.EarliestCreatedAt,
		LastUsed:  p.LatestLastUsed,
		UseCount:  1,
		Strength:  p.NewStrength,
		Status:    model.StatusActive,
	}
	if merged.LastUsed < merged.CreatedAt {
		merged.LastUsed = merged.CreatedAt
	}

	relations := make([]*model.Relation, 0, len(p.Provenance))
	for _, src := range p.Provenance {
		relations = append(relations, &model.Relation{
			ID:        model.NewRelationID(),
			From:      merged.ID,
			To:        src,
			Type:      model.RelationConsolidatedFrom,
			Strength:  1.0,
			CreatedAt: now,
		})
	}

	// The relation endpoints must exist when the batch lands, and the
	// sources must go in the same commit, so the batch writes the merged
	// record and relations first, then tombstones the sources.
	if err := c.store.PutBatch(ctx, []*model.Memory{merged}, relations, p.Provenance); err != nil {
		return nil, err
	}
	return merged, nil
}

// mergeContent sentence-splits each source, deduplicates by normalized
// equality, and joins the survivors in timestamp order. The second return
// lists discarded duplicates.
func mergeContent(ordered []*model.Memory) (string, []string) {
	seen := make(map[string]struct{})
	var kept, discarded []string
	for _, m := range ordered {
		for _, sentence := range splitSentences(m.Content) {
			key := cluster.Normalize(sentence)
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				discarded = append(discarded, sentence)
				continue
			}
			seen[key] = struct{}{}
			kept = append(kept, sentence)
		}
	}
	return strings.Join(kept, "\n\n"), discarded
}

// splitSentences breaks text on sentence terminators and blank lines
func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder

	flush := func() {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\n' {
			flush()
			continue
		}
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			// Terminator followed by whitespace ends a sentence
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\t' || runes[i+1] == '\n' {
				flush()
			}
		}
	}
	flush()
	return out
}

// unionStrings collects the sorted union of a string field across records
func unionStrings(memories []*model.Memory, get func(*model.Memory) []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range memories {
		for _, s := range get(m) {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
