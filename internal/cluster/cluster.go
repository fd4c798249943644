// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package cluster groups near-duplicate memories for consolidation review
// using single-linkage clustering over a configurable similarity.
package cluster

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/munin-sh/munin-mcp/internal/config"
	"github.com/munin-sh/munin-mcp/internal/model"
)

// Similarity strategies
const (
	StrategySimilarity = "similarity"
	StrategyTagOverlap = "tag_overlap"
	StrategyTemporal   = "temporal"
	StrategyHybrid     = "hybrid"
)

// Classifications assigned by cohesion
const (
	ClassAutoMerge    = "auto_merge"
	ClassReview       = "review"
	ClassKeepSeparate = "keep_separate"
)

// Hybrid strategy weights
const (
	hybridSemanticWeight = 0.6
	hybridTagWeight      = 0.25
	hybridTemporalWeight = 0.15
)

// Cluster is one group of similar memories
type Cluster struct {
	ID             string   `json:"id"`
	MemberIDs      []string `json:"member_ids"`
	Cohesion       float64  `json:"cohesion"`
	Classification string   `json:"classification"`
	ExactDuplicate bool     `json:"exact_duplicate,omitempty"`
}

// Pair is a duplicate candidate with its similarity
type Pair struct {
	A          string  `json:"a"`
	B          string  `json:"b"`
	Similarity float64 `json:"similarity"`
}

// Clusterer computes clusters under a configured strategy
type Clusterer struct {
	cfg config.ClusterConfig
}

// New creates a Clusterer
func New(cfg config.ClusterConfig) *Clusterer {
	return &Clusterer{cfg: cfg}
}

// candidate carries the precomputed per-memory features
type candidate struct {
	mem  *model.Memory
	norm string
	hash string
	sig  Signature
}

// Cluster groups the given memories. Exact duplicates (identical
// normalized content) auto-cluster in a prefilter pass; the remainder go
// through pairwise similarity and single-linkage connected components.
func (c *Clusterer) Cluster(ctx context.Context, memories []*model.Memory) ([]Cluster, error) {
	cands, exact, err := c.prefilter(ctx, memories)
	if err != nil {
		return nil, err
	}

	var clusters []Cluster
	for _, group := range exact {
		clusters = append(clusters, Cluster{
			ID:             clusterID(group),
			MemberIDs:      group,
			Cohesion:       1.0,
			Classification: ClassAutoMerge,
			ExactDuplicate: true,
		})
	}

	sims, err := c.pairwise(ctx, cands)
	if err != nil {
		return nil, err
	}

	components := c.components(cands, sims)
	for _, comp := range components {
		if len(comp) < 2 {
			continue
		}
		cohesion := meanPairwise(comp, sims)
		clusters = append(clusters, Cluster{
			ID:             clusterID(memberIDs(cands, comp)),
			MemberIDs:      memberIDs(cands, comp),
			Cohesion:       cohesion,
			Classification: c.classify(cohesion),
		})
	}

	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Cohesion > clusters[j].Cohesion })
	return clusters, nil
}

// DuplicatePairs returns memory pairs whose similarity clears the
// duplicate threshold, strongest first
func (c *Clusterer) DuplicatePairs(ctx context.Context, memories []*model.Memory) ([]Pair, error) {
	cands, _, err := c.prefilter(ctx, memories)
	if err != nil {
		return nil, err
	}
	sims, err := c.pairwise(ctx, cands)
	if err != nil {
		return nil, err
	}

	var pairs []Pair
	for key, sim := range sims {
		if sim >= c.cfg.DuplicateHi {
			pairs = append(pairs, Pair{
				A:          cands[key.i].mem.ID,
				B:          cands[key.j].mem.ID,
				Similarity: sim,
			})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Similarity != pairs[j].Similarity {
			return pairs[i].Similarity > pairs[j].Similarity
		}
		return pairs[i].A < pairs[j].A
	})
	return pairs, nil
}

// prefilter normalizes content, hashes out exact duplicates and computes
// MinHash signatures for the remainder
func (c *Clusterer) prefilter(ctx context.Context, memories []*model.Memory) ([]candidate, [][]string, error) {
	byHash := make(map[string][]*model.Memory)
	for _, m := range memories {
		if err := ctx.Err(); err != nil {
			return nil, nil, model.WrapError(model.KindCancelled, err, "cluster prefilter")
		}
		h := ContentHash(m.Content)
		byHash[h] = append(byHash[h], m)
	}

	var cands []candidate
	var exact [][]string
	for hash, group := range byHash {
		if len(group) > 1 {
			ids := make([]string, len(group))
			for i, m := range group {
				ids[i] = m.ID
			}
			sort.Strings(ids)
			exact = append(exact, ids)
			continue
		}
		m := group[0]
		norm := Normalize(m.Content)
		cands = append(cands, candidate{mem: m, norm: norm, hash: hash, sig: NewSignature(norm)})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].mem.ID < cands[j].mem.ID })
	sort.Slice(exact, func(i, j int) bool { return exact[i][0] < exact[j][0] })
	return cands, exact, nil
}

// pairKey indexes the upper triangle of the similarity matrix
type pairKey struct{ i, j int }

// pairwise computes the similarity of every candidate pair under the
// configured strategy
func (c *Clusterer) pairwise(ctx context.Context, cands []candidate) (map[pairKey]float64, error) {
	sims := make(map[pairKey]float64)
	for i := 0; i < len(cands); i++ {
		if err := ctx.Err(); err != nil {
			return nil, model.WrapError(model.KindCancelled, err, "cluster pairwise")
		}
		for j := i + 1; j < len(cands); j++ {
			sims[pairKey{i, j}] = c.similarity(&cands[i], &cands[j])
		}
	}
	return sims, nil
}

// similarity evaluates one candidate pair
func (c *Clusterer) similarity(a, b *candidate) float64 {
	switch c.cfg.Strategy {
	case StrategyTagOverlap:
		return Jaccard(a.mem.Tags, b.mem.Tags)
	case StrategyTemporal:
		return c.temporal(a.mem, b.mem)
	case StrategyHybrid:
		return hybridSemanticWeight*c.semantic(a, b) +
			hybridTagWeight*Jaccard(a.mem.Tags, b.mem.Tags) +
			hybridTemporalWeight*c.temporal(a.mem, b.mem)
	default:
		return c.semantic(a, b)
	}
}

// semantic prefers embedding cosine when both sides carry vectors, and
// falls back to the MinHash Jaccard estimate
func (c *Clusterer) semantic(a, b *candidate) float64 {
	if len(a.mem.Embed) > 0 && len(a.mem.Embed) == len(b.mem.Embed) {
		return Cosine(a.mem.Embed, b.mem.Embed)
	}
	return a.sig.Similarity(b.sig)
}

// temporal is 1 when the records were created within the configured
// window of each other, else 0
func (c *Clusterer) temporal(a, b *model.Memory) float64 {
	delta := a.CreatedAt - b.CreatedAt
	if delta < 0 {
		delta = -delta
	}
	if delta < int64(c.cfg.TemporalWindow) {
		return 1
	}
	return 0
}

// edge is one link of the similarity graph
type edge struct {
	i, j int
	sim  float64
}

// components builds the similarity graph at the link threshold, enforces
// the cluster size cap by breaking weakest edges, and returns connected
// components as candidate index lists.
func (c *Clusterer) components(cands []candidate, sims map[pairKey]float64) [][]int {
	var edges []edge
	for key, sim := range sims {
		if sim >= c.cfg.LinkThreshold {
			edges = append(edges, edge{i: key.i, j: key.j, sim: sim})
		}
	}
	// Strongest edges first so the cap drops the weakest links
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].sim != edges[j].sim {
			return edges[i].sim > edges[j].sim
		}
		if edges[i].i != edges[j].i {
			return edges[i].i < edges[j].i
		}
		return edges[i].j < edges[j].j
	})

	// Union-find with size-capped unions: an edge that would grow a
	// component past max_size is skipped, which is exactly "breaking the
	// weakest edges" given the sort order.
	parent := make([]int, len(cands))
	size := make([]int, len(cands))
	for i := range parent {
		parent[i] = i
		size[i] = 1
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	for _, e := range edges {
		ri, rj := find(e.i), find(e.j)
		if ri == rj {
			continue
		}
		if size[ri]+size[rj] > c.cfg.MaxClusterSize {
			continue
		}
		parent[rj] = ri
		size[ri] += size[rj]
	}

	groups := make(map[int][]int)
	for i := range cands {
		root := find(i)
		groups[root] = append(groups[root], i)
	}

	var comps [][]int
	for _, g := range groups {
		sort.Ints(g)
		comps = append(comps, g)
	}
	sort.Slice(comps, func(i, j int) bool { return comps[i][0] < comps[j][0] })
	return comps
}

// meanPairwise is the cluster cohesion: mean intra-cluster similarity
func meanPairwise(comp []int, sims map[pairKey]float64) float64 {
	if len(comp) < 2 {
		return 1
	}
	total, n := 0.0, 0
	for x := 0; x < len(comp); x++ {
		for y := x + 1; y < len(comp); y++ {
			i, j := comp[x], comp[y]
			if i > j {
				i, j = j, i
			}
			total += sims[pairKey{i, j}]
			n++
		}
	}
	return total / float64(n)
}

// classify maps cohesion to a consolidation recommendation
func (c *Clusterer) classify(cohesion float64) string {
	switch {
	case cohesion >= c.cfg.AutoMergeMin:
		return ClassAutoMerge
	case cohesion >= c.cfg.ReviewMin:
		return ClassReview
	default:
		return ClassKeepSeparate
	}
}

func memberIDs(cands []candidate, comp []int) []string {
	ids := make([]string, len(comp))
	for i, idx := range comp {
		ids[i] = cands[idx].mem.ID
	}
	sort.Strings(ids)
	return ids
}

// clusterID derives a stable id from the member set so a cluster can be
// re-identified across calls without persisting it
func clusterID(memberIDs []string) string {
	joined := ""
	for _, id := range memberIDs {
		joined += id + "|"
	}
	sum := ContentHash(joined)
	return fmt.Sprintf("c-%s", sum[:12])
}

// Cosine returns the cosine similarity of two equal-length vectors
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
