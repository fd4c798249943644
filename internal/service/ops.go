// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package service

import (
	"context"
	"log"

	"github.com/munin-sh/munin-mcp/internal/cluster"
	"github.com/munin-sh/munin-mcp/internal/consolidate"
	"github.com/munin-sh/munin-mcp/internal/maint"
	"github.com/munin-sh/munin-mcp/internal/model"
	"github.com/munin-sh/munin-mcp/internal/promote"
	"github.com/munin-sh/munin-mcp/internal/redact"
	"github.com/munin-sh/munin-mcp/internal/review"
	"github.com/munin-sh/munin-mcp/internal/search"
	"github.com/munin-sh/munin-mcp/internal/store"
	"github.com/munin-sh/munin-mcp/internal/vault"
)

// SaveRequest creates a new memory
type SaveRequest struct {
	Content        string   `json:"content"`
	Tags           []string `json:"tags,omitempty"`
	Entities       []string `json:"entities,omitempty"`
	Source         string   `json:"source,omitempty"`
	Context        string   `json:"context,omitempty"`
	Strength       float64  `json:"strength,omitempty"`
	AllowSensitive bool     `json:"allow_sensitive,omitempty"`
}

// SaveResponse returns the created record
type SaveResponse struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Embed bool    `json:"embedded"`
}

// SaveMemory validates, optionally embeds, and persists a new memory
func (s *Service) SaveMemory(ctx context.Context, req SaveRequest) (*SaveResponse, error) {
	if s.cfg.Security.RedactionGuard {
		if err := redact.Check(req.Content, req.AllowSensitive); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	m := &model.Memory{
		ID:        model.NewMemoryID(),
		Content:   req.Content,
		Tags:      req.Tags,
		Entities:  req.Entities,
		Source:    req.Source,
		Context:   req.Context,
		CreatedAt: now,
		LastUsed:  now,
		UseCount:  1,
		Strength:  req.Strength,
		Status:    model.StatusActive,
	}
	if m.Strength == 0 {
		m.Strength = 1.0
	}

	// Embedding happens before the writer lock and is best-effort
	embedded := false
	if s.embedder.Enabled() {
		vec, err := s.embedder.Embed(ctx, m.Content)
		if err == nil {
			m.Embed = vec
			embedded = true
		} else if model.KindOf(err) == model.KindCancelled {
			return nil, err
		} else {
			log.Printf("embedding failed for new memory, saving without: %v", err)
		}
	}

	if err := s.store.PutMemory(ctx, m); err != nil {
		return nil, err
	}
	return &SaveResponse{ID: m.ID, Score: s.scorer.Score(m, now), Embed: embedded}, nil
}

// SearchMemory searches the short-term store only
func (s *Service) SearchMemory(ctx context.Context, req search.Request) ([]search.Result, error) {
	req.Sources = search.SourceSTM
	return s.searcher.Search(ctx, req)
}

// SearchUnified searches both stores with review blending
func (s *Service) SearchUnified(ctx context.Context, req search.Request) ([]search.Result, error) {
	if req.Sources == "" {
		req.Sources = search.SourceBoth
	}
	return s.searcher.Search(ctx, req)
}

// TouchMemory reinforces a memory by id
func (s *Service) TouchMemory(ctx context.Context, id string, boostStrength bool) (*review.TouchResult, error) {
	return s.reviewer.Touch(ctx, id, boostStrength)
}

// ObserveMemoryUsage applies an observation event, detecting cross-domain
// usage
func (s *Service) ObserveMemoryUsage(ctx context.Context, ev model.ObservationEvent) (*review.ObserveResult, error) {
	return s.reviewer.Observe(ctx, ev)
}

// GC sweeps decayed records
func (s *Service) GC(ctx context.Context, dryRun, archiveInstead bool) (*maint.GCResult, error) {
	return s.maintainer.GC(ctx, dryRun, archiveInstead)
}

// PromoteRequest selects what to promote
type PromoteRequest struct {
	ID     string `json:"id,omitempty"`
	Auto   bool   `json:"auto,omitempty"`
	Force  bool   `json:"force,omitempty"`
	DryRun bool   `json:"dry_run,omitempty"`
}

// PromoteResponse lists what was (or would be) promoted
type PromoteResponse struct {
	Promoted   []promote.Result    `json:"promoted,omitempty"`
	Candidates []promote.Candidate `json:"candidates,omitempty"`
	DryRun     bool                `json:"dry_run,omitempty"`
}

// PromoteMemory promotes one record by id, or every record satisfying the
// promotion criteria when Auto is set
func (s *Service) PromoteMemory(ctx context.Context, req PromoteRequest) (*PromoteResponse, error) {
	resp := &PromoteResponse{DryRun: req.DryRun}

	if req.ID != "" {
		res, err := s.promoter.Promote(ctx, req.ID, req.Force, req.DryRun)
		if err != nil {
			return nil, err
		}
		resp.Promoted = append(resp.Promoted, *res)
	} else if req.Auto {
		cands, err := s.promoter.Candidates(ctx)
		if err != nil {
			return nil, err
		}
		resp.Candidates = cands
		if !req.DryRun {
			for _, c := range cands {
				res, err := s.promoter.Promote(ctx, c.ID, false, false)
				if err != nil {
					// A single conflicted slug should not abort the batch
					log.Printf("failed to promote %s: %v", c.ID, err)
					continue
				}
				resp.Promoted = append(resp.Promoted, *res)
			}
		}
	} else {
		return nil, model.NewError(model.KindInvalid, "promote requires an id or auto=true")
	}

	// Newly written notes belong in the LTM index right away
	if len(resp.Promoted) > 0 && s.ltm != nil {
		if _, err := s.ltm.Refresh(ctx, s.clock.Now()); err != nil {
			log.Printf("ltm refresh after promotion failed: %v", err)
		}
	}
	return resp, nil
}

// ClusterRequest controls a clustering pass
type ClusterRequest struct {
	Strategy  string `json:"strategy,omitempty"`
	PairsOnly bool   `json:"pairs_only,omitempty"`
}

// ClusterResponse carries clusters or duplicate pairs
type ClusterResponse struct {
	Clusters []cluster.Cluster `json:"clusters,omitempty"`
	Pairs    []cluster.Pair    `json:"pairs,omitempty"`
}

// ClusterMemories groups active records for consolidation review
func (s *Service) ClusterMemories(ctx context.Context, req ClusterRequest) (*ClusterResponse, error) {
	memories, err := s.store.ListMemories(ctx, store.Filter{Status: model.StatusActive})
	if err != nil {
		return nil, err
	}

	clusterer := s.clusterer
	if req.Strategy != "" {
		cfg := s.cfg.Cluster
		cfg.Strategy = req.Strategy
		clusterer = cluster.New(cfg)
	}

	if req.PairsOnly {
		pairs, err := clusterer.DuplicatePairs(ctx, memories)
		if err != nil {
			return nil, err
		}
		return &ClusterResponse{Pairs: pairs}, nil
	}

	clusters, err := clusterer.Cluster(ctx, memories)
	if err != nil {
		return nil, err
	}
	return &ClusterResponse{Clusters: clusters}, nil
}

// ConsolidateRequest identifies a cluster and how to merge it
type ConsolidateRequest struct {
	ClusterID     string   `json:"cluster_id,omitempty"`
	MemoryIDs     []string `json:"memory_ids,omitempty"`
	Mode          string   `json:"mode,omitempty"` // "preview" (default) or "apply"
	Strategy      string   `json:"strategy,omitempty"`
	MergedContent string   `json:"merged_content,omitempty"` // for external strategies
}

// ConsolidateResponse carries the proposal and, on apply, the merged id
type ConsolidateResponse struct {
	Proposal *consolidate.Proposal `json:"proposal"`
	MergedID string                `json:"merged_id,omitempty"`
	Applied  bool                  `json:"applied"`
}

// ConsolidateMemories previews or applies a cluster merge
func (s *Service) ConsolidateMemories(ctx context.Context, req ConsolidateRequest) (*ConsolidateResponse, error) {
	sources, cohesion, err := s.resolveCluster(ctx, req)
	if err != nil {
		return nil, err
	}

	proposal, err := s.consolidator.Preview(ctx, sources, cohesion, req.Strategy, req.MergedContent)
	if err != nil {
		return nil, err
	}

	resp := &ConsolidateResponse{Proposal: proposal}
	if req.Mode == "apply" {
		merged, err := s.consolidator.Apply(ctx, proposal)
		if err != nil {
			return nil, err
		}
		resp.MergedID = merged.ID
		resp.Applied = true
	}
	return resp, nil
}

// resolveCluster turns a request into source records plus cohesion.
// Explicit memory ids re-measure cohesion over just those records; a
// cluster id re-runs clustering and must still match.
func (s *Service) resolveCluster(ctx context.Context, req ConsolidateRequest) ([]*model.Memory, float64, error) {
	if len(req.MemoryIDs) > 0 {
		var sources []*model.Memory
		for _, id := range req.MemoryIDs {
			m, err := s.store.GetMemory(ctx, id)
			if err != nil {
				return nil, 0, err
			}
			sources = append(sources, m)
		}
		clusters, err := s.clusterer.Cluster(ctx, sources)
		if err != nil {
			return nil, 0, err
		}
		cohesion := 1.0
		if len(clusters) > 0 {
			cohesion = clusters[0].Cohesion
		}
		return sources, cohesion, nil
	}

	if req.ClusterID == "" {
		return nil, 0, model.NewError(model.KindInvalid, "consolidate requires cluster_id or memory_ids")
	}

	memories, err := s.store.ListMemories(ctx, store.Filter{Status: model.StatusActive})
	if err != nil {
		return nil, 0, err
	}
	clusters, err := s.clusterer.Cluster(ctx, memories)
	if err != nil {
		return nil, 0, err
	}
	for _, c := range clusters {
		if c.ID != req.ClusterID {
			continue
		}
		byID := make(map[string]*model.Memory, len(memories))
		for _, m := range memories {
			byID[m.ID] = m
		}
		var sources []*model.Memory
		for _, id := range c.MemberIDs {
			if m, ok := byID[id]; ok {
				sources = append(sources, m)
			}
		}
		return sources, c.Cohesion, nil
	}
	return nil, 0, model.NewError(model.KindNotFound, "cluster not found: %s (clusters are recomputed; re-run cluster_memories)", req.ClusterID)
}

// GraphResponse is the full knowledge graph with summary stats
type GraphResponse struct {
	Memories  []*model.Memory   `json:"memories"`
	Relations []*model.Relation `json:"relations"`
	Stats     GraphStats        `json:"stats"`
}

// GraphStats summarizes the graph
type GraphStats struct {
	TotalMemories  int     `json:"total_memories"`
	TotalRelations int     `json:"total_relations"`
	AvgScore       float64 `json:"avg_score"`
	AvgUseCount    float64 `json:"avg_use_count"`
}

// ReadGraph returns every live memory and relation plus summary stats
func (s *Service) ReadGraph(ctx context.Context, status model.Status) (*GraphResponse, error) {
	if status == "" {
		status = model.StatusActive
	}
	memories, err := s.store.ListMemories(ctx, store.Filter{Status: status})
	if err != nil {
		return nil, err
	}
	relations, err := s.store.ListRelations(ctx, "", "", "")
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	resp := &GraphResponse{Memories: memories, Relations: relations}
	resp.Stats.TotalMemories = len(memories)
	resp.Stats.TotalRelations = len(relations)
	for _, m := range memories {
		resp.Stats.AvgScore += s.scorer.Score(m, now)
		resp.Stats.AvgUseCount += float64(m.UseCount)
	}
	if len(memories) > 0 {
		resp.Stats.AvgScore /= float64(len(memories))
		resp.Stats.AvgUseCount /= float64(len(memories))
	}
	return resp, nil
}

// OpenResponse carries full records for requested ids
type OpenResponse struct {
	Memories []*model.Memory   `json:"memories"`
	Missing  []string          `json:"missing,omitempty"`
	Related  []*model.Relation `json:"related,omitempty"`
}

// OpenMemories returns full records by id. Touch reinforces each opened
// record as a recall.
func (s *Service) OpenMemories(ctx context.Context, ids []string, touch bool) (*OpenResponse, error) {
	resp := &OpenResponse{}
	for _, id := range ids {
		m, err := s.store.GetMemory(ctx, id)
		if err != nil {
			if model.IsNotFound(err) {
				resp.Missing = append(resp.Missing, id)
				continue
			}
			return nil, err
		}
		if touch {
			if _, err := s.reviewer.Touch(ctx, id, false); err != nil {
				return nil, err
			}
			m, err = s.store.GetMemory(ctx, id)
			if err != nil {
				return nil, err
			}
		}
		resp.Memories = append(resp.Memories, m)

		rels, err := s.store.ListRelations(ctx, id, "", "")
		if err != nil {
			return nil, err
		}
		resp.Related = append(resp.Related, rels...)
	}
	return resp, nil
}

// RelationRequest creates a directed edge between two memories
type RelationRequest struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	Type     string  `json:"type"`
	Strength float64 `json:"strength,omitempty"`
	Metadata string  `json:"metadata,omitempty"`
}

// CreateRelation persists a relation between two live memories
func (s *Service) CreateRelation(ctx context.Context, req RelationRequest) (*model.Relation, error) {
	r := &model.Relation{
		ID:        model.NewRelationID(),
		From:      req.From,
		To:        req.To,
		Type:      req.Type,
		Strength:  req.Strength,
		CreatedAt: s.clock.Now(),
		Metadata:  req.Metadata,
	}
	if r.Strength == 0 {
		r.Strength = 1.0
	}
	if err := s.store.PutRelation(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// StatsResponse is the full engine health snapshot
type StatsResponse struct {
	Store         *store.Stats         `json:"store"`
	ByStatus      map[model.Status]int `json:"by_status"`
	LTMNotes      int                  `json:"ltm_notes"`
	ClampedDeltas int64                `json:"clamped_deltas"`
}

// Stats reports store health, record counts and scoring metrics
func (s *Service) Stats(ctx context.Context) (*StatsResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.WrapError(model.KindCancelled, err, "stats")
	}

	resp := &StatsResponse{
		Store:         s.store.Stats(s.cfg.Storage.CompactionTombstoneRatio),
		ByStatus:      s.store.CountMemories(),
		ClampedDeltas: s.scorer.ClampedDeltas(),
	}
	if s.ltm != nil {
		resp.LTMNotes = s.ltm.Len()
	}
	return resp, nil
}

// Compact rewrites the JSONL files dropping superseded lines
func (s *Service) Compact(ctx context.Context) (*store.CompactionResult, error) {
	return s.store.Compact(ctx)
}

// RefreshLTM refreshes the vault index; full forces a rebuild
func (s *Service) RefreshLTM(ctx context.Context, full bool) (*vault.RefreshResult, error) {
	if s.ltm == nil {
		return nil, model.NewError(model.KindInvalid, "no vault path configured")
	}
	if full {
		return s.ltm.Rebuild(ctx, s.clock.Now())
	}
	return s.ltm.Refresh(ctx, s.clock.Now())
}
