// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/munin-sh/munin-mcp/internal/model"
	"github.com/munin-sh/munin-mcp/internal/search"
	"github.com/munin-sh/munin-mcp/internal/service"
)

// handler is the mcp-go tool handler signature
type handler = func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

// jsonResult marshals a response for the tool transcript
func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

// NewSaveTool creates the munin_save_memory tool definition
func NewSaveTool() mcp.Tool {
	return mcp.NewTool("munin_save_memory",
		mcp.WithDescription("Store a new short-term memory. It decays over time unless touched, and is promoted to the long-term vault when it proves valuable."),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("The information to remember"),
		),
		mcp.WithArray("tags",
			mcp.Description("Labels for organization; slashes allow hierarchy like 'project/api'"),
		),
		mcp.WithArray("entities",
			mcp.Description("Named things the content refers to"),
		),
		mcp.WithString("source",
			mcp.Description("Where this came from"),
		),
		mcp.WithString("context",
			mcp.Description("Free-form provenance context"),
		),
		mcp.WithNumber("strength",
			mcp.Description("Importance multiplier in [0, 2]; default 1.0"),
		),
		mcp.WithBoolean("allow_sensitive",
			mcp.Description("Store content even if it looks like a credential"),
		),
	)
}

// SaveHandler handles munin_save_memory
func SaveHandler(svc *service.Service) handler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := request.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		resp, err := svc.SaveMemory(ctx, service.SaveRequest{
			Content:        content,
			Tags:           request.GetStringSlice("tags", nil),
			Entities:       request.GetStringSlice("entities", nil),
			Source:         request.GetString("source", ""),
			Context:        request.GetString("context", ""),
			Strength:       request.GetFloat("strength", 0),
			AllowSensitive: request.GetBool("allow_sensitive", false),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(resp)
	}
}

// NewSearchTool creates the munin_search_memory tool definition
func NewSearchTool() mcp.Tool {
	return mcp.NewTool("munin_search_memory",
		mcp.WithDescription("Search short-term memories with decay-aware scoring. Use munin_search_unified to also search the long-term vault."),
		mcp.WithString("query",
			mcp.Description("Text to search for"),
		),
		mcp.WithArray("tags",
			mcp.Description("Only return memories carrying one of these tags"),
		),
		mcp.WithNumber("window_days",
			mcp.Description("Only search memories created in the last N days"),
		),
		mcp.WithNumber("min_score",
			mcp.Description("Drop results scoring below this"),
		),
		mcp.WithNumber("top_k",
			mcp.Description("Maximum results (default 10)"),
		),
	)
}

// SearchHandler handles munin_search_memory
func SearchHandler(svc *service.Service) handler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		results, err := svc.SearchMemory(ctx, searchRequest(request))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(results)
	}
}

// NewSearchUnifiedTool creates the munin_search_unified tool definition
func NewSearchUnifiedTool() mcp.Tool {
	return mcp.NewTool("munin_search_unified",
		mcp.WithDescription("Search short-term memories and the long-term vault together, ranked and deduplicated, with review candidates blended in."),
		mcp.WithString("query",
			mcp.Description("Text to search for"),
		),
		mcp.WithArray("tags",
			mcp.Description("Only return results carrying one of these tags"),
		),
		mcp.WithNumber("window_days",
			mcp.Description("Only search memories created in the last N days"),
		),
		mcp.WithNumber("min_score",
			mcp.Description("Drop short-term results scoring below this"),
		),
		mcp.WithNumber("top_k",
			mcp.Description("Maximum results (default 10)"),
		),
		mcp.WithString("sources",
			mcp.Description("Which stores to search: 'stm', 'ltm' or 'both' (default both)"),
		),
	)
}

// SearchUnifiedHandler handles munin_search_unified
func SearchUnifiedHandler(svc *service.Service) handler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req := searchRequest(request)
		req.Sources = request.GetString("sources", "")
		results, err := svc.SearchUnified(ctx, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(results)
	}
}

// searchRequest extracts the shared search parameters
func searchRequest(request mcp.CallToolRequest) search.Request {
	return search.Request{
		Query:      request.GetString("query", ""),
		Tags:       request.GetStringSlice("tags", nil),
		WindowDays: int(request.GetFloat("window_days", 0)),
		MinScore:   request.GetFloat("min_score", 0),
		TopK:       int(request.GetFloat("top_k", 10)),
	}
}

// NewTouchTool creates the munin_touch_memory tool definition
func NewTouchTool() mcp.Tool {
	return mcp.NewTool("munin_touch_memory",
		mcp.WithDescription("Reinforce a memory that was just used. Resets its decay clock and increments its use count."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Memory to reinforce"),
		),
		mcp.WithBoolean("boost_strength",
			mcp.Description("Also boost the record's strength"),
		),
	)
}

// TouchHandler handles munin_touch_memory
func TouchHandler(svc *service.Service) handler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		res, err := svc.TouchMemory(ctx, id, request.GetBool("boost_strength", false))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res)
	}
}

// NewObserveTool creates the munin_observe_memory_usage tool definition
func NewObserveTool() mcp.Tool {
	return mcp.NewTool("munin_observe_memory_usage",
		mcp.WithDescription("Record that a memory was used in some context. Usage in an unrelated domain earns an extra strength boost."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Memory that was used"),
		),
		mcp.WithArray("context_tags",
			mcp.Description("Tags describing the context of use"),
		),
	)
}

// ObserveHandler handles munin_observe_memory_usage
func ObserveHandler(svc *service.Service) handler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		res, err := svc.ObserveMemoryUsage(ctx, model.ObservationEvent{
			MemoryID:    id,
			ContextTags: request.GetStringSlice("context_tags", nil),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res)
	}
}

// NewGCTool creates the munin_gc tool definition
func NewGCTool() mcp.Tool {
	return mcp.NewTool("munin_gc",
		mcp.WithDescription("Garbage-collect memories that have decayed below the forgetting threshold. Pinned memories survive."),
		mcp.WithBoolean("dry_run",
			mcp.Description("Report what would be forgotten without forgetting it"),
		),
		mcp.WithBoolean("archive_instead",
			mcp.Description("Archive rather than delete"),
		),
	)
}

// GCHandler handles munin_gc
func GCHandler(svc *service.Service) handler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := svc.GC(ctx, request.GetBool("dry_run", false), request.GetBool("archive_instead", false))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res)
	}
}

// NewPromoteTool creates the munin_promote_memory tool definition
func NewPromoteTool() mcp.Tool {
	return mcp.NewTool("munin_promote_memory",
		mcp.WithDescription("Promote a high-value memory to the long-term vault as a markdown note. With auto=true, promotes everything that qualifies."),
		mcp.WithString("id",
			mcp.Description("Specific memory to promote"),
		),
		mcp.WithBoolean("auto",
			mcp.Description("Auto-detect promotion candidates"),
		),
		mcp.WithBoolean("force",
			mcp.Description("Promote even if criteria are not met (id only)"),
		),
		mcp.WithBoolean("dry_run",
			mcp.Description("Preview without writing anything"),
		),
	)
}

// PromoteHandler handles munin_promote_memory
func PromoteHandler(svc *service.Service) handler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := svc.PromoteMemory(ctx, service.PromoteRequest{
			ID:     request.GetString("id", ""),
			Auto:   request.GetBool("auto", false),
			Force:  request.GetBool("force", false),
			DryRun: request.GetBool("dry_run", false),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(resp)
	}
}

// NewClusterTool creates the munin_cluster_memories tool definition
func NewClusterTool() mcp.Tool {
	return mcp.NewTool("munin_cluster_memories",
		mcp.WithDescription("Find groups of near-duplicate memories and classify each as auto_merge, review or keep_separate."),
		mcp.WithString("strategy",
			mcp.Description("Similarity strategy: 'similarity', 'tag_overlap', 'temporal' or 'hybrid'"),
		),
		mcp.WithBoolean("pairs_only",
			mcp.Description("Return duplicate-candidate pairs instead of clusters"),
		),
	)
}

// ClusterHandler handles munin_cluster_memories
func ClusterHandler(svc *service.Service) handler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := svc.ClusterMemories(ctx, service.ClusterRequest{
			Strategy:  request.GetString("strategy", ""),
			PairsOnly: request.GetBool("pairs_only", false),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(resp)
	}
}

// NewConsolidateTool creates the munin_consolidate_memories tool definition
func NewConsolidateTool() mcp.Tool {
	return mcp.NewTool("munin_consolidate_memories",
		mcp.WithDescription("Merge a cluster of near-duplicate memories into one record, preserving provenance. Preview first, then apply."),
		mcp.WithString("cluster_id",
			mcp.Description("Cluster from munin_cluster_memories"),
		),
		mcp.WithArray("memory_ids",
			mcp.Description("Explicit memory ids to merge (alternative to cluster_id)"),
		),
		mcp.WithString("mode",
			mcp.Description("'preview' (default) or 'apply'"),
		),
		mcp.WithString("strategy",
			mcp.Description("Merge strategy: 'deduplicate_and_merge' (default), 'summarize' or 'qa_extract'"),
		),
		mcp.WithString("merged_content",
			mcp.Description("Pre-generated content for external strategies"),
		),
	)
}

// ConsolidateHandler handles munin_consolidate_memories
func ConsolidateHandler(svc *service.Service) handler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := svc.ConsolidateMemories(ctx, service.ConsolidateRequest{
			ClusterID:     request.GetString("cluster_id", ""),
			MemoryIDs:     request.GetStringSlice("memory_ids", nil),
			Mode:          request.GetString("mode", "preview"),
			Strategy:      request.GetString("strategy", ""),
			MergedContent: request.GetString("merged_content", ""),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(resp)
	}
}

// NewGraphTool creates the munin_read_graph tool definition
func NewGraphTool() mcp.Tool {
	return mcp.NewTool("munin_read_graph",
		mcp.WithDescription("Read the whole knowledge graph: memories, relations, and summary statistics."),
		mcp.WithString("status",
			mcp.Description("Memory status filter (default 'active')"),
		),
	)
}

// GraphHandler handles munin_read_graph
func GraphHandler(svc *service.Service) handler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := svc.ReadGraph(ctx, model.Status(request.GetString("status", "")))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(resp)
	}
}

// NewOpenTool creates the munin_open_memories tool definition
func NewOpenTool() mcp.Tool {
	return mcp.NewTool("munin_open_memories",
		mcp.WithDescription("Fetch full memory records by id, with their outgoing relations."),
		mcp.WithArray("ids",
			mcp.Required(),
			mcp.Description("Memory ids to open"),
		),
		mcp.WithBoolean("touch",
			mcp.Description("Reinforce each opened memory as a recall"),
		),
	)
}

// OpenHandler handles munin_open_memories
func OpenHandler(svc *service.Service) handler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ids := request.GetStringSlice("ids", nil)
		if len(ids) == 0 {
			return mcp.NewToolResultError("ids cannot be empty"), nil
		}
		resp, err := svc.OpenMemories(ctx, ids, request.GetBool("touch", false))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(resp)
	}
}

// NewRelationTool creates the munin_create_relation tool definition
func NewRelationTool() mcp.Tool {
	return mcp.NewTool("munin_create_relation",
		mcp.WithDescription("Link two memories with a typed, directed relation."),
		mcp.WithString("from",
			mcp.Required(),
			mcp.Description("Source memory id"),
		),
		mcp.WithString("to",
			mcp.Required(),
			mcp.Description("Target memory id"),
		),
		mcp.WithString("type",
			mcp.Description("Relation type, e.g. 'related', 'causes', 'supports', 'contradicts', 'references' (default 'related')"),
		),
		mcp.WithNumber("strength",
			mcp.Description("Relation strength in [0, 1]; default 1.0"),
		),
	)
}

// RelationHandler handles munin_create_relation
func RelationHandler(svc *service.Service) handler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		from, err := request.RequireString("from")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		to, err := request.RequireString("to")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		rel, err := svc.CreateRelation(ctx, service.RelationRequest{
			From:     from,
			To:       to,
			Type:     request.GetString("type", model.RelationRelated),
			Strength: request.GetFloat("strength", 0),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(rel)
	}
}

// NewStatsTool creates the munin_stats tool definition
func NewStatsTool() mcp.Tool {
	return mcp.NewTool("munin_stats",
		mcp.WithDescription("Report store health: record counts by status, file bookkeeping, and whether compaction is recommended."),
	)
}

// StatsHandler handles munin_stats
func StatsHandler(svc *service.Service) handler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := svc.Stats(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(resp)
	}
}

// NewCompactTool creates the munin_compact tool definition
func NewCompactTool() mcp.Tool {
	return mcp.NewTool("munin_compact",
		mcp.WithDescription("Rewrite the storage files, dropping superseded and tombstoned lines."),
	)
}

// CompactHandler handles munin_compact
func CompactHandler(svc *service.Service) handler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := svc.Compact(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res)
	}
}

// NewRefreshLTMTool creates the munin_refresh_ltm tool definition
func NewRefreshLTMTool() mcp.Tool {
	return mcp.NewTool("munin_refresh_ltm",
		mcp.WithDescription("Refresh the long-term vault index. Incremental by default; full=true rebuilds from scratch."),
		mcp.WithBoolean("full",
			mcp.Description("Rebuild the whole index"),
		),
	)
}

// RefreshLTMHandler handles munin_refresh_ltm
func RefreshLTMHandler(svc *service.Service) handler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := svc.RefreshLTM(ctx, request.GetBool("full", false))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res)
	}
}
