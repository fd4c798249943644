// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package maint runs the housekeeping cycle: GC sweep, compaction when
// the stats recommend it, LTM index refresh, and the git snapshot.
package maint

import (
	"context"
	"log"
	"time"

	"github.com/munin-sh/munin-mcp/internal/clock"
	"github.com/munin-sh/munin-mcp/internal/config"
	"github.com/munin-sh/munin-mcp/internal/decay"
	"github.com/munin-sh/munin-mcp/internal/gitsnap"
	"github.com/munin-sh/munin-mcp/internal/model"
	"github.com/munin-sh/munin-mcp/internal/store"
	"github.com/munin-sh/munin-mcp/internal/vault"
)

// GCResult reports one garbage-collection sweep
type GCResult struct {
	Scanned   int      `json:"scanned"`
	Forgotten int      `json:"forgotten"`
	Archived  int      `json:"archived"`
	Pinned    int      `json:"pinned_skipped"`
	IDs       []string `json:"ids,omitempty"`
	DryRun    bool     `json:"dry_run,omitempty"`
}

// Maintainer owns scheduled and on-demand housekeeping
type Maintainer struct {
	store   *store.Store
	scorer  *decay.Scorer
	ltm     *vault.Index
	snap    *gitsnap.Snapshotter
	storCfg config.StorageConfig
	cfg     config.MaintenanceConfig
	clock   clock.Clock
}

// New creates a Maintainer. ltm and snap may be nil.
func New(st *store.Store, scorer *decay.Scorer, ltm *vault.Index, snap *gitsnap.Snapshotter, storCfg config.StorageConfig, cfg config.MaintenanceConfig, clk clock.Clock) *Maintainer {
	return &Maintainer{
		store:   st,
		scorer:  scorer,
		ltm:     ltm,
		snap:    snap,
		storCfg: storCfg,
		cfg:     cfg,
		clock:   clk,
	}
}

// GC sweeps active records and tombstones (or archives) those that have
// decayed below the forgetting threshold. Pinned records survive.
func (m *Maintainer) GC(ctx context.Context, dryRun, archiveInstead bool) (*GCResult, error) {
	memories, err := m.store.ListMemories(ctx, store.Filter{Status: model.StatusActive})
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	res := &GCResult{Scanned: len(memories), DryRun: dryRun}

	for _, mem := range memories {
		if err := ctx.Err(); err != nil {
			return nil, model.WrapError(model.KindCancelled, err, "gc sweep")
		}

		if !m.scorer.ShouldForget(mem, now) {
			if m.scorer.Score(mem, now) < m.scorer.ForgetThreshold() {
				// Below threshold but immune
				res.Pinned++
			}
			continue
		}

		res.IDs = append(res.IDs, mem.ID)
		if dryRun {
			res.Forgotten++
			continue
		}

		if archiveInstead {
			mem.Status = model.StatusArchived
			if err := m.store.PutMemory(ctx, mem); err != nil {
				return nil, err
			}
			res.Archived++
		} else {
			if err := m.store.DeleteMemory(ctx, mem.ID); err != nil {
				return nil, err
			}
			res.Forgotten++
		}
	}
	return res, nil
}

// RunCycle executes one full maintenance pass. Each step is independent;
// a failing step is logged and the rest still run.
func (m *Maintainer) RunCycle(ctx context.Context) {
	if _, err := m.GC(ctx, false, m.cfg.ArchiveInstead); err != nil {
		log.Printf("maintenance gc failed: %v", err)
	}

	if st := m.store.Stats(m.storCfg.CompactionTombstoneRatio); st.CompactionRecommended {
		if _, err := m.store.Compact(ctx); err != nil {
			log.Printf("maintenance compaction failed: %v", err)
		}
	}

	if m.ltm != nil {
		if _, err := m.ltm.Refresh(ctx, m.clock.Now()); err != nil {
			log.Printf("maintenance ltm refresh failed: %v", err)
		}
	}

	if m.snap != nil {
		if _, err := m.snap.Commit(gitsnap.SnapshotMessage(time.Unix(m.clock.Now(), 0))); err != nil {
			log.Printf("maintenance snapshot failed: %v", err)
		}
	}
}
