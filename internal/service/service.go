// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package service exposes the engine's typed operation surface. Every
// operation takes a context, a typed request, and returns a typed
// response or a model.Error.
package service

import (
	"log"
	"path/filepath"

	"github.com/munin-sh/munin-mcp/internal/clock"
	"github.com/munin-sh/munin-mcp/internal/cluster"
	"github.com/munin-sh/munin-mcp/internal/config"
	"github.com/munin-sh/munin-mcp/internal/consolidate"
	"github.com/munin-sh/munin-mcp/internal/decay"
	"github.com/munin-sh/munin-mcp/internal/embeddings"
	"github.com/munin-sh/munin-mcp/internal/gitsnap"
	"github.com/munin-sh/munin-mcp/internal/maint"
	"github.com/munin-sh/munin-mcp/internal/promote"
	"github.com/munin-sh/munin-mcp/internal/review"
	"github.com/munin-sh/munin-mcp/internal/search"
	"github.com/munin-sh/munin-mcp/internal/store"
	"github.com/munin-sh/munin-mcp/internal/vault"
)

// Service owns the engine's components and exposes the operation surface
type Service struct {
	cfg   *config.Config
	clock clock.Clock

	store        *store.Store
	scorer       *decay.Scorer
	reviewer     *review.Reviewer
	clusterer    *cluster.Clusterer
	consolidator *consolidate.Consolidator
	searcher     *search.Searcher
	promoter     *promote.Promoter
	maintainer   *maint.Maintainer
	ltm          *vault.Index
	embedder     *embeddings.Service
}

// New opens the store and wires every component from configuration
func New(cfg *config.Config, clk clock.Clock) (*Service, error) {
	st, err := store.Open(cfg.Storage.Root, clk)
	if err != nil {
		return nil, err
	}

	embedder, err := embeddings.NewService(cfg.Embeddings)
	if err != nil {
		st.Close()
		return nil, err
	}

	var ltm *vault.Index
	if cfg.Vault.Path != "" {
		ltm = vault.NewIndex(cfg.Vault.Path, filepath.Join(cfg.Storage.Root, vault.IndexFile))
		if err := ltm.Load(); err != nil {
			log.Printf("failed to load ltm index, rebuilding from scan: %v", err)
		}
	}

	var snap *gitsnap.Snapshotter
	if cfg.Git.AutoCommit {
		snap, err = gitsnap.Open(cfg.Storage.Root)
		if err != nil {
			// The snapshot side-channel never blocks the engine
			log.Printf("git snapshots unavailable: %v", err)
		}
	}

	scorer := decay.NewScorer(cfg.Decay)
	reviewer := review.New(cfg.Review, scorer, st, clk)

	return &Service{
		cfg:          cfg,
		clock:        clk,
		store:        st,
		scorer:       scorer,
		reviewer:     reviewer,
		clusterer:    cluster.New(cfg.Cluster),
		consolidator: consolidate.New(st, clk),
		searcher:     search.New(st, ltm, scorer, reviewer, embedder, cfg.Search, clk),
		promoter:     promote.New(st, scorer, cfg.Vault, clk),
		maintainer:   maint.New(st, scorer, ltm, snap, cfg.Storage, cfg.Maintenance, clk),
		ltm:          ltm,
		embedder:     embedder,
	}, nil
}

// Close releases the store and the embedding cache
func (s *Service) Close() error {
	if err := s.embedder.Close(); err != nil {
		log.Printf("failed to close embedding cache: %v", err)
	}
	return s.store.Close()
}

// Store exposes the underlying store; tests and cmd wiring use it
func (s *Service) Store() *store.Store { return s.store }

// Maintainer exposes the maintenance component for scheduling
func (s *Service) Maintainer() *maint.Maintainer { return s.maintainer }

// LTM exposes the vault index, nil when no vault is configured
func (s *Service) LTM() *vault.Index { return s.ltm }
