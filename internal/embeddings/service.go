// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"os"
	"time"

	"github.com/munin-sh/munin-mcp/internal/config"
	"github.com/munin-sh/munin-mcp/internal/model"
)

// Service is the engine-facing embedding capability. A nil *Service (or
// one built from a disabled config) reports Enabled() == false and every
// ranking path falls back to lexical scoring.
type Service struct {
	client Client
	cache  *Cache
}

// NewService wires the embedding client and cache from configuration.
// Returns nil when the capability is disabled.
func NewService(cfg config.EmbeddingConfig) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	apiKey := os.Getenv(cfg.APIKeyEnv)
	client := NewHTTPClient(cfg.BaseURL, apiKey, cfg.Model, cfg.Dimensions,
		time.Duration(cfg.TimeoutSec)*time.Second)

	svc := &Service{client: client}
	if cfg.CachePath != "" {
		cache, err := OpenCache(cfg.CachePath)
		if err != nil {
			// The cache is an optimization; run without it
			log.Printf("embedding cache unavailable: %v", err)
		} else {
			svc.cache = cache
		}
	}
	return svc, nil
}

// NewServiceWithClient builds a Service around an explicit client; tests
// use this to avoid the network
func NewServiceWithClient(client Client, cache *Cache) *Service {
	return &Service{client: client, cache: cache}
}

// Enabled reports whether embedding is available
func (s *Service) Enabled() bool {
	return s != nil && s.client != nil
}

// Embed returns the vector for text, consulting the cache first. The
// client call happens outside any engine lock and honors ctx. Failures
// surface as ExternalFailure so callers degrade to lexical ranking.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if !s.Enabled() {
		return nil, model.NewError(model.KindExternalFailure, "embeddings not available")
	}

	hash := textHash(text)
	if s.cache != nil {
		if vec := s.cache.Get(hash, s.client.Model()); vec != nil {
			return vec, nil
		}
	}

	vec, err := s.client.Embed(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.WrapError(model.KindCancelled, err, "embed")
		}
		return nil, model.WrapError(model.KindExternalFailure, err, "embed")
	}

	if s.cache != nil {
		if err := s.cache.Put(hash, s.client.Model(), vec); err != nil {
			log.Printf("failed to cache embedding: %v", err)
		}
	}
	return vec, nil
}

// Close releases the cache handle
func (s *Service) Close() error {
	if s == nil || s.cache == nil {
		return nil
	}
	return s.cache.Close()
}

// textHash keys the cache on the exact text embedded
func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
