// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cluster

import (
	"context"
	"fmt"
	"testing"

	"github.com/munin-sh/munin-mcp/internal/config"
	"github.com/munin-sh/munin-mcp/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clusterConfig() config.ClusterConfig {
	return config.ClusterConfig{
		Strategy:       StrategySimilarity,
		LinkThreshold:  0.83,
		MaxClusterSize: 12,
		TemporalWindow: 3600,
		DuplicateHi:    0.88,
		AutoMergeMin:   0.9,
		ReviewMin:      0.75,
	}
}

func cmem(id, content string, tags ...string) *model.Memory {
	return &model.Memory{
		ID:        id,
		Content:   content,
		Tags:      tags,
		CreatedAt: 1000,
		LastUsed:  1000,
		UseCount:  1,
		Strength:  1.0,
		Status:    model.StatusActive,
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello world", Normalize("  Hello\n\tWORLD  "))
	assert.Equal(t, "see https://example.com/page for details",
		Normalize("See https://example.com/page?utm_source=x&sid=42 for details"))
}

func TestContentHash_IgnoresCaseAndSpacing(t *testing.T) {
	assert.Equal(t, ContentHash("Hello  World"), ContentHash("hello world"))
	assert.NotEqual(t, ContentHash("hello world"), ContentHash("hello there"))
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, Jaccard([]string{"a", "b"}, []string{"b", "a"}))
	assert.Equal(t, 0.0, Jaccard([]string{"a"}, []string{"b"}))
	assert.InDelta(t, 1.0/3.0, Jaccard([]string{"a", "b"}, []string{"b", "c"}), 1e-9)
	assert.Equal(t, 0.0, Jaccard(nil, nil))
}

func TestMinHash_SimilarTextsScoreHigh(t *testing.T) {
	a := NewSignature(Normalize("the deploy pipeline fails when the cache is stale"))
	b := NewSignature(Normalize("the deploy pipeline fails when the cache is stale sometimes"))
	c := NewSignature(Normalize("completely unrelated text about cooking pasta"))

	assert.Greater(t, a.Similarity(b), 0.7)
	assert.Less(t, a.Similarity(c), 0.2)
	assert.Equal(t, 1.0, a.Similarity(a))
}

func TestCluster_ExactDuplicatesPrefilter(t *testing.T) {
	c := New(clusterConfig())
	ctx := context.Background()

	clusters, err := c.Cluster(ctx, []*model.Memory{
		cmem("m-1", "Use port 8080 for the dev server"),
		cmem("m-2", "use port 8080   for the DEV server"),
		cmem("m-3", "something else entirely"),
	})
	require.NoError(t, err)

	require.Len(t, clusters, 1)
	assert.True(t, clusters[0].ExactDuplicate)
	assert.Equal(t, []string{"m-1", "m-2"}, clusters[0].MemberIDs)
	assert.Equal(t, 1.0, clusters[0].Cohesion)
	assert.Equal(t, ClassAutoMerge, clusters[0].Classification)
}

func TestCluster_NearDuplicatesLink(t *testing.T) {
	cfg := clusterConfig()
	cfg.LinkThreshold = 0.6
	c := New(cfg)
	ctx := context.Background()

	clusters, err := c.Cluster(ctx, []*model.Memory{
		cmem("m-1", "the api rate limit is 100 requests per minute per key"),
		cmem("m-2", "the api rate limit is 100 requests per minute per key now"),
		cmem("m-3", "my favourite editor theme is gruvbox dark"),
	})
	require.NoError(t, err)

	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, []string{"m-1", "m-2"}, clusters[0].MemberIDs)
	assert.False(t, clusters[0].ExactDuplicate)
}

func TestCluster_EmbeddingsPreferred(t *testing.T) {
	cfg := clusterConfig()
	c := New(cfg)
	ctx := context.Background()

	// Dissimilar text but identical embeddings: semantic wins
	a := cmem("m-1", "alpha")
	a.Embed = []float32{1, 0, 0}
	b := cmem("m-2", "totally different words here")
	b.Embed = []float32{1, 0, 0}

	clusters, err := c.Cluster(ctx, []*model.Memory{a, b})
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.InDelta(t, 1.0, clusters[0].Cohesion, 1e-9)
}

func TestCluster_TagOverlapStrategy(t *testing.T) {
	cfg := clusterConfig()
	cfg.Strategy = StrategyTagOverlap
	cfg.LinkThreshold = 0.5
	c := New(cfg)
	ctx := context.Background()

	clusters, err := c.Cluster(ctx, []*model.Memory{
		cmem("m-1", "one", "infra", "deploy"),
		cmem("m-2", "two", "infra", "deploy"),
		cmem("m-3", "three", "cooking"),
	})
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, []string{"m-1", "m-2"}, clusters[0].MemberIDs)
}

func TestCluster_TemporalStrategy(t *testing.T) {
	cfg := clusterConfig()
	cfg.Strategy = StrategyTemporal
	c := New(cfg)
	ctx := context.Background()

	a := cmem("m-1", "one")
	a.CreatedAt = 1000
	b := cmem("m-2", "two")
	b.CreatedAt = 1500
	far := cmem("m-3", "three")
	far.CreatedAt = 100000

	clusters, err := c.Cluster(ctx, []*model.Memory{a, b, far})
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, []string{"m-1", "m-2"}, clusters[0].MemberIDs)
}

func TestCluster_MaxSizeCap(t *testing.T) {
	cfg := clusterConfig()
	cfg.Strategy = StrategyTagOverlap
	cfg.LinkThreshold = 0.5
	cfg.MaxClusterSize = 3
	c := New(cfg)
	ctx := context.Background()

	var memories []*model.Memory
	for i := 0; i < 6; i++ {
		m := cmem(fmt.Sprintf("m-%d", i), fmt.Sprintf("note %d", i), "same", "tags")
		memories = append(memories, m)
	}

	clusters, err := c.Cluster(ctx, memories)
	require.NoError(t, err)
	for _, cl := range clusters {
		assert.LessOrEqual(t, len(cl.MemberIDs), 3)
	}
}

func TestCluster_Classification(t *testing.T) {
	c := New(clusterConfig())
	assert.Equal(t, ClassAutoMerge, c.classify(0.95))
	assert.Equal(t, ClassReview, c.classify(0.8))
	assert.Equal(t, ClassKeepSeparate, c.classify(0.5))
}

func TestClusterID_StableForMemberSet(t *testing.T) {
	id1 := clusterID([]string{"m-a", "m-b"})
	id2 := clusterID([]string{"m-a", "m-b"})
	id3 := clusterID([]string{"m-a", "m-c"})
	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
}

func TestDuplicatePairs(t *testing.T) {
	cfg := clusterConfig()
	cfg.DuplicateHi = 0.7
	c := New(cfg)
	ctx := context.Background()

	pairs, err := c.DuplicatePairs(ctx, []*model.Memory{
		cmem("m-1", "the api rate limit is 100 requests per minute per key"),
		cmem("m-2", "the api rate limit is 100 requests per minute per key now"),
		cmem("m-3", "my favourite editor theme is gruvbox dark"),
	})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "m-1", pairs[0].A)
	assert.Equal(t, "m-2", pairs[0].B)
	assert.Greater(t, pairs[0].Similarity, 0.7)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-6)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 2}), "length mismatch")
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}), "zero magnitude")
}

func TestCluster_Cancellation(t *testing.T) {
	c := New(clusterConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Cluster(ctx, []*model.Memory{cmem("m-1", "x")})
	assert.Equal(t, model.KindCancelled, model.KindOf(err))
}
