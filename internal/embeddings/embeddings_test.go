// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/munin-sh/munin-mcp/internal/config"
	"github.com/munin-sh/munin-mcp/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobRoundTrip(t *testing.T) {
	vec := []float32{0.5, -1.25, 3.75, 0}
	assert.Equal(t, vec, blobToFloat32(float32ToBlob(vec)))
	assert.Nil(t, blobToFloat32([]byte{1, 2, 3}), "misaligned blob")
}

func TestHTTPClient_Embed(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"hello"}, req.Input)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"index": 0, "embedding": []float32{0.1, 0.2, 0.3}},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "test-key", "test-model", 3, 5*time.Second)
	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, 1, calls)
}

func TestHTTPClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"message": "bad key", "type": "auth_error"},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "wrong", "m", 0, 5*time.Second)
	_, err := c.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func TestService_DisabledIsGraceful(t *testing.T) {
	svc, err := NewService(config.EmbeddingConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, svc)
	assert.False(t, svc.Enabled(), "nil service reports unavailable")

	_, err = svc.Embed(context.Background(), "text")
	assert.Equal(t, model.KindExternalFailure, model.KindOf(err))
}

type fakeClient struct {
	calls int
	vec   []float32
}

func (f *fakeClient) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	return f.vec, nil
}

func (f *fakeClient) Model() string { return "fake" }

func TestService_CacheHitSkipsClient(t *testing.T) {
	cache, err := OpenCache(filepath.Join(t.TempDir(), "embed.db"))
	require.NoError(t, err)
	defer cache.Close()

	client := &fakeClient{vec: []float32{1, 2, 3}}
	svc := NewServiceWithClient(client, cache)
	ctx := context.Background()

	vec, err := svc.Embed(ctx, "the same text")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vec)
	assert.Equal(t, 1, client.calls)

	vec, err = svc.Embed(ctx, "the same text")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vec)
	assert.Equal(t, 1, client.calls, "second call served from cache")

	_, err = svc.Embed(ctx, "different text")
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
}

func TestCache_RoundTrip(t *testing.T) {
	cache, err := OpenCache(filepath.Join(t.TempDir(), "embed.db"))
	require.NoError(t, err)
	defer cache.Close()

	assert.Nil(t, cache.Get("hash1", "model-a"))

	require.NoError(t, cache.Put("hash1", "model-a", []float32{0.5, 0.25}))
	assert.Equal(t, []float32{0.5, 0.25}, cache.Get("hash1", "model-a"))

	// A different model name misses
	assert.Nil(t, cache.Get("hash1", "model-b"))
}
