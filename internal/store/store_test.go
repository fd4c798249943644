// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/munin-sh/munin-mcp/internal/clock"
	"github.com/munin-sh/munin-mcp/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, *clock.Fake, string) {
	t.Helper()
	root := t.TempDir()
	clk := clock.NewFake(1_000_000)
	s, err := Open(root, clk)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk, root
}

func testMemory(id, content string, tags ...string) *model.Memory {
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

func TestPutGet_RoundTrip(t *testing.T) {
	s, _, _ := openTestStore(t)
	ctx := context.Background()

	m := testMemory("m-1", "I prefer TypeScript", "preferences", "typescript")
	m.Entities = []string{"TypeScript"}
	require.NoError(t, s.PutMemory(ctx, m))

	got, err := s.GetMemory(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = s.GetMemory(ctx, "m-missing")
	assert.True(t, model.IsNotFound(err))
}

func TestPut_SupersedesByID(t *testing.T) {
	s, _, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutMemory(ctx, testMemory("m-1", "first", "old")))

	updated := testMemory("m-1", "second", "new")
	updated.UseCount = 5
	require.NoError(t, s.PutMemory(ctx, updated))

	got, err := s.GetMemory(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Content)
	assert.Equal(t, 5, got.UseCount)

	// Tag index follows the latest line
	byOld, err := s.ListMemories(ctx, Filter{TagsAny: []string{"old"}})
	require.NoError(t, err)
	assert.Empty(t, byOld)
	byNew, err := s.ListMemories(ctx, Filter{TagsAny: []string{"new"}})
	require.NoError(t, err)
	assert.Len(t, byNew, 1)
}

func TestDelete_TombstonesAndCascades(t *testing.T) {
	s, _, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutMemory(ctx, testMemory("m-1", "a")))
	require.NoError(t, s.PutMemory(ctx, testMemory("m-2", "b")))
	require.NoError(t, s.PutRelation(ctx, &model.Relation{
		ID: "r-1", From: "m-1", To: "m-2", Type: model.RelationRelated, Strength: 1, CreatedAt: 1,
	}))

	require.NoError(t, s.DeleteMemory(ctx, "m-1"))

	_, err := s.GetMemory(ctx, "m-1")
	assert.True(t, model.IsNotFound(err))
	_, err = s.GetRelation(ctx, "r-1")
	assert.True(t, model.IsNotFound(err), "relations cascade with their endpoint")

	// Tombstoning a missing id is a no-op
	require.NoError(t, s.DeleteMemory(ctx, "m-ghost"))
}

func TestRelations_EndpointsMustExist(t *testing.T) {
	s, _, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutMemory(ctx, testMemory("m-1", "a")))
	err := s.PutRelation(ctx, &model.Relation{
		ID: "r-1", From: "m-1", To: "m-ghost", Type: model.RelationRelated, Strength: 1, CreatedAt: 1,
	})
	assert.True(t, model.IsNotFound(err))
}

func TestReload_RebuildsIndices(t *testing.T) {
	root := t.TempDir()
	clk := clock.NewFake(1_000_000)
	ctx := context.Background()

	s, err := Open(root, clk)
	require.NoError(t, err)
	require.NoError(t, s.PutMemory(ctx, testMemory("m-1", "alpha", "t1")))
	require.NoError(t, s.PutMemory(ctx, testMemory("m-2", "beta", "t2")))
	require.NoError(t, s.DeleteMemory(ctx, "m-2"))
	require.NoError(t, s.Close())

	s2, err := Open(root, clk)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetMemory(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Content)

	_, err = s2.GetMemory(ctx, "m-2")
	assert.True(t, model.IsNotFound(err), "tombstones survive restart")
}

func TestReload_LastNonTombstoneWins(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, MemoriesFile)
	lines := `{"id":"m-1","content":"first","created_at":1,"last_used":1,"use_count":1,"strength":1,"status":"active"}
{"id":"m-1","content":"second","created_at":1,"last_used":2,"use_count":2,"strength":1,"status":"active"}
{"id":"m-2","content":"gone","created_at":1,"last_used":1,"use_count":1,"strength":1,"status":"active"}
{"id":"m-2","_tomb":true,"deleted_at":5}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0600))

	s, err := Open(root, clock.NewFake(100))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	got, err := s.GetMemory(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Content)

	_, err = s.GetMemory(ctx, "m-2")
	assert.True(t, model.IsNotFound(err))
}

func TestReload_SkipsMalformedLines(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, MemoriesFile)
	lines := `{"id":"m-1","content":"ok","created_at":1,"last_used":1,"use_count":1,"strength":1,"status":"active"}
this is not json
{"id":"m-2","content":"also ok","created_at":1,"last_used":1,"use_count":1,"strength":1,"status":"active"}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0600))

	s, err := Open(root, clock.NewFake(100))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, err = s.GetMemory(ctx, "m-1")
	require.NoError(t, err)
	_, err = s.GetMemory(ctx, "m-2")
	require.NoError(t, err)

	st := s.Stats(0.3)
	assert.Equal(t, 1, st.Memories.CorruptCount)
	assert.Equal(t, int64(102), st.Memories.FirstBadOffset, "byte offset of the malformed line")
}

func TestReload_TruncatesTornTrailingLine(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, MemoriesFile)
	intact := `{"id":"m-1","content":"ok","created_at":1,"last_used":1,"use_count":1,"strength":1,"status":"active"}` + "\n"
	torn := `{"id":"m-2","content":"half wri`
	require.NoError(t, os.WriteFile(path, []byte(intact+torn), 0600))

	s, err := Open(root, clock.NewFake(100))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, err = s.GetMemory(ctx, "m-1")
	require.NoError(t, err)
	_, err = s.GetMemory(ctx, "m-2")
	assert.True(t, model.IsNotFound(err))

	// The torn bytes are gone; the next append starts on a clean line
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, intact, string(data))

	require.NoError(t, s.PutMemory(ctx, testMemory("m-3", "after crash")))
	s2, err := reopen(t, root)
	require.NoError(t, err)
	defer s2.Close()
	_, err = s2.GetMemory(ctx, "m-3")
	require.NoError(t, err)
}

func reopen(t *testing.T, root string) (*Store, error) {
	t.Helper()
	// Release the current lock first
	os.Remove(filepath.Join(root, LockFile))
	return Open(root, clock.NewFake(200))
}

func TestListMemories_Filters(t *testing.T) {
	s, _, _ := openTestStore(t)
	ctx := context.Background()

	a := testMemory("m-a", "about go", "lang/go", "work")
	a.CreatedAt, a.LastUsed = 100, 100
	b := testMemory("m-b", "about rust", "lang/rust", "work")
	b.CreatedAt, b.LastUsed = 200, 200
	c := testMemory("m-c", "archived note", "work")
	c.Status = model.StatusArchived
	c.CreatedAt, c.LastUsed = 300, 300
	for _, m := range []*model.Memory{a, b, c} {
		require.NoError(t, s.PutMemory(ctx, m))
	}

	active, err := s.ListMemories(ctx, Filter{Status: model.StatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.Equal(t, "m-b", active[0].ID, "newest last_used first")

	anyTag, err := s.ListMemories(ctx, Filter{TagsAny: []string{"lang/go", "lang/rust"}})
	require.NoError(t, err)
	assert.Len(t, anyTag, 2)

	allTags, err := s.ListMemories(ctx, Filter{TagsAll: []string{"lang/go", "work"}})
	require.NoError(t, err)
	require.Len(t, allTags, 1)
	assert.Equal(t, "m-a", allTags[0].ID)

	window, err := s.ListMemories(ctx, Filter{CreatedAfter: 150, CreatedBefore: 250})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "m-b", window[0].ID)

	scored, err := s.ListMemories(ctx, Filter{
		Status:   model.StatusActive,
		MinScore: 0.5,
		Score: func(m *model.Memory) float64 {
			if m.ID == "m-a" {
				return 0.9
			}
			return 0.1
		},
	})
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.Equal(t, "m-a", scored[0].ID)

	limited, err := s.ListMemories(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestCompact_DropsGarbageKeepsState(t *testing.T) {
	s, _, root := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m := testMemory("m-1", fmt.Sprintf("rev %d", i))
		m.UseCount = i + 1
		require.NoError(t, s.PutMemory(ctx, m))
	}
	require.NoError(t, s.PutMemory(ctx, testMemory("m-2", "keep me")))
	require.NoError(t, s.DeleteMemory(ctx, "m-2"))
	require.NoError(t, s.PutMemory(ctx, testMemory("m-3", "also keep")))

	res, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, res.MemoriesBefore)
	assert.Equal(t, 2, res.MemoriesAfter)

	// State identical after compaction
	got, err := s.GetMemory(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "rev 4", got.Content)
	assert.Equal(t, 5, got.UseCount)
	_, err = s.GetMemory(ctx, "m-2")
	assert.True(t, model.IsNotFound(err))

	// And identical after a reload of the compacted file
	require.NoError(t, s.Close())
	s2, err := Open(root, clock.NewFake(500))
	require.NoError(t, err)
	defer s2.Close()
	got, err = s2.GetMemory(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "rev 4", got.Content)

	st := s2.Stats(0.3)
	assert.Equal(t, 2, st.Memories.TotalLines)
	assert.Equal(t, 0, st.Memories.TombstoneCount)
}

func TestCompact_PreservesUnknownFields(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, MemoriesFile)
	line := `{"id":"m-1","content":"x","created_at":1,"last_used":1,"use_count":1,"strength":1,"status":"active","vintage":"2024"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(line), 0600))

	s, err := Open(root, clock.NewFake(100))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, err = s.Compact(ctx)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"vintage":"2024"`)
}

func TestPutBatch_AllOrNothing(t *testing.T) {
	s, _, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutMemory(ctx, testMemory("m-src1", "a")))
	require.NoError(t, s.PutMemory(ctx, testMemory("m-src2", "b")))

	merged := testMemory("m-merged", "a b merged")
	rels := []*model.Relation{
		{ID: "r-1", From: "m-merged", To: "m-src1", Type: model.RelationConsolidatedFrom, Strength: 1, CreatedAt: 1},
		{ID: "r-2", From: "m-merged", To: "m-src2", Type: model.RelationConsolidatedFrom, Strength: 1, CreatedAt: 1},
	}
	require.NoError(t, s.PutBatch(ctx, []*model.Memory{merged}, rels, []string{"m-src1", "m-src2"}))

	_, err := s.GetMemory(ctx, "m-merged")
	require.NoError(t, err)
	_, err = s.GetMemory(ctx, "m-src1")
	assert.True(t, model.IsNotFound(err))
	got, err := s.GetRelation(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, model.RelationConsolidatedFrom, got.Type)

	// An invalid record rejects the whole batch before anything lands
	bad := testMemory("m-bad", "x")
	bad.Strength = 99
	err = s.PutBatch(ctx, []*model.Memory{bad}, nil, []string{"m-merged"})
	assert.True(t, model.IsInvalid(err))
	_, err = s.GetMemory(ctx, "m-merged")
	require.NoError(t, err, "failed batch must not delete anything")
}

func TestStats_RecommendsCompaction(t *testing.T) {
	s, _, _ := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("m-%d", i)
		require.NoError(t, s.PutMemory(ctx, testMemory(id, "x")))
	}
	st := s.Stats(0.3)
	assert.False(t, st.CompactionRecommended)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.DeleteMemory(ctx, fmt.Sprintf("m-%d", i)))
	}
	st = s.Stats(0.3)
	assert.True(t, st.CompactionRecommended, "3 tombstones / 7 lines > 0.3")
	assert.Equal(t, 1, st.Memories.ActiveCount)
	assert.Equal(t, 3, st.Memories.TombstoneCount)
}

func TestLockfile_RefusesSecondProcess(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, clock.NewFake(100))
	require.NoError(t, err)
	defer s.Close()

	// Same pid as the holder counts as live; a second open must refuse
	_, err = Open(root, clock.NewFake(100))
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))
}

func TestLockfile_TakesOverStaleLock(t *testing.T) {
	root := t.TempDir()
	// Pid 4000000 is outside the default pid_max on Linux
	require.NoError(t, os.WriteFile(filepath.Join(root, LockFile), []byte("4000000\n"), 0600))

	s, err := Open(root, clock.NewFake(100))
	require.NoError(t, err)
	s.Close()
}

func TestCancelledContext(t *testing.T) {
	s, _, _ := openTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.PutMemory(ctx, testMemory("m-1", "x"))
	assert.Equal(t, model.KindCancelled, model.KindOf(err))
	_, err = s.ListMemories(ctx, Filter{})
	assert.Equal(t, model.KindCancelled, model.KindOf(err))
}
