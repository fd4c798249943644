// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/munin-sh/munin-mcp/internal/model"
)

// CompactionResult reports line counts before and after a compaction
type CompactionResult struct {
	MemoriesBefore  int `json:"memories_before"`
	MemoriesAfter   int `json:"memories_after"`
	RelationsBefore int `json:"relations_before"`
	RelationsAfter  int `json:"relations_after"`
}

// Compact rewrites both JSONL files keeping only the latest non-tombstoned
// line per id. The build phase runs without the writer lock; appends that
// land meanwhile are buffered and replayed onto the temp file before the
// atomic rename.
func (s *Store) Compact(ctx context.Context) (*CompactionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.WrapError(model.KindCancelled, err, "compact")
	}

	// Snapshot phase: grab record pointers and flip the replay buffer on
	s.writeMu.Lock()
	if s.compacting {
		s.writeMu.Unlock()
		return nil, model.NewError(model.KindConflict, "compaction already in progress")
	}
	s.compacting = true
	s.replayMem, s.replayRel = nil, nil

	s.mu.RLock()
	memSnap := make([]*model.Memory, 0, len(s.memories))
	for _, m := range s.memories {
		memSnap = append(memSnap, m)
	}
	relSnap := make([]*model.Relation, 0, len(s.relations))
	for _, r := range s.relations {
		relSnap = append(relSnap, r)
	}
	s.mu.RUnlock()

	result := &CompactionResult{
		MemoriesBefore:  s.memStats.totalLines,
		RelationsBefore: s.relStats.totalLines,
	}
	s.writeMu.Unlock()

	// Stable output order keeps the files diffable across compactions
	sort.Slice(memSnap, func(i, j int) bool { return memSnap[i].ID < memSnap[j].ID })
	sort.Slice(relSnap, func(i, j int) bool { return relSnap[i].ID < relSnap[j].ID })

	// Build phase: write temp files, no locks held
	memTmp := filepath.Join(s.root, MemoriesFile+".tmp")
	relTmp := filepath.Join(s.root, RelationsFile+".tmp")

	fail := func(err error) (*CompactionResult, error) {
		os.Remove(memTmp)
		os.Remove(relTmp)
		s.writeMu.Lock()
		s.compacting = false
		s.replayMem, s.replayRel = nil, nil
		s.writeMu.Unlock()
		return nil, err
	}

	memF, err := os.OpenFile(memTmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fail(model.WrapError(model.KindIo, err, "failed to create %s", memTmp))
	}
	for _, m := range memSnap {
		if err := ctx.Err(); err != nil {
			memF.Close()
			return fail(model.WrapError(model.KindCancelled, err, "compact"))
		}
		line, err := marshalLine(m)
		if err != nil {
			memF.Close()
			return fail(model.WrapError(model.KindIo, err, "failed to encode memory %s", m.ID))
		}
		if _, err := memF.Write(line); err != nil {
			memF.Close()
			return fail(model.WrapError(model.KindIo, err, "failed to write %s", memTmp))
		}
	}

	relF, err := os.OpenFile(relTmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		memF.Close()
		return fail(model.WrapError(model.KindIo, err, "failed to create %s", relTmp))
	}
	for _, r := range relSnap {
		line, err := marshalLine(r)
		if err != nil {
			memF.Close()
			relF.Close()
			return fail(model.WrapError(model.KindIo, err, "failed to encode relation %s", r.ID))
		}
		if _, err := relF.Write(line); err != nil {
			memF.Close()
			relF.Close()
			return fail(model.WrapError(model.KindIo, err, "failed to write %s", relTmp))
		}
	}

	// Commit phase: replay buffered appends, fsync, rename, reopen
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	commitFail := func(err error) (*CompactionResult, error) {
		memF.Close()
		relF.Close()
		os.Remove(memTmp)
		os.Remove(relTmp)
		s.compacting = false
		s.replayMem, s.replayRel = nil, nil
		return nil, err
	}

	memTombs, relTombs := 0, 0
	for _, line := range s.replayMem {
		if _, ok := tombstoneID(line); ok {
			memTombs++
		}
		if _, err := memF.Write(line); err != nil {
			return commitFail(model.WrapError(model.KindIo, err, "failed to replay into %s", memTmp))
		}
	}
	for _, line := range s.replayRel {
		if _, ok := tombstoneID(line); ok {
			relTombs++
		}
		if _, err := relF.Write(line); err != nil {
			return commitFail(model.WrapError(model.KindIo, err, "failed to replay into %s", relTmp))
		}
	}

	if err := memF.Sync(); err != nil {
		return commitFail(model.WrapError(model.KindIo, err, "failed to fsync %s", memTmp))
	}
	if err := relF.Sync(); err != nil {
		return commitFail(model.WrapError(model.KindIo, err, "failed to fsync %s", relTmp))
	}
	memF.Close()
	relF.Close()

	if err := os.Rename(memTmp, filepath.Join(s.root, MemoriesFile)); err != nil {
		return commitFail(model.WrapError(model.KindIo, err, "failed to rename %s", memTmp))
	}
	if err := os.Rename(relTmp, filepath.Join(s.root, RelationsFile)); err != nil {
		// memories.jsonl is already swapped; the store stays consistent
		// because the rel temp still holds a superset of live lines
		return commitFail(model.WrapError(model.KindIo, err, "failed to rename %s", relTmp))
	}
	if err := syncDir(s.root); err != nil {
		return commitFail(model.WrapError(model.KindIo, err, "failed to fsync %s", s.root))
	}

	if err := s.memFile.reopen(); err != nil {
		return commitFail(err)
	}
	if err := s.relFile.reopen(); err != nil {
		return commitFail(err)
	}

	s.memStats = fileStats{
		totalLines:     len(memSnap) + len(s.replayMem),
		tombstoneLines: memTombs,
		firstBadOffset: -1,
	}
	s.relStats = fileStats{
		totalLines:     len(relSnap) + len(s.replayRel),
		tombstoneLines: relTombs,
		firstBadOffset: -1,
	}
	result.MemoriesAfter = s.memStats.totalLines
	result.RelationsAfter = s.relStats.totalLines

	s.compacting = false
	s.replayMem, s.replayRel = nil, nil
	return result, nil
}
