// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store persists memories and relations to append-only JSONL files
// with in-memory indices, tombstone handling and periodic compaction.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/munin-sh/munin-mcp/internal/clock"
	"github.com/munin-sh/munin-mcp/internal/model"
)

// Storage file names under the storage root
const (
	MemoriesFile  = "memories.jsonl"
	RelationsFile = "relations.jsonl"
	LockFile      = ".lock"
)

// tombstone is the sentinel line that suppresses earlier lines with the
// same id
type tombstone struct {
	ID        string `json:"id"`
	Tomb      bool   `json:"_tomb"`
	DeletedAt int64  `json:"deleted_at,omitempty"`
}

// Store is the JSONL-backed record store. Exactly one writer mutates it at
// a time; readers proceed concurrently over the indices.
type Store struct {
	root  string
	clock clock.Clock

	// writeMu serializes every append and the compaction commit phase
	writeMu sync.Mutex
	// mu guards the in-memory indices
	mu sync.RWMutex

	memFile *appendFile
	relFile *appendFile

	memories  map[string]*model.Memory
	relations map[string]*model.Relation
	relsFrom  map[string]map[string]struct{} // memory id -> relation ids
	relsTo    map[string]map[string]struct{}
	tagIndex  map[string]map[string]struct{} // tag -> memory ids
	statIndex map[model.Status]map[string]struct{}

	memStats fileStats
	relStats fileStats

	// compaction replay buffer, non-nil while a compaction is writing
	compacting bool
	replayMem  [][]byte
	replayRel  [][]byte

	lock *Lock
}

// fileStats tracks line bookkeeping for one JSONL file
type fileStats struct {
	totalLines     int
	tombstoneLines int
	corruptLines   int
	firstBadOffset int64 // byte offset of the first malformed line, -1 if none
}

// Open loads the JSONL files under root, builds the indices and acquires
// the pid lockfile. A partial trailing line (torn write) is truncated; a
// malformed line is logged, counted and skipped.
func Open(root string, clk clock.Clock) (*Store, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, model.WrapError(model.KindIo, err, "failed to create storage root %s", root)
	}

	lock, err := Acquire(filepath.Join(root, LockFile))
	if err != nil {
		return nil, err
	}

	s := &Store{
		root:      root,
		clock:     clk,
		memories:  make(map[string]*model.Memory),
		relations: make(map[string]*model.Relation),
		relsFrom:  make(map[string]map[string]struct{}),
		relsTo:    make(map[string]map[string]struct{}),
		tagIndex:  make(map[string]map[string]struct{}),
		statIndex: make(map[model.Status]map[string]struct{}),
		lock:      lock,
	}
	s.memStats.firstBadOffset = -1
	s.relStats.firstBadOffset = -1

	if err := s.loadMemories(); err != nil {
		lock.Release()
		return nil, err
	}
	if err := s.loadRelations(); err != nil {
		lock.Release()
		return nil, err
	}

	s.memFile, err = openAppend(filepath.Join(root, MemoriesFile))
	if err != nil {
		lock.Release()
		return nil, err
	}
	s.relFile, err = openAppend(filepath.Join(root, RelationsFile))
	if err != nil {
		s.memFile.Close()
		lock.Release()
		return nil, err
	}

	// One directory fsync after recovery so truncations are durable
	if err := syncDir(root); err != nil {
		log.Printf("storage root fsync failed: %v", err)
	}

	return s, nil
}

// Close releases the append handles and the lockfile
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var firstErr error
	if err := s.memFile.Close(); err != nil {
		firstErr = err
	}
	if err := s.relFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.lock.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Root returns the storage root directory
func (s *Store) Root() string { return s.root }

// loadMemories streams memories.jsonl and builds the memory indices
func (s *Store) loadMemories() error {
	path := filepath.Join(s.root, MemoriesFile)
	return streamLines(path, &s.memStats, func(line []byte) {
		if id, ok := tombstoneID(line); ok {
			s.memStats.tombstoneLines++
			s.dropMemoryLocked(id)
			return
		}

		var m model.Memory
		if err := json.Unmarshal(line, &m); err != nil || m.ID == "" {
			s.noteCorrupt(&s.memStats, path, line, err)
			return
		}
		s.indexMemoryLocked(&m)
	})
}

// loadRelations streams relations.jsonl and builds the relation indices
func (s *Store) loadRelations() error {
	path := filepath.Join(s.root, RelationsFile)
	return streamLines(path, &s.relStats, func(line []byte) {
		if id, ok := tombstoneID(line); ok {
			s.relStats.tombstoneLines++
			s.dropRelationLocked(id)
			return
		}

		var r model.Relation
		if err := json.Unmarshal(line, &r); err != nil || r.ID == "" {
			s.noteCorrupt(&s.relStats, path, line, err)
			return
		}
		s.indexRelationLocked(&r)
	})
}

// noteCorrupt records a malformed line without aborting the load
func (s *Store) noteCorrupt(fs *fileStats, path string, line []byte, err error) {
	fs.corruptLines++
	preview := line
	if len(preview) > 80 {
		preview = preview[:80]
	}
	log.Printf("skipping malformed line in %s: %v (%q)", path, err, preview)
}

// tombstoneID reports whether the line is a tombstone and for which id
func tombstoneID(line []byte) (string, bool) {
	var t tombstone
	if err := json.Unmarshal(line, &t); err != nil {
		return "", false
	}
	if !t.Tomb || t.ID == "" {
		return "", false
	}
	return t.ID, true
}

// PutMemory validates and appends a memory line. An existing id is
// superseded; the older line becomes garbage reclaimable at compaction.
func (s *Store) PutMemory(ctx context.Context, m *model.Memory) error {
	if err := ctx.Err(); err != nil {
		return model.WrapError(model.KindCancelled, err, "put_memory")
	}
	if err := m.Validate(); err != nil {
		return err
	}

	rec := m.Clone()
	line, err := marshalLine(rec)
	if err != nil {
		return model.WrapError(model.KindInvalid, err, "failed to encode memory %s", rec.ID)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.appendMem(line); err != nil {
		return err
	}

	s.mu.Lock()
	s.indexMemoryLocked(rec)
	s.mu.Unlock()
	return nil
}

// GetMemory returns the latest non-tombstoned record for id
func (s *Store) GetMemory(ctx context.Context, id string) (*model.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.WrapError(model.KindCancelled, err, "get_memory")
	}

	s.mu.RLock()
	m, ok := s.memories[id]
	s.mu.RUnlock()
	if !ok {
		return nil, model.NewError(model.KindNotFound, "memory not found: %s", id)
	}
	return m.Clone(), nil
}

// DeleteMemory appends a tombstone for id and cascade-deletes relations
// referencing it. Tombstoning a missing id is a no-op.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return model.WrapError(model.KindCancelled, err, "delete_memory")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	_, exists := s.memories[id]
	cascade := s.relationIDsForLocked(id)
	s.mu.RUnlock()
	if !exists {
		return nil
	}

	now := s.clock.Now()
	line, err := marshalLine(tombstone{ID: id, Tomb: true, DeletedAt: now})
	if err != nil {
		return model.WrapError(model.KindIo, err, "failed to encode tombstone for %s", id)
	}
	if err := s.appendMem(line); err != nil {
		return err
	}
	s.memStats.tombstoneLines++

	// Each cascading relation gets its own tombstone line
	for _, rid := range cascade {
		rline, err := marshalLine(tombstone{ID: rid, Tomb: true, DeletedAt: now})
		if err != nil {
			return model.WrapError(model.KindIo, err, "failed to encode tombstone for %s", rid)
		}
		if err := s.appendRel(rline); err != nil {
			return err
		}
		s.relStats.tombstoneLines++
	}

	s.mu.Lock()
	s.dropMemoryLocked(id)
	for _, rid := range cascade {
		s.dropRelationLocked(rid)
	}
	s.mu.Unlock()
	return nil
}

// PutRelation validates and appends a relation line. Both endpoints must
// exist as live memories.
func (s *Store) PutRelation(ctx context.Context, r *model.Relation) error {
	if err := ctx.Err(); err != nil {
		return model.WrapError(model.KindCancelled, err, "put_relation")
	}
	if err := r.Validate(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	_, fromOK := s.memories[r.From]
	_, toOK := s.memories[r.To]
	s.mu.RUnlock()
	if !fromOK {
		return model.NewError(model.KindNotFound, "relation endpoint not found: %s", r.From)
	}
	if !toOK {
		return model.NewError(model.KindNotFound, "relation endpoint not found: %s", r.To)
	}

	rec := *r
	line, err := marshalLine(&rec)
	if err != nil {
		return model.WrapError(model.KindInvalid, err, "failed to encode relation %s", rec.ID)
	}
	if err := s.appendRel(line); err != nil {
		return err
	}

	s.mu.Lock()
	s.indexRelationLocked(&rec)
	s.mu.Unlock()
	return nil
}

// GetRelation returns the latest non-tombstoned relation for id
func (s *Store) GetRelation(ctx context.Context, id string) (*model.Relation, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.WrapError(model.KindCancelled, err, "get_relation")
	}

	s.mu.RLock()
	r, ok := s.relations[id]
	s.mu.RUnlock()
	if !ok {
		return nil, model.NewError(model.KindNotFound, "relation not found: %s", id)
	}
	cp := *r
	return &cp, nil
}

// DeleteRelation appends a tombstone for the relation id
func (s *Store) DeleteRelation(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return model.WrapError(model.KindCancelled, err, "delete_relation")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	_, exists := s.relations[id]
	s.mu.RUnlock()
	if !exists {
		return nil
	}

	line, err := marshalLine(tombstone{ID: id, Tomb: true, DeletedAt: s.clock.Now()})
	if err != nil {
		return model.WrapError(model.KindIo, err, "failed to encode tombstone for %s", id)
	}
	if err := s.appendRel(line); err != nil {
		return err
	}
	s.relStats.tombstoneLines++

	s.mu.Lock()
	s.dropRelationLocked(id)
	s.mu.Unlock()
	return nil
}

// PutBatch appends a compound write: new memories, new relations and
// tombstones for sources, in that order, fsyncing once per file. Either
// every line reaches the data files and the indices reflect all of them,
// or the indices are untouched. Consolidation and promotion ride on this.
func (s *Store) PutBatch(ctx context.Context, memories []*model.Memory, relations []*model.Relation, deleteMemoryIDs []string) error {
	if err := ctx.Err(); err != nil {
		return model.WrapError(model.KindCancelled, err, "put_batch")
	}
	for _, m := range memories {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	for _, r := range relations {
		if err := r.Validate(); err != nil {
			return err
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.clock.Now()

	var memLines, relLines [][]byte
	memRecs := make([]*model.Memory, 0, len(memories))
	for _, m := range memories {
		rec := m.Clone()
		line, err := marshalLine(rec)
		if err != nil {
			return model.WrapError(model.KindInvalid, err, "failed to encode memory %s", rec.ID)
		}
		memRecs = append(memRecs, rec)
		memLines = append(memLines, line)
	}
	relRecs := make([]*model.Relation, 0, len(relations))
	for _, r := range relations {
		rec := *r
		line, err := marshalLine(&rec)
		if err != nil {
			return model.WrapError(model.KindInvalid, err, "failed to encode relation %s", rec.ID)
		}
		relRecs = append(relRecs, &rec)
		relLines = append(relLines, line)
	}

	s.mu.RLock()
	tombs := 0
	var cascade []string
	for _, id := range deleteMemoryIDs {
		if _, ok := s.memories[id]; !ok {
			continue
		}
		line, err := marshalLine(tombstone{ID: id, Tomb: true, DeletedAt: now})
		if err != nil {
			s.mu.RUnlock()
			return model.WrapError(model.KindIo, err, "failed to encode tombstone for %s", id)
		}
		memLines = append(memLines, line)
		tombs++
		for _, rid := range s.relationIDsForLocked(id) {
			rline, err := marshalLine(tombstone{ID: rid, Tomb: true, DeletedAt: now})
			if err != nil {
				s.mu.RUnlock()
				return model.WrapError(model.KindIo, err, "failed to encode tombstone for %s", rid)
			}
			relLines = append(relLines, rline)
			cascade = append(cascade, rid)
		}
	}
	s.mu.RUnlock()

	if err := s.appendManyMem(memLines); err != nil {
		return err
	}
	if err := s.appendManyRel(relLines); err != nil {
		return err
	}
	s.memStats.tombstoneLines += tombs
	s.relStats.tombstoneLines += len(cascade)

	s.mu.Lock()
	for _, rec := range memRecs {
		s.indexMemoryLocked(rec)
	}
	for _, rec := range relRecs {
		s.indexRelationLocked(rec)
	}
	for _, id := range deleteMemoryIDs {
		s.dropMemoryLocked(id)
	}
	for _, rid := range cascade {
		s.dropRelationLocked(rid)
	}
	s.mu.Unlock()
	return nil
}

// appendMem writes one line to memories.jsonl and, during compaction, to
// the replay buffer so the rewrite does not lose it
func (s *Store) appendMem(line []byte) error {
	if err := s.memFile.Append(line); err != nil {
		return err
	}
	s.memStats.totalLines++
	if s.compacting {
		s.replayMem = append(s.replayMem, line)
	}
	return nil
}

// appendRel writes one line to relations.jsonl
func (s *Store) appendRel(line []byte) error {
	if err := s.relFile.Append(line); err != nil {
		return err
	}
	s.relStats.totalLines++
	if s.compacting {
		s.replayRel = append(s.replayRel, line)
	}
	return nil
}

// appendManyMem appends several lines with a single fsync
func (s *Store) appendManyMem(lines [][]byte) error {
	if len(lines) == 0 {
		return nil
	}
	if err := s.memFile.AppendMany(lines); err != nil {
		return err
	}
	s.memStats.totalLines += len(lines)
	if s.compacting {
		s.replayMem = append(s.replayMem, lines...)
	}
	return nil
}

// appendManyRel appends several lines with a single fsync
func (s *Store) appendManyRel(lines [][]byte) error {
	if len(lines) == 0 {
		return nil
	}
	if err := s.relFile.AppendMany(lines); err != nil {
		return err
	}
	s.relStats.totalLines += len(lines)
	if s.compacting {
		s.replayRel = append(s.replayRel, lines...)
	}
	return nil
}

// marshalLine encodes v as a single JSONL line with LF terminator
func marshalLine(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// streamLines reads a JSONL file line by line, truncating a torn trailing
// line left behind by a crash between write and fsync
func streamLines(path string, fs *fileStats, handle func(line []byte)) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return model.WrapError(model.KindIo, err, "failed to open %s", path)
	}

	// A file that does not end in LF has a torn final line from a crash
	// between write and fsync. Everything up to the last LF is intact.
	complete := data
	torn := int64(-1)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		cut := bytes.LastIndexByte(data, '\n') + 1
		complete = data[:cut]
		torn = int64(cut)
	}

	var offset int64
	for len(complete) > 0 {
		nl := bytes.IndexByte(complete, '\n')
		raw := complete[:nl]
		complete = complete[nl+1:]

		line := bytes.TrimSpace(raw)
		if len(line) > 0 {
			fs.totalLines++
			before := fs.corruptLines
			handle(line)
			if fs.corruptLines > before && fs.firstBadOffset < 0 {
				fs.firstBadOffset = offset
			}
		}
		offset += int64(nl) + 1
	}

	if torn >= 0 {
		if err := os.Truncate(path, torn); err != nil {
			return model.WrapError(model.KindIo, err, "failed to truncate torn line in %s", path)
		}
		log.Printf("truncated torn trailing line in %s at offset %d", path, torn)
	}
	return nil
}
