// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"sort"

	"github.com/munin-sh/munin-mcp/internal/model"
)

// Filter narrows a memory listing. Zero values leave a dimension open.
type Filter struct {
	Status        model.Status
	TagsAny       []string
	TagsAll       []string
	CreatedAfter  int64
	CreatedBefore int64
	// MinScore drops candidates scoring below it under Score. Ignored when
	// Score is nil.
	MinScore float64
	Score    func(*model.Memory) float64
	Limit    int
}

// indexMemoryLocked installs a record into every memory index. Caller
// holds mu.
func (s *Store) indexMemoryLocked(m *model.Memory) {
	if old, ok := s.memories[m.ID]; ok {
		s.unindexTagsLocked(old)
		delete(s.statIndex[old.Status], old.ID)
	}
	s.memories[m.ID] = m
	for _, tag := range m.Tags {
		set, ok := s.tagIndex[tag]
		if !ok {
			set = make(map[string]struct{})
			s.tagIndex[tag] = set
		}
		set[m.ID] = struct{}{}
	}
	set, ok := s.statIndex[m.Status]
	if !ok {
		set = make(map[string]struct{})
		s.statIndex[m.Status] = set
	}
	set[m.ID] = struct{}{}
}

// dropMemoryLocked removes a record from every memory index. Caller holds
// mu.
func (s *Store) dropMemoryLocked(id string) {
	m, ok := s.memories[id]
	if !ok {
		return
	}
	s.unindexTagsLocked(m)
	delete(s.statIndex[m.Status], id)
	delete(s.memories, id)
}

func (s *Store) unindexTagsLocked(m *model.Memory) {
	for _, tag := range m.Tags {
		if set, ok := s.tagIndex[tag]; ok {
			delete(set, m.ID)
			if len(set) == 0 {
				delete(s.tagIndex, tag)
			}
		}
	}
}

// indexRelationLocked installs a relation into the relation indices.
// Caller holds mu.
func (s *Store) indexRelationLocked(r *model.Relation) {
	if old, ok := s.relations[r.ID]; ok {
		delete(s.relsFrom[old.From], old.ID)
		delete(s.relsTo[old.To], old.ID)
	}
	s.relations[r.ID] = r
	from, ok := s.relsFrom[r.From]
	if !ok {
		from = make(map[string]struct{})
		s.relsFrom[r.From] = from
	}
	from[r.ID] = struct{}{}
	to, ok := s.relsTo[r.To]
	if !ok {
		to = make(map[string]struct{})
		s.relsTo[r.To] = to
	}
	to[r.ID] = struct{}{}
}

// dropRelationLocked removes a relation from the relation indices. Caller
// holds mu.
func (s *Store) dropRelationLocked(id string) {
	r, ok := s.relations[id]
	if !ok {
		return
	}
	delete(s.relsFrom[r.From], id)
	delete(s.relsTo[r.To], id)
	delete(s.relations, id)
}

// relationIDsForLocked returns every relation id touching the memory id.
// Caller holds mu (read or write).
func (s *Store) relationIDsForLocked(memID string) []string {
	var ids []string
	for rid := range s.relsFrom[memID] {
		ids = append(ids, rid)
	}
	for rid := range s.relsTo[memID] {
		ids = append(ids, rid)
	}
	sort.Strings(ids)
	return ids
}

// ListMemories returns records matching the filter, newest last_used
// first, ties broken by id. The result is a snapshot: records are clones
// and later writes do not disturb it.
func (s *Store) ListMemories(ctx context.Context, f Filter) ([]*model.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.WrapError(model.KindCancelled, err, "list_memories")
	}

	s.mu.RLock()
	candidates := s.candidateIDsLocked(f)
	out := make([]*model.Memory, 0, len(candidates))
	for _, id := range candidates {
		m := s.memories[id]
		if !matchFilter(m, f) {
			continue
		}
		out = append(out, m.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUsed != out[j].LastUsed {
			return out[i].LastUsed > out[j].LastUsed
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// candidateIDsLocked picks the cheapest index to seed the scan: the
// status set, a tag posting list, or everything.
func (s *Store) candidateIDsLocked(f Filter) []string {
	var seed map[string]struct{}
	if len(f.TagsAny) == 1 && len(f.TagsAll) == 0 {
		seed = s.tagIndex[f.TagsAny[0]]
	} else if len(f.TagsAll) > 0 {
		seed = s.tagIndex[f.TagsAll[0]]
	} else if f.Status != "" {
		seed = s.statIndex[f.Status]
	}

	if seed != nil {
		ids := make([]string, 0, len(seed))
		for id := range seed {
			ids = append(ids, id)
		}
		return ids
	}

	ids := make([]string, 0, len(s.memories))
	for id := range s.memories {
		ids = append(ids, id)
	}
	return ids
}

// matchFilter applies the full filter to one record
func matchFilter(m *model.Memory, f Filter) bool {
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.CreatedAfter > 0 && m.CreatedAt < f.CreatedAfter {
		return false
	}
	if f.CreatedBefore > 0 && m.CreatedAt > f.CreatedBefore {
		return false
	}
	if len(f.TagsAny) > 0 {
		found := false
		for _, tag := range f.TagsAny {
			if m.HasTag(tag) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, tag := range f.TagsAll {
		if !m.HasTag(tag) {
			return false
		}
	}
	if f.Score != nil && f.Score(m) < f.MinScore {
		return false
	}
	return true
}

// ListRelations returns relations filtered by endpoint and type. Empty
// arguments leave a dimension open.
func (s *Store) ListRelations(ctx context.Context, from, to, relType string) ([]*model.Relation, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.WrapError(model.KindCancelled, err, "list_relations")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var seed map[string]struct{}
	switch {
	case from != "":
		seed = s.relsFrom[from]
	case to != "":
		seed = s.relsTo[to]
	}

	var out []*model.Relation
	appendMatch := func(r *model.Relation) {
		if from != "" && r.From != from {
			return
		}
		if to != "" && r.To != to {
			return
		}
		if relType != "" && r.Type != relType {
			return
		}
		cp := *r
		out = append(out, &cp)
	}

	if seed != nil {
		for id := range seed {
			appendMatch(s.relations[id])
		}
	} else {
		for _, r := range s.relations {
			appendMatch(r)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CountMemories returns live record counts by status
func (s *Store) CountMemories() map[model.Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.Status]int, len(s.statIndex))
	for status, set := range s.statIndex {
		counts[status] = len(set)
	}
	return counts
}
