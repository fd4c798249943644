// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

// FileStats describes one JSONL file's health
type FileStats struct {
	ActiveCount    int   `json:"active_count"`
	TotalLines     int   `json:"total_lines"`
	TombstoneCount int   `json:"tombstone_count"`
	CorruptCount   int   `json:"corrupt_count"`
	FirstBadOffset int64 `json:"first_bad_offset"` // -1 when the file loaded clean
	FileSize       int64 `json:"file_size"`
}

// Stats is a point-in-time snapshot of store health
type Stats struct {
	Memories              FileStats `json:"memories"`
	Relations             FileStats `json:"relations"`
	CompactionRecommended bool      `json:"compaction_recommended"`
}

// Stats reports line bookkeeping and whether compaction looks worthwhile.
// Compaction is recommended when tombstones exceed the configured ratio of
// total lines, or the file has grown well past what the live records need.
func (s *Store) Stats(tombstoneRatio float64) *Stats {
	s.writeMu.Lock()
	memStats, relStats := s.memStats, s.relStats
	memSize, relSize := s.memFile.Size(), s.relFile.Size()
	s.writeMu.Unlock()

	s.mu.RLock()
	memActive := len(s.memories)
	relActive := len(s.relations)
	s.mu.RUnlock()

	st := &Stats{
		Memories: FileStats{
			ActiveCount:    memActive,
			TotalLines:     memStats.totalLines,
			TombstoneCount: memStats.tombstoneLines,
			CorruptCount:   memStats.corruptLines,
			FirstBadOffset: memStats.firstBadOffset,
			FileSize:       memSize,
		},
		Relations: FileStats{
			ActiveCount:    relActive,
			TotalLines:     relStats.totalLines,
			TombstoneCount: relStats.tombstoneLines,
			CorruptCount:   relStats.corruptLines,
			FirstBadOffset: relStats.firstBadOffset,
			FileSize:       relSize,
		},
	}
	st.CompactionRecommended = recommendCompaction(st.Memories, tombstoneRatio) ||
		recommendCompaction(st.Relations, tombstoneRatio)
	return st
}

func recommendCompaction(fs FileStats, tombstoneRatio float64) bool {
	if fs.TotalLines == 0 {
		return false
	}
	if float64(fs.TombstoneCount)/float64(fs.TotalLines) > tombstoneRatio {
		return true
	}
	if fs.ActiveCount == 0 {
		return fs.TotalLines > 0
	}
	avg := fs.FileSize / int64(fs.TotalLines)
	return fs.FileSize > 10*int64(fs.ActiveCount)*avg
}
