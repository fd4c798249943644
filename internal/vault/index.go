// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/munin-sh/munin-mcp/internal/model"
)

// IndexFile is the on-disk projection of the vault, one JSONL entry per
// note, tombstones for deleted files
const IndexFile = "ltm_index.jsonl"

// indexTombstone suppresses an earlier entry for the same path
type indexTombstone struct {
	Path      string `json:"path"`
	Tomb      bool   `json:"_tomb"`
	DeletedAt int64  `json:"deleted_at,omitempty"`
}

// RefreshResult reports what an index refresh changed
type RefreshResult struct {
	Scanned   int `json:"scanned"`
	Updated   int `json:"updated"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
}

// Index is the in-memory view of the vault's markdown notes. The files on
// disk are the source of truth; the index is a rebuildable cache persisted
// to a JSONL file so startups skip unchanged notes.
type Index struct {
	vaultPath string
	indexPath string

	mu      sync.RWMutex
	entries map[string]*model.LTMEntry // vault-relative path -> entry
}

// NewIndex creates an Index over the vault directory, persisting to
// indexPath
func NewIndex(vaultPath, indexPath string) *Index {
	return &Index{
		vaultPath: vaultPath,
		indexPath: indexPath,
		entries:   make(map[string]*model.LTMEntry),
	}
}

// VaultPath returns the vault root
func (ix *Index) VaultPath() string { return ix.vaultPath }

// Load reads the persisted index file. Malformed lines are logged and
// skipped; the scan that follows repairs whatever they described.
func (ix *Index) Load() error {
	data, err := os.ReadFile(ix.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return model.WrapError(model.KindIo, err, "failed to read %s", ix.indexPath)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var tomb indexTombstone
		if err := json.Unmarshal(line, &tomb); err == nil && tomb.Tomb && tomb.Path != "" {
			delete(ix.entries, tomb.Path)
			continue
		}

		var e model.LTMEntry
		if err := json.Unmarshal(line, &e); err != nil || e.Path == "" {
			log.Printf("skipping malformed line in %s: %v", ix.indexPath, err)
			continue
		}
		ix.entries[e.Path] = &e
	}
	return nil
}

// Refresh scans the vault and updates the index incrementally: a note
// whose (mtime_ns, size) matches its cached entry is skipped, so the cost
// is proportional to changes. Deleted notes are tombstoned.
func (ix *Index) Refresh(ctx context.Context, now int64) (*RefreshResult, error) {
	if ix.vaultPath == "" {
		return nil, model.NewError(model.KindInvalid, "no vault path configured")
	}

	res := &RefreshResult{}
	seen := make(map[string]struct{})
	var updatedLines [][]byte

	err := filepath.WalkDir(ix.vaultPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return model.WrapError(model.KindCancelled, cerr, "vault refresh")
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(name, ".md") {
			return nil
		}

		rel, rerr := filepath.Rel(ix.vaultPath, path)
		if rerr != nil {
			return rerr
		}
		seen[rel] = struct{}{}
		res.Scanned++

		info, serr := d.Info()
		if serr != nil {
			return serr
		}
		mtime := info.ModTime().UnixNano()

		ix.mu.RLock()
		cached, ok := ix.entries[rel]
		ix.mu.RUnlock()
		if ok && cached.MtimeNS == mtime && cached.Size == info.Size() {
			res.Unchanged++
			return nil
		}

		entry, perr := indexNote(path, rel, mtime, info.Size())
		if perr != nil {
			// Unreadable or broken front-matter is not fatal to the scan
			log.Printf("failed to index %s: %v", path, perr)
			return nil
		}

		line, merr := json.Marshal(entry)
		if merr != nil {
			return merr
		}
		updatedLines = append(updatedLines, append(line, '\n'))

		ix.mu.Lock()
		ix.entries[rel] = entry
		ix.mu.Unlock()
		res.Updated++
		return nil
	})
	if err != nil {
		if model.KindOf(err) == model.KindCancelled {
			return nil, err
		}
		return nil, model.WrapError(model.KindIo, err, "failed to scan vault %s", ix.vaultPath)
	}

	// Tombstone entries whose file is gone
	ix.mu.Lock()
	var removed []string
	for rel := range ix.entries {
		if _, ok := seen[rel]; !ok {
			removed = append(removed, rel)
		}
	}
	sort.Strings(removed)
	for _, rel := range removed {
		delete(ix.entries, rel)
	}
	ix.mu.Unlock()

	for _, rel := range removed {
		line, merr := json.Marshal(indexTombstone{Path: rel, Tomb: true, DeletedAt: now})
		if merr != nil {
			return nil, model.WrapError(model.KindIo, merr, "failed to encode index tombstone")
		}
		updatedLines = append(updatedLines, append(line, '\n'))
	}
	res.Removed = len(removed)

	if err := ix.appendLines(updatedLines); err != nil {
		return nil, err
	}
	return res, nil
}

// Rebuild drops the cached state and rewrites the index file from a full
// scan, via temp file and atomic rename
func (ix *Index) Rebuild(ctx context.Context, now int64) (*RefreshResult, error) {
	ix.mu.Lock()
	ix.entries = make(map[string]*model.LTMEntry)
	ix.mu.Unlock()

	res, err := ix.Refresh(ctx, now)
	if err != nil {
		return nil, err
	}

	ix.mu.RLock()
	paths := make([]string, 0, len(ix.entries))
	for p := range ix.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var buf bytes.Buffer
	for _, p := range paths {
		line, merr := json.Marshal(ix.entries[p])
		if merr != nil {
			ix.mu.RUnlock()
			return nil, model.WrapError(model.KindIo, merr, "failed to encode index entry")
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	ix.mu.RUnlock()

	tmp := ix.indexPath + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return nil, model.WrapError(model.KindIo, err, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, ix.indexPath); err != nil {
		os.Remove(tmp)
		return nil, model.WrapError(model.KindIo, err, "failed to rename %s", tmp)
	}
	return res, nil
}

// Get returns the entry for a vault-relative path
func (ix *Index) Get(rel string) (*model.LTMEntry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[rel]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Entries returns a snapshot of every indexed note, sorted by path
func (ix *Index) Entries() []*model.LTMEntry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]*model.LTMEntry, 0, len(ix.entries))
	for _, e := range ix.entries {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Len returns the number of indexed notes
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// appendLines appends pre-encoded lines to the index file and fsyncs once
func (ix *Index) appendLines(lines [][]byte) error {
	if len(lines) == 0 {
		return nil
	}
	f, err := os.OpenFile(ix.indexPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return model.WrapError(model.KindIo, err, "failed to open %s", ix.indexPath)
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := f.Write(line); err != nil {
			return model.WrapError(model.KindIo, err, "failed to append to %s", ix.indexPath)
		}
	}
	if err := f.Sync(); err != nil {
		return model.WrapError(model.KindIo, err, "failed to fsync %s", ix.indexPath)
	}
	return nil
}

// indexNote parses one markdown note into an index entry
func indexNote(path, rel string, mtimeNS, size int64) (*model.LTMEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	fmRaw, body, err := SplitFrontMatter(string(data))
	if err != nil {
		return nil, err
	}
	fm, err := ParseFrontMatter(fmRaw)
	if err != nil {
		return nil, err
	}

	title := fm.Title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(rel), ".md")
	}

	return &model.LTMEntry{
		Path:            rel,
		Title:           title,
		Tags:            fm.Tags,
		Aliases:         fm.Aliases,
		Created:         fm.Created,
		MtimeNS:         mtimeNS,
		Size:            size,
		FrontMatterKeys: fm.Keys,
		Snippet:         Snippet(body),
	}, nil
}
