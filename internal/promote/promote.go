// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package promote moves high-value memories into the long-term vault as
// markdown notes, atomically, marking the source record promoted.
package promote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/munin-sh/munin-mcp/internal/clock"
	"github.com/munin-sh/munin-mcp/internal/config"
	"github.com/munin-sh/munin-mcp/internal/decay"
	"github.com/munin-sh/munin-mcp/internal/model"
	"github.com/munin-sh/munin-mcp/internal/store"
	"github.com/munin-sh/munin-mcp/internal/vault"
	"gopkg.in/yaml.v3"
)

// slugCollisionLimit bounds the -2, -3, ... suffix retries before the
// operation fails with Conflict
const slugCollisionLimit = 10

// frontMatter is the YAML header of a promoted note
type frontMatter struct {
	ID           string   `yaml:"id"`
	Created      string   `yaml:"created"`
	PromotedFrom string   `yaml:"promoted_from"`
	Tags         []string `yaml:"tags,omitempty"`
	Aliases      []string `yaml:"aliases,omitempty"`
	SourceMemIDs []string `yaml:"source_mem_ids"`
}

// Candidate is a record eligible for promotion
type Candidate struct {
	Memory *model.Memory `json:"-"`
	ID     string        `json:"id"`
	Reason string        `json:"reason"`
	Score  float64       `json:"score"`
}

// Result reports one completed (or previewed) promotion
type Result struct {
	STMID       string `json:"stm_id"`
	WrittenPath string `json:"written_path"` // vault-relative
	DryRun      bool   `json:"dry_run,omitempty"`
	Body        string `json:"body,omitempty"` // dry-run only
}

// Promoter emits vault notes for promoted memories
type Promoter struct {
	store  *store.Store
	scorer *decay.Scorer
	cfg    config.VaultConfig
	clock  clock.Clock
}

// New creates a Promoter
func New(st *store.Store, scorer *decay.Scorer, cfg config.VaultConfig, clk clock.Clock) *Promoter {
	return &Promoter{store: st, scorer: scorer, cfg: cfg, clock: clk}
}

// Candidates returns active records currently satisfying the promotion
// criteria, strongest first
func (p *Promoter) Candidates(ctx context.Context) ([]Candidate, error) {
	memories, err := p.store.ListMemories(ctx, store.Filter{Status: model.StatusActive})
	if err != nil {
		return nil, err
	}

	now := p.clock.Now()
	var out []Candidate
	for _, m := range memories {
		if err := ctx.Err(); err != nil {
			return nil, model.WrapError(model.KindCancelled, err, "promotion candidates")
		}
		ok, reason := p.scorer.ShouldPromote(m, now)
		if !ok {
			continue
		}
		out = append(out, Candidate{
			Memory: m,
			ID:     m.ID,
			Reason: reason,
			Score:  p.scorer.Score(m, now),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Promote writes the vault note for one memory and marks the STM record
// promoted. force skips the eligibility check. On dry-run the proposed
// filename and body come back with no side effects.
func (p *Promoter) Promote(ctx context.Context, id string, force, dryRun bool) (*Result, error) {
	if p.cfg.Path == "" {
		return nil, model.NewError(model.KindInvalid, "no vault path configured")
	}

	m, err := p.store.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status == model.StatusPromoted {
		return nil, model.NewError(model.KindConflict, "memory already promoted to %s", m.PromotedTo)
	}

	now := p.clock.Now()
	if !force {
		ok, reason := p.scorer.ShouldPromote(m, now)
		if !ok {
			return nil, model.NewError(model.KindInvalid, "memory does not meet promotion criteria: %s", reason)
		}
	}

	body, err := p.buildNote(ctx, m)
	if err != nil {
		return nil, err
	}

	relPath, err := p.pickPath(m, dryRun)
	if err != nil {
		return nil, err
	}

	if dryRun {
		return &Result{STMID: m.ID, WrittenPath: relPath, DryRun: true, Body: body}, nil
	}

	absPath := filepath.Join(p.cfg.Path, relPath)
	if err := os.MkdirAll(filepath.Dir(absPath), 0700); err != nil {
		return nil, model.WrapError(model.KindIo, err, "failed to create promotion directory")
	}

	// Write-then-rename keeps the vault free of half-written notes
	tmp := absPath + ".tmp"
	if err := writeFileSync(tmp, []byte(body)); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, absPath); err != nil {
		os.Remove(tmp)
		return nil, model.WrapError(model.KindIo, err, "failed to rename %s", tmp)
	}

	// The note is durable; now flip the STM record. A failure here leaves
	// an orphan note but never a promoted record without one.
	m.Status = model.StatusPromoted
	m.PromotedAt = now
	m.PromotedTo = relPath
	if err := p.store.PutMemory(ctx, m); err != nil {
		return nil, err
	}

	return &Result{STMID: m.ID, WrittenPath: relPath}, nil
}

// buildNote renders the markdown body: front-matter, content, and the
// outgoing relations section
func (p *Promoter) buildNote(ctx context.Context, m *model.Memory) (string, error) {
	fm := frontMatter{
		ID:           m.ID,
		Created:      time.Unix(m.CreatedAt, 0).UTC().Format(time.RFC3339),
		PromotedFrom: "stm",
		Tags:         m.Tags,
		Aliases:      m.Entities,
		SourceMemIDs: []string{m.ID},
	}
	fmBytes, err := yaml.Marshal(&fm)
	if err != nil {
		return "", model.WrapError(model.KindIo, err, "failed to marshal front-matter")
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(fmBytes)
	b.WriteString("---\n\n")
	b.WriteString(m.Content)
	b.WriteString("\n")

	relations, err := p.store.ListRelations(ctx, m.ID, "", "")
	if err != nil {
		return "", err
	}
	if len(relations) > 0 {
		b.WriteString("\n## Relations\n")
		for _, r := range relations {
			fmt.Fprintf(&b, "- %s → %s\n", r.Type, r.To)
		}
	}
	return b.String(), nil
}

// pickPath slugs the content into a filename under the promotion subdir,
// suffixing -2, -3, ... on collision
func (p *Promoter) pickPath(m *model.Memory, dryRun bool) (string, error) {
	slug := vault.Slug(m.Content)
	short := shortID(m.ID)

	for attempt := 1; attempt <= slugCollisionLimit; attempt++ {
		name := fmt.Sprintf("%s-%s.md", slug, short)
		if attempt > 1 {
			name = fmt.Sprintf("%s-%s-%d.md", slug, short, attempt)
		}
		rel := filepath.Join(p.cfg.PromotionSubdir, name)
		if dryRun {
			return rel, nil
		}
		if _, err := os.Stat(filepath.Join(p.cfg.Path, rel)); os.IsNotExist(err) {
			return rel, nil
		}
	}
	return "", model.NewError(model.KindConflict, "could not find a free filename for %s after %d attempts", m.ID, slugCollisionLimit)
}

// shortID trims a record id down to a filename-friendly suffix
func shortID(id string) string {
	id = strings.TrimPrefix(id, "m-")
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return id
}

// writeFileSync writes data and fsyncs before closing
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return model.WrapError(model.KindIo, err, "failed to create %s", path)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return model.WrapError(model.KindIo, err, "failed to write %s", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return model.WrapError(model.KindIo, err, "failed to fsync %s", path)
	}
	return f.Close()
}
