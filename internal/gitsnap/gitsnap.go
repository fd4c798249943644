// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package gitsnap keeps the storage directory under local git version
// control, committing the JSONL files whenever they change. It is a
// side-channel: failures are logged, never fatal to the engine.
package gitsnap

import (
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Snapshotter commits the storage directory to a local git repository
type Snapshotter struct {
	path string
	repo *git.Repository
}

// Open opens the repository at the storage root, initializing one on
// first use
func Open(path string) (*Snapshotter, error) {
	repo, err := git.PlainOpen(path)
	if err == git.ErrRepositoryNotExists {
		repo, err = git.PlainInit(path, false)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open storage repository: %w", err)
	}
	return &Snapshotter{path: path, repo: repo}, nil
}

// Commit stages everything and commits if the worktree is dirty. Returns
// true when a commit was created.
func (s *Snapshotter) Commit(message string) (bool, error) {
	wt, err := s.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("failed to open worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("failed to read worktree status: %w", err)
	}
	if status.IsClean() {
		return false, nil
	}

	if err := wt.AddGlob("."); err != nil {
		return false, fmt.Errorf("failed to stage changes: %w", err)
	}

	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "munin",
			Email: "munin@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// SnapshotMessage formats the periodic commit message
func SnapshotMessage(now time.Time) string {
	return fmt.Sprintf("snapshot %s", now.UTC().Format(time.RFC3339))
}
