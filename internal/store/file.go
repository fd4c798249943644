// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"os"

	"github.com/munin-sh/munin-mcp/internal/model"
)

// appendFile is an open JSONL file handle in append mode. Every append is
// flushed and fsynced before it returns.
type appendFile struct {
	path string
	f    *os.File
}

// openAppend opens (creating if needed) a JSONL file for appending
func openAppend(path string) (*appendFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, model.WrapError(model.KindIo, err, "failed to open %s for append", path)
	}
	return &appendFile{path: path, f: f}, nil
}

// Append writes one line and fsyncs
func (a *appendFile) Append(line []byte) error {
	if _, err := a.f.Write(line); err != nil {
		return model.WrapError(model.KindIo, err, "failed to append to %s", a.path)
	}
	if err := a.f.Sync(); err != nil {
		return model.WrapError(model.KindIo, err, "failed to fsync %s", a.path)
	}
	return nil
}

// AppendMany writes several lines with a single fsync
func (a *appendFile) AppendMany(lines [][]byte) error {
	for _, line := range lines {
		if _, err := a.f.Write(line); err != nil {
			return model.WrapError(model.KindIo, err, "failed to append to %s", a.path)
		}
	}
	if err := a.f.Sync(); err != nil {
		return model.WrapError(model.KindIo, err, "failed to fsync %s", a.path)
	}
	return nil
}

// Size returns the current file size in bytes
func (a *appendFile) Size() int64 {
	info, err := a.f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close closes the handle
func (a *appendFile) Close() error {
	return a.f.Close()
}

// reopen swaps the handle onto the (renamed-over) path after compaction
func (a *appendFile) reopen() error {
	if err := a.f.Close(); err != nil {
		return model.WrapError(model.KindIo, err, "failed to close %s", a.path)
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return model.WrapError(model.KindIo, err, "failed to reopen %s", a.path)
	}
	a.f = f
	return nil
}

// syncDir fsyncs a directory so renames and truncations are durable
func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
