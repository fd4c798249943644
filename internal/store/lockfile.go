// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/munin-sh/munin-mcp/internal/model"
)

// Lock is a pid lockfile guarding a storage directory against a second
// process. The store is single-process; we refuse to run rather than
// corrupt the files.
type Lock struct {
	path string
}

// Acquire creates the pid file, taking over a stale lock whose owner is
// gone. A live owner yields a Conflict error.
func Acquire(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && pidAlive(pid) {
			return nil, model.NewError(model.KindConflict, "storage locked by running process %d (%s)", pid, path)
		}
		// Stale lock from a dead process
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return nil, model.WrapError(model.KindIo, rerr, "failed to remove stale lock %s", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, model.WrapError(model.KindIo, err, "failed to read lock %s", path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, model.NewError(model.KindConflict, "storage lock %s appeared during acquisition", path)
		}
		return nil, model.WrapError(model.KindIo, err, "failed to create lock %s", path)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		os.Remove(path)
		return nil, model.WrapError(model.KindIo, err, "failed to write lock %s", path)
	}
	return &Lock{path: path}, nil
}

// Release removes the pid file
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return model.WrapError(model.KindIo, err, "failed to remove lock %s", l.path)
	}
	return nil
}

// pidAlive reports whether a process with the given pid exists
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
