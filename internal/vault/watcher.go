// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package vault

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces editor write bursts into one refresh
const debounceWindow = 2 * time.Second

// Watcher triggers incremental index refreshes when vault files change
type Watcher struct {
	index   *Index
	refresh func()
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a Watcher over the index's vault directory. refresh
// is invoked (debounced) after relevant filesystem events.
func NewWatcher(index *Index, refresh func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		index:   index,
		refresh: refresh,
		watcher: fw,
		done:    make(chan struct{}),
	}

	// Watch the vault tree; fsnotify is not recursive so each directory
	// is registered, and new directories are added as they appear
	err = filepath.WalkDir(index.VaultPath(), func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if d.IsDir() && !strings.HasPrefix(d.Name(), ".") {
			return fw.Add(path)
		}
		return nil
	})
	if err != nil {
		fw.Close()
		return nil, err
	}

	return w, nil
}

// Run processes events until the context is cancelled
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			if ev.Op.Has(fsnotify.Create) {
				// A new subdirectory needs its own watch
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.watcher.Add(ev.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("vault watcher error: %v", err)
		case <-timerC:
			timer = nil
			timerC = nil
			w.refresh()
		}
	}
}

// Close stops the underlying watcher and waits for Run to exit
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

// relevant filters events down to markdown files and directories,
// ignoring dot-files
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if strings.HasSuffix(base, ".md") {
		return true
	}
	// Directory events matter for create/rename; extensionless names are
	// usually directories
	return !strings.Contains(base, ".")
}
