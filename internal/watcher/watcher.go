// Package watcher implements the File Watcher: it emits notifications for
// session log files under a watched root, falling back to watching the
// parent directory until the root itself is created.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fsnotify/fsnotify"
	. "github.com/sqrl-dev/sqrld/internal/logging"
)

// EventKind distinguishes a modify from a create notification.
type EventKind int

const (
	Modified EventKind = iota
	Created
)

// Event is a single filesystem notification for a log file.
type Event struct {
	Kind EventKind
	Path string
}

// agentFilePattern excludes sub-conversation files, which must never be
// treated as top-level sessions.
var agentFilePattern = regexp.MustCompile(`^agent-.*\.jsonl$`)

// Watcher recursively watches root for .jsonl files, or its parent if root
// doesn't exist yet, delivering events on Events.
type Watcher struct {
	root    string
	fsw     *fsnotify.Watcher
	Events  chan Event
	Errors  chan error
}

// New creates a Watcher for root. It does not start watching until Start is
// called.
func New(root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:   root,
		fsw:    fsw,
		Events: make(chan Event, 100),
		Errors: make(chan error, 10),
	}, nil
}

// Start begins watching. If root exists, it is watched recursively; if it
// doesn't exist yet, the parent directory is watched instead so that the
// eventual mkdir of root can be detected and picked up.
func (w *Watcher) Start(ctx context.Context) error {
	if info, err := os.Stat(w.root); err == nil && info.IsDir() {
		if err := w.addRecursive(w.root); err != nil {
			return err
		}
		L_info("watcher: watching root", "root", w.root)
	} else {
		parent := filepath.Dir(w.root)
		if err := w.fsw.Add(parent); err != nil {
			return err
		}
		L_info("watcher: root missing, watching parent", "parent", parent, "root", w.root)
	}

	go w.loop(ctx)
	return nil
}

// Stop releases the underlying OS watch.
func (w *Watcher) Stop() error {
	return w.fsw.Close()
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if addErr := w.fsw.Add(path); addErr != nil {
				L_warn("watcher: failed to watch dir", "dir", path, "error", addErr)
			}
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.Errors <- err:
			default:
				L_warn("watcher: error channel full, dropping", "error", err)
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			switch {
			case ev.Name == w.root:
				// The root itself was just created (we were watching its parent).
				if err := w.addRecursive(w.root); err != nil {
					L_warn("watcher: failed to watch newly created root", "error", err)
				}
			case strings.HasPrefix(ev.Name, w.root+string(filepath.Separator)):
				// A new project directory appeared under the watch root; start
				// watching it too so its session files are picked up.
				if err := w.fsw.Add(ev.Name); err != nil {
					L_warn("watcher: failed to watch new dir", "dir", ev.Name, "error", err)
				}
			}
			return
		}
	}

	name := filepath.Base(ev.Name)
	if !strings.HasSuffix(name, ".jsonl") {
		return
	}
	if agentFilePattern.MatchString(name) {
		L_trace("watcher: ignoring sub-conversation file", "file", name)
		return
	}

	switch {
	case ev.Op&fsnotify.Create == fsnotify.Create:
		w.emit(Event{Kind: Created, Path: ev.Name})

	case ev.Op&fsnotify.Write == fsnotify.Write:
		w.emit(Event{Kind: Modified, Path: ev.Name})
	}
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.Events <- ev:
	default:
		L_warn("watcher: events channel full, dropping event", "path", ev.Path)
	}
}
