// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package watch reloads configuration when its files change.
//
// A ConfigWatcher watches the directories holding the configuration files,
// so files replaced by rename are still seen, and posts a "reload"
// notification after each debounced change.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/daemonkit/pkg/notification"
	"github.com/tombee/daemonkit/pkg/process"
)

// DefaultWindow is the default debounce window.
const DefaultWindow = 250 * time.Millisecond

// SourceFile is the "source" payload value of reloads posted by a
// ConfigWatcher.
const SourceFile = "file"

var opNames = map[fsnotify.Op]string{
	fsnotify.Create: "created",
	fsnotify.Write:  "modified",
	fsnotify.Remove: "deleted",
	fsnotify.Rename: "renamed",
}

// Option configures a ConfigWatcher.
type Option func(*ConfigWatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *ConfigWatcher) {
		w.logger = logger
	}
}

// WithWindow sets the debounce window.
func WithWindow(d time.Duration) Option {
	return func(w *ConfigWatcher) {
		w.window = d
	}
}

// WithOnChange sets a hook run before the reload notification is posted,
// typically a configuration store's Reload. If it fails the change is
// logged and no notification is posted.
func WithOnChange(fn func(path string) error) Option {
	return func(w *ConfigWatcher) {
		w.onChange = fn
	}
}

// ConfigWatcher posts reload notifications when configuration files change.
type ConfigWatcher struct {
	center   *notification.Center
	files    map[string]bool
	window   time.Duration
	onChange func(path string) error
	logger   *slog.Logger

	fsw       *fsnotify.Watcher
	debouncer *Debouncer
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a watcher for paths. Nothing is watched until Start.
func New(center *notification.Center, paths []string, opts ...Option) (*ConfigWatcher, error) {
	if center == nil {
		return nil, fmt.Errorf("watch: nil notification center")
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("watch: no files to watch")
	}

	w := &ConfigWatcher{
		center: center,
		files:  make(map[string]bool, len(paths)),
		window: DefaultWindow,
		logger: slog.Default(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "watch")

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("watch: %s: %w", p, err)
		}
		w.files[abs] = true
	}
	return w, nil
}

// Files returns the watched file paths.
func (w *ConfigWatcher) Files() []string {
	out := make([]string, 0, len(w.files))
	for f := range w.files {
		out = append(out, f)
	}
	return out
}

// Start begins watching. It returns once the directories are watched;
// events are handled on a goroutine until ctx is done or Stop is called.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	dirs := make(map[string]bool)
	for f := range w.files {
		dir := filepath.Dir(f)
		if dirs[dir] {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		dirs[dir] = true
	}

	w.fsw = fsw
	w.debouncer = NewDebouncer(w.window, w.changed)
	go w.eventLoop(ctx)

	w.logger.Info("config watcher started", "files", len(w.files))
	return nil
}

// Stop stops watching and drops pending changes. It is safe to call more
// than once, and before Start.
func (w *ConfigWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fsw == nil {
			return
		}
		<-w.doneCh
		w.debouncer.Stop()
		err = w.fsw.Close()
	})
	return err
}

func (w *ConfigWatcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("config watcher stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Debug("config watcher stopped")
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *ConfigWatcher) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if !w.files[path] {
		return
	}
	for op, name := range opNames {
		if event.Has(op) {
			w.debouncer.Add(Event{Path: path, Op: name, Time: time.Now()})
			return
		}
	}
}

func (w *ConfigWatcher) changed(ev Event) {
	w.logger.Debug("config file changed", "path", ev.Path, "op", ev.Op)

	if w.onChange != nil {
		if err := w.onChange(ev.Path); err != nil {
			w.logger.Warn("ignoring config change", "path", ev.Path, "error", err)
			return
		}
	}

	err := w.center.Post(process.NotificationReload, w, notification.Data{
		"source": SourceFile,
		"path":   ev.Path,
		"op":     ev.Op,
	})
	if err != nil {
		w.logger.Error("failed to post reload", "error", err)
	}
}
