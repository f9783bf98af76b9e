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

package watch

import (
	"sync"
	"time"
)

// Event describes a change to a watched file.
type Event struct {
	Path string
	Op   string
	Time time.Time
}

// Debouncer coalesces rapid changes to the same file, such as the several
// writes an editor makes on save. An event is delivered once no further
// event for its path arrived during the window; only the latest one is kept.
type Debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	timers  map[string]*pending
	onFlush func(Event)
	stopped bool
}

type pending struct {
	timer *time.Timer
	event Event
}

// NewDebouncer creates a debouncer that calls onFlush after window.
func NewDebouncer(window time.Duration, onFlush func(Event)) *Debouncer {
	return &Debouncer{
		window:  window,
		timers:  make(map[string]*pending),
		onFlush: onFlush,
	}
}

// Add records ev and restarts the timer for its path.
func (d *Debouncer) Add(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	p, ok := d.timers[ev.Path]
	if ok {
		p.timer.Stop()
		p.event = ev
	} else {
		p = &pending{event: ev}
		d.timers[ev.Path] = p
	}

	path := ev.Path
	p.timer = time.AfterFunc(d.window, func() {
		d.flush(path)
	})
}

func (d *Debouncer) flush(path string) {
	d.mu.Lock()
	p, ok := d.timers[path]
	if !ok || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.timers, path)
	d.mu.Unlock()

	// Outside the lock: onFlush may post notifications.
	if d.onFlush != nil {
		d.onFlush(p.event)
	}
}

// Stop cancels all pending events without delivering them. Add is a no-op
// afterwards.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for path, p := range d.timers {
		p.timer.Stop()
		delete(d.timers, path)
	}
}

// Pending returns the number of paths with an undelivered event.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}
