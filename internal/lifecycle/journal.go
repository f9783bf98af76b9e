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

package lifecycle

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tombee/daemonkit/pkg/notification"
)

// JournalEntry is one line of the lifecycle journal.
type JournalEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Event     string            `json:"event"`
	PID       int               `json:"pid"`
	Sender    string            `json:"sender,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Journal appends lifecycle events to a file as JSON lines. It is an
// Observer, so subscribing it to notification.Any records every notification
// together with the PID of the process that saw it.
type Journal struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewJournal creates a journal that writes to path.
func NewJournal(path string) *Journal {
	return &Journal{
		path: path,
		now:  time.Now,
	}
}

// Path returns the journal file location.
func (j *Journal) Path() string {
	return j.path
}

// HandleNotification records n.
func (j *Journal) HandleNotification(n *notification.Notification) error {
	entry := JournalEntry{
		Event: n.Name,
		Data:  stringify(n.Data),
	}
	if n.Sender != notification.UnknownSender {
		entry.Sender = fmt.Sprintf("%T", n.Sender)
	}
	if errValue, ok := n.Data["error"]; ok {
		entry.Error = fmt.Sprint(errValue)
		delete(entry.Data, "error")
	}
	return j.write(entry)
}

// Record writes an event that did not come through a notification center,
// such as a stop request made from the command line.
func (j *Journal) Record(event string, data notification.Data) error {
	return j.HandleNotification(&notification.Notification{
		Name:   event,
		Sender: notification.UnknownSender,
		Data:   data,
	})
}

// write appends an entry. The file is opened for each entry so that the
// journal keeps working across detaching and privilege changes.
func (j *Journal) write(entry JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry.Timestamp = j.now()
	entry.PID = os.Getpid()

	if err := os.MkdirAll(filepath.Dir(j.path), 0o700); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}

	return nil
}

// ReadJournal returns every entry in the journal at path, oldest first.
func ReadJournal(path string) ([]JournalEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []JournalEntry
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return entries, fmt.Errorf("journal line %d: %w", line, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("failed to read journal: %w", err)
	}

	return entries, nil
}

// Events returns the event names of entries, in order.
func Events(entries []JournalEntry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Event
	}
	return names
}

func stringify(data notification.Data) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = fmt.Sprint(v)
	}
	return out
}
