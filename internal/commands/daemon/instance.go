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

// Package daemon implements the commands that run and control a daemonkit
// instance.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/tombee/daemonkit/internal/commands/shared"
	"github.com/tombee/daemonkit/internal/lifecycle"
	"github.com/tombee/daemonkit/pkg/process"
)

// errNotRunning is returned by commands that need a running instance.
var errNotRunning = errors.New("daemonkit is not running")

// pidFilePath returns the PID file named by the flag, or by the settings.
func pidFilePath(s *shared.Settings, flag string) (string, error) {
	path := s.Process.PIDFile
	if flag != "" {
		path = flag
		if !filepath.IsAbs(flag) {
			path = s.Process.RuntimeFile(flag)
		}
	}
	if path == "" {
		return "", shared.NewInvalidConfigError("no pid file configured", nil)
	}
	return path, nil
}

// runningPID returns the PID of the instance holding the PID file. The lock
// decides whether an instance runs; the file content only names it.
func runningPID(path string) (int, error) {
	locked, err := lifecycle.IsLocked(path)
	if err != nil {
		return 0, fmt.Errorf("failed to check pid file lock: %w", err)
	}
	if !locked {
		return 0, errNotRunning
	}
	pid, err := lifecycle.ReadPID(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pid file: %w", err)
	}
	return pid, nil
}

// checkProgram refuses to signal a PID that runs some other program.
func checkProgram(pid int) error {
	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	if !lifecycle.MatchesCommand(pid, filepath.Base(exe)) {
		return fmt.Errorf("PID %d: %w", pid, lifecycle.ErrForeignProcess)
	}
	return nil
}

// signalFor returns the signal mapped to action, preferring def. Signals
// are compared by number so the choice is stable.
func signalFor(signals map[os.Signal]process.Action, action process.Action, def syscall.Signal) (syscall.Signal, bool) {
	if a, ok := signals[def]; ok && a == action {
		return def, true
	}
	var candidates []syscall.Signal
	for sig, a := range signals {
		if s, ok := sig.(syscall.Signal); ok && a == action {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	return candidates[0], true
}

func journalFor(s *shared.Settings) *lifecycle.Journal {
	if s.JournalPath == "" {
		return nil
	}
	return lifecycle.NewJournal(s.JournalPath)
}
