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

package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/daemonkit/internal/lifecycle"
	"github.com/tombee/daemonkit/pkg/notification"
)

// Environment of the daemon helper process started by TestDaemonMode.
const (
	helperEnv        = "DAEMONKIT_TEST_HELPER"
	helperRuntimeEnv = "DAEMONKIT_TEST_RUNTIME_DIR"
	helperJournalEnv = "DAEMONKIT_TEST_JOURNAL"
)

func TestMain(m *testing.M) {
	if mode := os.Getenv(privilegeHelperEnv); mode != "" {
		os.Exit(runPrivilegeHelper(mode))
	}
	if lifecycle.IsDaemonChild() && os.Getenv(helperEnv) == "1" {
		os.Exit(runDaemonHelper())
	}

	// Keep SIGUSR1 and SIGUSR2 handled for the whole run, so a test signal
	// that arrives after a controller removed its handlers cannot kill the
	// test binary.
	sink := make(chan os.Signal, 1)
	signal.Notify(sink, syscall.SIGUSR1, syscall.SIGUSR2)

	os.Exit(m.Run())
}

// runDaemonHelper is the body of the detached test daemon.
func runDaemonHelper() int {
	runtimeDir := os.Getenv(helperRuntimeEnv)

	center := notification.NewCenter()
	if _, err := center.Subscribe(notification.Any, nil, lifecycle.NewJournal(os.Getenv(helperJournalEnv))); err != nil {
		return 2
	}

	ctrl := New(center)
	err := ctrl.Configure(Config{
		Mode:             Daemon,
		RuntimeDirectory: runtimeDir,
		PIDFile:          filepath.Join(runtimeDir, "daemon.pid"),
		Umask:            KeepUmask,
		Signals:          map[os.Signal]Action{syscall.SIGTERM: ActionTerminate},
		Stdout:           filepath.Join(runtimeDir, "daemon.out"),
		Stderr:           filepath.Join(runtimeDir, "daemon.out"),
	})
	if err != nil {
		return 2
	}

	err = ctrl.Run(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		return 1
	}
	return 0
}

// eventLog records notifications in delivery order.
type eventLog struct {
	mu     sync.Mutex
	events []*notification.Notification
}

func (l *eventLog) HandleNotification(n *notification.Notification) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, n)
	return nil
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, len(l.events))
	for i, n := range l.events {
		names[i] = n.Name
	}
	return names
}

func (l *eventLog) find(name string) *notification.Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range l.events {
		if n.Name == name {
			return n
		}
	}
	return nil
}

func (l *eventLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, n := range l.events {
		if n.Name == name {
			count++
		}
	}
	return count
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newObserved returns a controller whose notifications are recorded.
func newObserved(t *testing.T, opts ...Option) (*Controller, *eventLog) {
	t.Helper()
	center := notification.NewCenter()
	ctrl := New(center, append([]Option{WithLogger(discardLogger())}, opts...)...)

	events := &eventLog{}
	_, err := center.Subscribe(notification.Any, ctrl, events)
	require.NoError(t, err)
	return ctrl, events
}

// testConfig returns a foreground configuration rooted in a fresh temp
// directory. The working directory is restored after the test.
func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)

	runtimeDir := filepath.Join(dir, "run")
	return Config{
		Mode:             Foreground,
		RuntimeDirectory: runtimeDir,
		PIDFile:          filepath.Join(runtimeDir, "test.pid"),
		Umask:            KeepUmask,
		Signals: map[os.Signal]Action{
			syscall.SIGUSR1: ActionTerminate,
			syscall.SIGUSR2: ActionReload,
		},
	}
}

func sendSelf(t *testing.T, sig syscall.Signal) {
	t.Helper()
	require.NoError(t, syscall.Kill(os.Getpid(), sig))
}

var errBoom = errors.New("boom")
