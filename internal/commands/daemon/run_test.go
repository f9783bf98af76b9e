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

package daemon

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/daemonkit/internal/commands/shared"
	"github.com/tombee/daemonkit/internal/config"
	"github.com/tombee/daemonkit/internal/lifecycle"
	"github.com/tombee/daemonkit/pkg/process"
)

func testSettings(t *testing.T) *shared.Settings {
	t.Helper()
	store, err := config.Load(config.Options{Name: shared.AppName, Dirs: []string{}})
	require.NoError(t, err)
	s, err := shared.SettingsFromStore(store)
	require.NoError(t, err)
	return s
}

func TestRunOptions_Apply(t *testing.T) {
	origin := t.TempDir()
	t.Chdir(origin)

	s := testSettings(t)
	opts := &runOptions{}
	cmd := newRunCommand(opts)
	require.NoError(t, cmd.ParseFlags([]string{
		"--daemon",
		"--runtime-dir", "rt",
		"--pid-file", "svc.pid",
		"--umask", "027",
		"--signal", "SIGUSR1=reload",
		"--signal", "SIGHUP=ignore",
		"--stdout", "out.log",
		"--journal", "svc.journal",
		"--metrics-addr", "127.0.0.1:0",
		"--shutdown-timeout", "5s",
		"--heartbeat", "0s",
	}))
	require.NoError(t, opts.apply(cmd, s))

	rt := filepath.Join(origin, "rt")
	assert.Equal(t, process.Daemon, s.Process.Mode)
	assert.Equal(t, rt, s.Process.RuntimeDirectory)
	assert.Equal(t, filepath.Join(rt, "svc.pid"), s.Process.PIDFile)
	assert.Equal(t, 0o027, s.Process.Umask)
	assert.Equal(t, process.ActionReload, s.Process.Signals[syscall.SIGUSR1])
	assert.Equal(t, process.ActionIgnore, s.Process.Signals[syscall.SIGHUP])
	assert.Equal(t, process.ActionTerminate, s.Process.Signals[syscall.SIGTERM], "other mappings are kept")
	assert.Equal(t, filepath.Join(origin, "out.log"), s.Process.Stdout)
	assert.Empty(t, s.Process.Stderr)
	assert.Equal(t, filepath.Join(rt, "svc.journal"), s.JournalPath)
	assert.Equal(t, "127.0.0.1:0", s.MetricsAddr)
	assert.Equal(t, 5*time.Second, s.ShutdownTimeout)
	assert.Zero(t, s.Heartbeat)
}

func TestRunOptions_ApplyUnchanged(t *testing.T) {
	s := testSettings(t)
	want := *s

	opts := &runOptions{}
	cmd := newRunCommand(opts)
	require.NoError(t, cmd.ParseFlags(nil))
	require.NoError(t, opts.apply(cmd, s))

	assert.Equal(t, want.Process.Mode, s.Process.Mode)
	assert.Equal(t, want.Process.PIDFile, s.Process.PIDFile)
	assert.Equal(t, want.Process.Umask, s.Process.Umask)
	assert.Equal(t, want.JournalPath, s.JournalPath)
	assert.Equal(t, want.Heartbeat, s.Heartbeat)
}

func TestRunOptions_ApplyErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "umask", args: []string{"--umask", "999"}},
		{name: "signal", args: []string{"--signal", "SIGUSR1=explode"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := &runOptions{}
			cmd := newRunCommand(opts)
			require.NoError(t, cmd.ParseFlags(tt.args))

			err := opts.apply(cmd, testSettings(t))
			require.Error(t, err)
			assert.Equal(t, shared.ExitInvalidConfig, shared.ExitCode(err))
		})
	}
}

func TestRunCommand_Foreground(t *testing.T) {
	t.Chdir(t.TempDir())

	runtimeDir := filepath.Join(t.TempDir(), "run")
	configBody := fmt.Sprintf(`
process:
  runtime_directory: %s
  pid_file: test.pid
  signals: "SIGUSR1=terminate,SIGUSR2=reload"
service:
  journal: events.journal
  heartbeat: 10ms
  metrics_addr: 127.0.0.1:0
`, runtimeDir)
	dir := useConfig(t, configBody)
	journalPath := filepath.Join(runtimeDir, "events.journal")

	cmd := NewRunCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)

	done := make(chan error, 1)
	go func() { done <- cmd.Execute() }()

	hasEvents := func(want ...string) func() bool {
		return func() bool {
			entries, _ := lifecycle.ReadJournal(journalPath)
			count := map[string]int{}
			for _, e := range entries {
				count[e.Event]++
			}
			for _, w := range want {
				if count[w] == 0 {
					return false
				}
				count[w]--
			}
			return true
		}
	}

	require.Eventually(t, hasEvents(process.NotificationStarted), 10*time.Second, 20*time.Millisecond)

	pid, err := lifecycle.ReadPID(filepath.Join(runtimeDir, "test.pid"))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR2))
	require.Eventually(t, hasEvents(process.NotificationReload), 5*time.Second, 20*time.Millisecond)

	// Editing the configuration file reloads too. The watcher starts with
	// the service, so keep editing until it notices.
	configPath := filepath.Join(dir, "daemonkit.yaml")
	fileReloaded := hasEvents(process.NotificationReload, process.NotificationReload)
	require.Eventually(t, func() bool {
		if fileReloaded() {
			return true
		}
		_ = os.WriteFile(configPath, []byte(configBody+"\n# edited\n"), 0o600)
		return false
	}, 10*time.Second, 500*time.Millisecond)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return")
	}

	entries, err := lifecycle.ReadJournal(journalPath)
	require.NoError(t, err)
	events := lifecycle.Events(entries)
	require.GreaterOrEqual(t, len(events), 5)
	assert.Equal(t, process.NotificationStarted, events[0])
	assert.Equal(t, []string{
		process.NotificationShuttingDown,
		process.NotificationStopping,
		process.NotificationStopped,
	}, events[len(events)-3:])

	var sources []string
	for _, e := range entries {
		if e.Event == process.NotificationReload {
			if src := e.Data["source"]; src != "" {
				sources = append(sources, src)
			} else {
				sources = append(sources, e.Data["signal"])
			}
		}
	}
	assert.Contains(t, sources, "SIGUSR2")
	assert.Contains(t, sources, "file")

	assert.NoFileExists(t, filepath.Join(runtimeDir, "test.pid"))
}
