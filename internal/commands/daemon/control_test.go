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
	"github.com/tombee/daemonkit/internal/lifecycle"
)

func signalConfig(t *testing.T, signals string) string {
	t.Helper()
	runtimeDir := filepath.Join(t.TempDir(), "run")
	require.NoError(t, os.Mkdir(runtimeDir, 0o700))
	useConfig(t, fmt.Sprintf(`
process:
  runtime_directory: %s
  pid_file: test.pid
  signals: %q
service:
  journal_enabled: false
`, runtimeDir, signals))
	return runtimeDir
}

func TestStop_NotRunning(t *testing.T) {
	signalConfig(t, "SIGTERM=terminate")

	cmd := NewStopCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "daemonkit is not running")
}

func TestStop_InvalidSignal(t *testing.T) {
	signalConfig(t, "SIGTERM=terminate")

	cmd := NewStopCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--signal", "SIGNOPE"})

	assert.Error(t, cmd.Execute())
}

func TestReload_SendsMappedSignal(t *testing.T) {
	runtimeDir := signalConfig(t, "SIGHUP=ignore,SIGUSR2=reload,SIGTERM=terminate")

	pidFile := lifecycle.NewPIDFile(filepath.Join(runtimeDir, "test.pid"))
	require.NoError(t, pidFile.Acquire(os.Getpid()))
	defer pidFile.Release()

	drainSignals()

	cmd := NewReloadCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())

	select {
	case sig := <-signals:
		assert.Equal(t, syscall.SIGUSR2, sig)
	case <-time.After(5 * time.Second):
		t.Fatal("reload signal not delivered")
	}
	assert.Contains(t, out.String(), fmt.Sprintf("Sent SIGUSR2 to PID %d", os.Getpid()))
}

func TestReload_NoReloadSignal(t *testing.T) {
	signalConfig(t, "SIGTERM=terminate")

	cmd := NewReloadCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalidConfig, shared.ExitCode(err))
}

func TestReload_NotRunning(t *testing.T) {
	signalConfig(t, "SIGHUP=reload")

	cmd := NewReloadCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)

	assert.ErrorIs(t, cmd.Execute(), errNotRunning)
}
