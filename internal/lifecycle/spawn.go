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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// Spawner starts a detached copy of a program, the re-exec equivalent of the
// classic fork-and-setsid daemonization.
type Spawner struct {
	// Env is the child's environment. The daemon marker is added on spawn.
	Env []string

	// Dir is the child's working directory.
	Dir string

	// Stdout and Stderr are files the child's output is appended to. Empty
	// means the null device.
	Stdout string
	Stderr string
}

// NewSpawner creates a spawner that inherits the current environment and
// starts its child in the root directory.
func NewSpawner() *Spawner {
	return &Spawner{
		Env: os.Environ(),
		Dir: "/",
	}
}

// WithEnv sets the environment for the spawned process.
func (s *Spawner) WithEnv(env []string) *Spawner {
	s.Env = env
	return s
}

// WithDir sets the working directory for the spawned process.
func (s *Spawner) WithDir(dir string) *Spawner {
	s.Dir = dir
	return s
}

// WithOutput redirects the child's stdout and stderr to the given files.
func (s *Spawner) WithOutput(stdoutPath, stderrPath string) *Spawner {
	s.Stdout = stdoutPath
	s.Stderr = stderrPath
	return s
}

// SpawnDetached starts binary with args in a new session, with stdin on the
// null device and DaemonEnv set in its environment, and returns its PID
// without waiting for it.
func (s *Spawner) SpawnDetached(binary string, args []string) (int, error) {
	stdout, err := openOutput(s.Stdout)
	if err != nil {
		return 0, fmt.Errorf("failed to open stdout: %w", err)
	}
	defer stdout.Close()

	stderr := stdout
	if s.Stderr != s.Stdout {
		stderr, err = openOutput(s.Stderr)
		if err != nil {
			return 0, fmt.Errorf("failed to open stderr: %w", err)
		}
		defer stderr.Close()
	}

	cmd := exec.Command(binary, args...)
	cmd.Env = withDaemonMarker(s.Env)
	cmd.Dir = s.Dir
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// A session leader has no controlling terminal and survives its
	// parent's exit. Setpgid is not set: setsid already makes the child a
	// group leader, and setpgid on a session leader fails.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start process: %w", err)
	}

	pid := cmd.Process.Pid

	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("process started but failed to release: %w", err)
	}

	return pid, nil
}

func openOutput(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

// withDaemonMarker sets DaemonEnv, and OriginEnv to the current directory,
// replacing any inherited values.
func withDaemonMarker(env []string) []string {
	out := make([]string, 0, len(env)+2)
	for _, kv := range env {
		if strings.HasPrefix(kv, DaemonEnv+"=") || strings.HasPrefix(kv, OriginEnv+"=") {
			continue
		}
		out = append(out, kv)
	}
	if wd, err := os.Getwd(); err == nil {
		out = append(out, OriginEnv+"="+wd)
	}
	return append(out, DaemonEnv+"="+daemonEnvValue)
}
