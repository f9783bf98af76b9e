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
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DaemonEnv marks a process started by Spawner.SpawnDetached.
const DaemonEnv = "_DAEMONKIT_DAEMON"

const daemonEnvValue = "1"

// OriginEnv carries the directory a daemon was started from. The child runs
// in "/", so relative paths from its command line are resolved against it.
const OriginEnv = "_DAEMONKIT_ORIGIN"

// originDir is captured before EnterDaemonChild clears the environment.
var originDir = os.Getenv(OriginEnv)

// OriginDir returns the directory the daemon was started from, or the
// current directory for a process that was not spawned by SpawnDetached.
func OriginDir() (string, error) {
	if originDir != "" && IsDaemonChild() {
		return originDir, nil
	}
	return os.Getwd()
}

// ResolvePath makes path absolute relative to OriginDir.
func ResolvePath(path string) (string, error) {
	if path == "" || filepath.IsAbs(path) {
		return path, nil
	}
	dir, err := OriginDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, path), nil
}

// IsDaemonChild reports whether this process was started by SpawnDetached.
func IsDaemonChild() bool {
	return os.Getenv(DaemonEnv) == daemonEnvValue
}

// EnterDaemonChild finishes detaching on the child side: it removes the
// marker so that programs started later do not inherit it, and makes sure the
// process leads its own session.
func EnterDaemonChild() error {
	for _, key := range []string{DaemonEnv, OriginEnv} {
		if err := os.Unsetenv(key); err != nil {
			return fmt.Errorf("failed to clear %s: %w", key, err)
		}
	}

	pid := os.Getpid()
	sid, err := unix.Getsid(0)
	if err != nil {
		return fmt.Errorf("failed to get session id: %w", err)
	}
	if sid == pid {
		return nil
	}

	if _, err := unix.Setsid(); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}
