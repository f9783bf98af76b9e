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
	"log/slog"
	"os"

	"github.com/tombee/daemonkit/internal/lifecycle"
	daemonerrors "github.com/tombee/daemonkit/pkg/errors"
	"github.com/tombee/daemonkit/pkg/notification"
)

// detach starts the daemon copy of this program and exits. The copy is the
// same executable with the same arguments; lifecycle.DaemonEnv tells it
// apart.
func (c *Controller) detach(cfg Config) error {
	if cfg.PIDFile != "" {
		locked, err := lifecycle.IsLocked(cfg.PIDFile)
		if err != nil {
			c.logger.Warn("could not check pid file lock", slog.String("path", cfg.PIDFile), slog.Any("error", err))
		}
		if locked {
			return alreadyRunning(cfg.PIDFile)
		}
	}

	exe, err := os.Executable()
	if err != nil {
		return processError(daemonerrors.DetachFailed, "locate executable", "", err)
	}

	spawner := lifecycle.NewSpawner().WithOutput(cfg.Stdout, cfg.Stderr)
	pid, err := spawner.SpawnDetached(exe, os.Args[1:])
	if err != nil {
		if pid == 0 {
			return processError(daemonerrors.DetachFailed, "start daemon", exe, err)
		}
		c.logger.Warn("daemon started with warnings", slog.Int("child_pid", pid), slog.Any("error", err))
	}

	c.logger.Info("detached", slog.Int("child_pid", pid))
	c.post(NotificationDetached, notification.Data{"child_pid": pid})
	c.setPhase(PhaseStopped)
	c.exit(0)

	return nil
}
