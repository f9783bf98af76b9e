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
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/daemonkit/internal/commands/shared"
	"github.com/tombee/daemonkit/internal/lifecycle"
	"github.com/tombee/daemonkit/pkg/notification"
	"github.com/tombee/daemonkit/pkg/process"
)

type stopOptions struct {
	pidFile string
	signal  string
	timeout time.Duration
	force   bool
}

// NewStopCommand creates the stop command.
func NewStopCommand() *cobra.Command {
	opts := &stopOptions{}

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running instance",
		Long: `Stop the instance holding the PID file.

Sends the configured terminate signal (SIGTERM unless the configuration
maps another signal to terminate) and waits until the instance has
released its PID file. With --force, SIGKILL follows if the timeout
expires.

Stopping an instance that is not running succeeds.`,
		Example: `  # Stop gracefully
  daemonkit stop

  # Kill if not stopped within 10 seconds
  daemonkit stop --timeout 10s --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.pidFile, "pid-file", "", "PID file of the instance")
	cmd.Flags().StringVar(&opts.signal, "signal", "", "Signal to send (default: the configured terminate signal)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "How long to wait for the instance to exit")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Send SIGKILL when the timeout expires")

	return cmd
}

func runStop(cmd *cobra.Command, opts *stopOptions) error {
	settings, err := shared.LoadSettings(newLogger())
	if err != nil {
		return err
	}
	path, err := pidFilePath(settings, opts.pidFile)
	if err != nil {
		return err
	}

	sig, ok := signalFor(settings.Process.Signals, process.ActionTerminate, syscall.SIGTERM)
	if !ok {
		sig = syscall.SIGTERM
	}
	if opts.signal != "" {
		if sig, err = process.ParseSignal(opts.signal); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	pid, err := runningPID(path)
	if errors.Is(err, errNotRunning) {
		if !shared.GetQuiet() {
			fmt.Fprintln(out, "daemonkit is not running")
		}
		return nil
	}
	if err != nil {
		return err
	}
	if err := checkProgram(pid); err != nil {
		return err
	}

	if j := journalFor(settings); j != nil {
		_ = j.Record("stop-requested", notification.Data{
			"target": pid,
			"signal": process.SignalName(sig),
			"force":  opts.force,
		})
	}

	start := time.Now()
	if !shared.GetQuiet() {
		fmt.Fprintf(out, "Stopping daemonkit (PID %d)...\n", pid)
	}

	ctx := cmd.Context()
	err = lifecycle.StopProcess(ctx, pid, sig, opts.timeout, opts.force)
	if err != nil && !errors.Is(err, lifecycle.ErrProcessNotRunning) {
		return fmt.Errorf("failed to stop PID %d: %w", pid, err)
	}

	// The process is gone; its lock went with it unless a child inherited it.
	if err := lifecycle.NewReadinessChecker(path).WaitUntilReleased(ctx, 5*time.Second); err != nil {
		return fmt.Errorf("PID %d exited but the pid file is still locked: %w", pid, err)
	}

	if !shared.GetQuiet() {
		fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("Stopped in %s", time.Since(start).Round(time.Millisecond))))
	}
	return nil
}
