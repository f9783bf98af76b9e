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
	"fmt"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/daemonkit/internal/commands/shared"
	"github.com/tombee/daemonkit/internal/lifecycle"
	"github.com/tombee/daemonkit/pkg/process"
)

// NewReloadCommand creates the reload command.
func NewReloadCommand() *cobra.Command {
	var pidFile string

	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Ask a running instance to reload its configuration",
		Long: `Send the configured reload signal (SIGHUP unless the configuration
maps another signal to reload) to the instance holding the PID file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReload(cmd, pidFile)
		},
	}

	cmd.Flags().StringVar(&pidFile, "pid-file", "", "PID file of the instance")
	return cmd
}

func runReload(cmd *cobra.Command, pidFileFlag string) error {
	settings, err := shared.LoadSettings(newLogger())
	if err != nil {
		return err
	}
	path, err := pidFilePath(settings, pidFileFlag)
	if err != nil {
		return err
	}
	sig, ok := signalFor(settings.Process.Signals, process.ActionReload, syscall.SIGHUP)
	if !ok {
		return shared.NewInvalidConfigError("no signal is mapped to reload", nil)
	}

	pid, err := runningPID(path)
	if err != nil {
		return err
	}
	if err := checkProgram(pid); err != nil {
		return err
	}
	if err := lifecycle.SendSignal(pid, sig); err != nil {
		return fmt.Errorf("failed to signal PID %d: %w", pid, err)
	}

	if !shared.GetQuiet() {
		fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("Sent %s to PID %d", process.SignalName(sig), pid)))
	}
	return nil
}
