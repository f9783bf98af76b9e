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
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tombee/daemonkit/internal/commands/shared"
	"github.com/tombee/daemonkit/internal/lifecycle"
)

// StatusInfo is the JSON form of the status command's output.
type StatusInfo struct {
	Running bool                     `json:"running"`
	PID     int                      `json:"pid,omitempty"`
	Command string                   `json:"command,omitempty"`
	PIDFile string                   `json:"pid_file"`
	Journal string                   `json:"journal,omitempty"`
	Events  []lifecycle.JournalEntry `json:"events,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	var (
		pidFile string
		events  int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether an instance is running",
		Long: `Show whether an instance holds the PID file, which process it is,
and the most recent entries of the lifecycle journal.`,
		Example: `  # Show status
  daemonkit status

  # Machine readable, with the last 20 journal entries
  daemonkit status --json --events 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := collectStatus(pidFile, events)
			if err != nil {
				return err
			}
			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), info)
			}
			renderStatus(cmd.OutOrStdout(), info)
			return nil
		},
	}

	cmd.Flags().StringVar(&pidFile, "pid-file", "", "PID file of the instance")
	cmd.Flags().IntVar(&events, "events", 5, "Number of journal entries to show")

	return cmd
}

func collectStatus(pidFileFlag string, events int) (*StatusInfo, error) {
	settings, err := shared.LoadSettings(newLogger())
	if err != nil {
		return nil, err
	}
	path, err := pidFilePath(settings, pidFileFlag)
	if err != nil {
		return nil, err
	}

	info := &StatusInfo{PIDFile: path, Journal: settings.JournalPath}

	pid, err := runningPID(path)
	switch {
	case errors.Is(err, errNotRunning):
	case err != nil:
		return nil, err
	default:
		info.Running = true
		info.PID = pid
		if p := lifecycle.GetProcessInfo(pid); p.Running {
			info.Command = p.Command
		}
	}

	if info.Journal != "" && events > 0 {
		entries, err := lifecycle.ReadJournal(info.Journal)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if len(entries) > events {
			entries = entries[len(entries)-events:]
		}
		info.Events = entries
	}
	return info, nil
}

var statusBox = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("245")).
	Padding(0, 1)

func renderStatus(w io.Writer, info *StatusInfo) {
	var b strings.Builder

	state := shared.StatusError.Render(shared.SymbolError + " stopped")
	if info.Running {
		state = shared.StatusOK.Render(shared.SymbolOK + " running")
	}
	fmt.Fprintln(&b, shared.RenderField("Status", state))
	if info.Running {
		fmt.Fprintln(&b, shared.RenderField("PID", shared.Bold.Render(fmt.Sprint(info.PID))))
		if info.Command != "" {
			fmt.Fprintln(&b, shared.RenderField("Command", info.Command))
		}
	}
	fmt.Fprint(&b, shared.RenderField("PID file", info.PIDFile))

	fmt.Fprintln(w, shared.Header.Render("daemonkit"))
	fmt.Fprintln(w, statusBox.Render(b.String()))

	if len(info.Events) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, shared.Bold.Render("Recent events"))
	for _, e := range info.Events {
		line := fmt.Sprintf("  %s  %s  %s",
			shared.Muted.Render(e.Timestamp.Local().Format(time.DateTime)),
			shared.Muted.Render(fmt.Sprintf("%7d", e.PID)),
			shared.RenderEvent(e.Event))
		if e.Error != "" {
			line += " " + shared.StatusError.Render(e.Error)
		}
		fmt.Fprintln(w, line)
	}
}
