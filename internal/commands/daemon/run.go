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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/daemonkit/internal/commands/shared"
	"github.com/tombee/daemonkit/internal/lifecycle"
	"github.com/tombee/daemonkit/internal/log"
	"github.com/tombee/daemonkit/internal/metrics"
	"github.com/tombee/daemonkit/internal/watch"
	"github.com/tombee/daemonkit/pkg/notification"
	"github.com/tombee/daemonkit/pkg/process"
)

type runOptions struct {
	daemon          bool
	pidFile         string
	runtimeDir      string
	workingDir      string
	user            string
	group           string
	umask           string
	signals         []string
	stdout          string
	stderr          string
	journal         string
	metricsAddr     string
	shutdownTimeout time.Duration
	heartbeat       time.Duration
	noWatch         bool
	waitReady       time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	return newRunCommand(&runOptions{})
}

func newRunCommand(opts *runOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the service under the process controller",
		Long: `Run the service in the foreground or as a daemon.

The controller prepares the runtime directory, holds the PID file for as
long as the service runs, dispatches signals and drops privileges before
the service starts. Lifecycle events are logged, written to the journal
and counted in the metrics.

Flags override the [process] and [service] sections of the configuration.`,
		Example: `  # Run in the foreground
  daemonkit run

  # Run as a daemon with a metrics endpoint
  daemonkit run --daemon --metrics-addr 127.0.0.1:9464

  # Reload on SIGUSR1 instead of SIGHUP
  daemonkit run --signal SIGUSR1=reload --signal SIGHUP=ignore`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.BoolVarP(&opts.daemon, "daemon", "d", false, "Detach and run in the background")
	f.StringVar(&opts.pidFile, "pid-file", "", "PID file path, relative names are placed in the runtime directory")
	f.StringVar(&opts.runtimeDir, "runtime-dir", "", "Runtime directory")
	f.StringVar(&opts.workingDir, "working-dir", "", "Working directory (default: the runtime directory)")
	f.StringVar(&opts.user, "user", "", "User to run as (requires root)")
	f.StringVar(&opts.group, "group", "", "Group to run as (requires root)")
	f.StringVar(&opts.umask, "umask", "", "File mode creation mask, in octal")
	f.StringArrayVar(&opts.signals, "signal", nil, "Signal action as SIGNAL=ACTION (repeatable)")
	f.StringVar(&opts.stdout, "stdout", "", "File receiving the daemon's standard output")
	f.StringVar(&opts.stderr, "stderr", "", "File receiving the daemon's standard error")
	f.StringVar(&opts.journal, "journal", "", "Lifecycle journal path")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Listen address of the Prometheus endpoint")
	f.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 0, "How long to wait for the service after a terminate signal")
	f.DurationVar(&opts.heartbeat, "heartbeat", 0, "Interval of the service heartbeat")
	f.BoolVar(&opts.noWatch, "no-watch", false, "Do not reload when the configuration file changes")
	f.DurationVar(&opts.waitReady, "wait-ready", 0, "With --daemon, wait this long for the daemon to hold its PID file before returning")

	return cmd
}

// apply overrides settings with the flags that were set.
func (o *runOptions) apply(cmd *cobra.Command, s *shared.Settings) error {
	f := cmd.Flags()
	cfg := &s.Process

	if f.Changed("daemon") {
		cfg.Mode = process.Foreground
		if o.daemon {
			cfg.Mode = process.Daemon
		}
	}
	if f.Changed("runtime-dir") {
		dir, err := lifecycle.ResolvePath(o.runtimeDir)
		if err != nil {
			return shared.NewInvalidConfigError("invalid --runtime-dir", err)
		}
		cfg.RuntimeDirectory = dir
	}
	if f.Changed("pid-file") {
		cfg.PIDFile = o.pidFile
		if o.pidFile != "" && !filepath.IsAbs(o.pidFile) {
			cfg.PIDFile = cfg.RuntimeFile(o.pidFile)
		}
	}
	if f.Changed("working-dir") {
		dir, err := lifecycle.ResolvePath(o.workingDir)
		if err != nil {
			return shared.NewInvalidConfigError("invalid --working-dir", err)
		}
		cfg.WorkingDirectory = dir
	}
	if f.Changed("user") {
		cfg.User = o.user
	}
	if f.Changed("group") {
		cfg.Group = o.group
	}
	if f.Changed("umask") {
		mask, err := process.ParseUmask(o.umask)
		if err != nil {
			return shared.NewInvalidConfigError("invalid --umask", err)
		}
		cfg.Umask = mask
	}
	if len(o.signals) > 0 {
		m, err := process.ParseSignalMap(strings.Join(o.signals, ","))
		if err != nil {
			return err
		}
		if cfg.Signals == nil {
			cfg.Signals = make(map[os.Signal]process.Action)
		}
		for sig, action := range m {
			cfg.Signals[sig] = action
		}
	}
	if f.Changed("stdout") {
		cfg.Stdout = absOrEmpty(o.stdout)
	}
	if f.Changed("stderr") {
		cfg.Stderr = absOrEmpty(o.stderr)
	}
	if f.Changed("journal") {
		s.JournalPath = o.journal
		if o.journal != "" && !filepath.IsAbs(o.journal) {
			s.JournalPath = cfg.RuntimeFile(o.journal)
		}
	}
	if f.Changed("metrics-addr") {
		s.MetricsAddr = o.metricsAddr
	}
	if f.Changed("shutdown-timeout") {
		s.ShutdownTimeout = o.shutdownTimeout
	}
	if f.Changed("heartbeat") {
		s.Heartbeat = o.heartbeat
	}
	return nil
}

// absOrEmpty resolves a relative path against the directory the command
// was started from, which differs from the daemon's working directory.
func absOrEmpty(path string) string {
	if abs, err := lifecycle.ResolvePath(path); err == nil {
		return abs
	}
	return path
}

func newLogger() *slog.Logger {
	cfg := log.FromEnv()
	if shared.GetVerbose() {
		cfg.Level = "debug"
	}
	return log.New(cfg)
}

func runService(cmd *cobra.Command, opts *runOptions) error {
	logger := newLogger()

	settings, err := shared.LoadSettings(logger)
	if err != nil {
		return err
	}
	if err := opts.apply(cmd, settings); err != nil {
		return err
	}

	center := notification.NewCenter(notification.WithLogger(logger))
	if _, err := log.Subscribe(center, logger); err != nil {
		return err
	}
	if settings.JournalPath != "" {
		if _, err := center.Subscribe(notification.Any, nil, lifecycle.NewJournal(settings.JournalPath)); err != nil {
			return err
		}
	}

	ctrl := process.New(center,
		process.WithLogger(log.WithComponent(logger, "controller")),
		process.WithShutdownTimeout(settings.ShutdownTimeout),
	)
	collector := metrics.NewCollector(ctrl)
	if _, err := collector.Subscribe(center); err != nil {
		return err
	}
	if opts.waitReady > 0 && settings.Process.PIDFile != "" {
		if _, err := center.SubscribeFunc(process.NotificationDetached, ctrl, waitForDaemon(cmd, settings.Process.PIDFile, opts.waitReady)); err != nil {
			return err
		}
	}

	if err := ctrl.Configure(settings.Process); err != nil {
		return err
	}

	svc := &service{
		settings:  settings,
		center:    center,
		ctrl:      ctrl,
		collector: collector,
		logger:    log.WithComponent(logger, "service"),
		watch:     !opts.noWatch,
	}
	return ctrl.Run(svc.run)
}

// waitForDaemon reports, in the parent, whether the detached child came up.
// The parent exits successfully either way.
func waitForDaemon(cmd *cobra.Command, pidFile string, timeout time.Duration) func(*notification.Notification) error {
	return func(n *notification.Notification) error {
		pid, err := lifecycle.NewReadinessChecker(pidFile).WaitUntilReady(cmd.Context(), timeout)
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), shared.RenderWarn(fmt.Sprintf("daemon (PID %v) is not ready: %v", n.Get("child_pid"), err)))
			return nil
		}
		if !shared.GetQuiet() {
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("daemonkit started (PID %d)", pid)))
		}
		return nil
	}
}

// service is the sample workload run by the run command. It reloads its
// configuration on request and logs a heartbeat until it is told to stop.
type service struct {
	settings  *shared.Settings
	center    *notification.Center
	ctrl      *process.Controller
	collector *metrics.Collector
	logger    *slog.Logger
	watch     bool
}

func (s *service) run(ctx context.Context) error {
	if s.settings.MetricsAddr != "" {
		if _, err := s.collector.Serve(ctx, s.settings.MetricsAddr, s.logger); err != nil {
			return err
		}
	}

	reg, err := s.center.Subscribe(process.NotificationReload, s.ctrl, notification.ObserverFunc(s.reload))
	if err != nil {
		return err
	}
	defer reg.Close()

	if files := s.settings.Store.Files(); s.watch && len(files) > 0 {
		w, err := watch.New(s.center, files,
			watch.WithLogger(s.logger),
			watch.WithOnChange(func(string) error { return s.settings.Store.Reload() }),
		)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			s.logger.Warn("config watcher unavailable", "error", err)
		} else {
			defer w.Stop()
		}
	}

	started := time.Now()
	s.logger.Info("service running", "pid", s.ctrl.PID(), "config_files", s.settings.Store.Files())

	interval := s.settings.Heartbeat
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("service stopping", "uptime", time.Since(started).Round(time.Second).String())
			return ctx.Err()
		case <-ticker.C:
			s.logger.Info("heartbeat", "uptime", time.Since(started).Round(time.Second).String())
		}
	}
}

// reload handles reload signals from the controller by re-reading the
// configuration files.
func (s *service) reload(n *notification.Notification) error {
	if err := s.settings.Store.Reload(); err != nil {
		return fmt.Errorf("reload configuration: %w", err)
	}
	s.logger.Info("configuration reloaded", "signal", n.Get("signal"), "files", s.settings.Store.Files())
	return nil
}
