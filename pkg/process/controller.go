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
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/daemonkit/internal/lifecycle"
	daemonerrors "github.com/tombee/daemonkit/pkg/errors"
	"github.com/tombee/daemonkit/pkg/notification"
)

// Notifications posted by a Controller. The controller is the sender.
const (
	// NotificationDetached is posted by the parent after starting the
	// daemon. Payload: child_pid.
	NotificationDetached = "detached"

	// NotificationStarted is posted before the main routine runs. Payload:
	// pid, mode.
	NotificationStarted = "started"

	// NotificationReload is posted for a signal mapped to ActionReload.
	// Payload: signal.
	NotificationReload = "reload"

	// NotificationShuttingDown is posted for a signal mapped to
	// ActionTerminate. Payload: signal.
	NotificationShuttingDown = "shutting-down"

	// NotificationFailed is posted when setup or the main routine fails.
	// Payload: error, and phase for setup failures.
	NotificationFailed = "failed"

	// NotificationStopping is posted once the main routine has returned.
	NotificationStopping = "stopping"

	// NotificationStopped is posted after every resource is released.
	NotificationStopped = "stopped"
)

// MainFunc is the application's main routine. Its context is cancelled when
// a terminate signal is processed; returning context.Canceled then counts as
// a clean exit.
type MainFunc func(ctx context.Context) error

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCleanup sets a hook that runs once during shutdown, after a terminate
// signal or after the main routine returns. Errors are logged.
func WithCleanup(fn func() error) Option {
	return func(c *Controller) {
		c.cleanup = fn
	}
}

// WithShutdownTimeout bounds how long shutdown waits for the main routine
// after a terminate signal. Zero waits indefinitely.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.shutdownTimeout = d
	}
}

// WithExitFunc replaces os.Exit for the parent process after it has started
// the daemon.
func WithExitFunc(fn func(code int)) Option {
	return func(c *Controller) {
		if fn != nil {
			c.exit = fn
		}
	}
}

// Controller runs a program as a foreground process or a daemon: it
// detaches, prepares the runtime directory, holds the PID file, dispatches
// signals and drops privileges around the application's main routine.
//
// A Controller runs once. Its lifecycle is reported through notifications
// posted to the center given to New.
type Controller struct {
	center          *notification.Center
	logger          *slog.Logger
	cleanup         func() error
	shutdownTimeout time.Duration
	exit            func(int)

	mu         sync.Mutex
	cfg        Config
	configured bool

	started     atomic.Bool
	phase       atomic.Int32
	daemonChild atomic.Bool

	// Owned by the goroutine calling Run.
	pidFile *lifecycle.PIDFile
	signals *signalSet
}

// New creates a controller that posts to center. A nil center gets a
// private one.
func New(center *notification.Center, opts ...Option) *Controller {
	c := &Controller{
		center: center,
		logger: slog.Default(),
		exit:   os.Exit,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.center == nil {
		c.center = notification.NewCenter(notification.WithLogger(c.logger))
	}
	c.logger = c.logger.With(slog.String("component", "process"))
	return c
}

// Configure validates cfg and stores a copy of it. It fails with
// AlreadyStarted once Run has been called.
func (c *Controller) Configure(cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started.Load() {
		return processError(daemonerrors.AlreadyStarted, "configure", "", errors.New("controller is already running"))
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.cfg = cfg.clone()
	c.configured = true
	return nil
}

// Run executes main under the configured process control and blocks until
// shutdown has completed. In daemon mode the invoking process detaches,
// posts NotificationDetached and exits with status 0; main then runs in the
// detached copy of the program.
func (c *Controller) Run(main MainFunc) error {
	c.mu.Lock()
	switch {
	case c.started.Load():
		c.mu.Unlock()
		return processError(daemonerrors.AlreadyStarted, "run", "", errors.New("controller is already running"))
	case main == nil:
		c.mu.Unlock()
		return processError(daemonerrors.InvalidConfiguration, "run", "", errors.New("main routine is nil"))
	case !c.configured:
		c.mu.Unlock()
		return processError(daemonerrors.InvalidConfiguration, "run", "", errors.New("controller is not configured"))
	}
	c.started.Store(true)
	cfg := c.cfg.clone()
	c.mu.Unlock()

	detached, err := c.start(cfg)
	if err != nil {
		c.abort(err)
		return err
	}
	if detached {
		return nil
	}

	return c.serve(cfg, main)
}

// CurrentPhase returns the lifecycle phase. It never blocks.
func (c *Controller) CurrentPhase() Phase {
	return Phase(c.phase.Load())
}

// PID returns the process id of the running program.
func (c *Controller) PID() int {
	return os.Getpid()
}

// Config returns a copy of the stored configuration.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.clone()
}

// Center returns the notification center the controller posts to.
func (c *Controller) Center() *notification.Center {
	return c.center
}

// IsDaemonChild reports whether this process is the detached copy started
// by a daemon-mode Run.
func (c *Controller) IsDaemonChild() bool {
	return c.daemonChild.Load() || lifecycle.IsDaemonChild()
}

// start performs every step before the main routine. It reports detached
// when this process handed over to a daemon child.
func (c *Controller) start(cfg Config) (detached bool, err error) {
	if cfg.Mode == Daemon {
		c.setPhase(PhaseDetaching)
		if !lifecycle.IsDaemonChild() {
			return true, c.detach(cfg)
		}
		if err := lifecycle.EnterDaemonChild(); err != nil {
			return false, processError(daemonerrors.DetachFailed, "enter daemon session", "", err)
		}
		c.daemonChild.Store(true)
	}

	c.setPhase(PhaseAcquiringResources)
	if err := c.acquire(cfg); err != nil {
		return false, err
	}

	c.signals = installSignals(cfg.Signals)

	if cfg.User != "" || cfg.Group != "" {
		if err := c.switchIdentity(cfg); err != nil {
			return false, err
		}
	}

	return false, nil
}

func (c *Controller) acquire(cfg Config) error {
	if prev, ok := applyUmask(cfg.Umask); ok {
		c.logger.Debug("umask applied", slog.String("umask", fmt.Sprintf("%#o", cfg.Umask)),
			slog.String("previous", fmt.Sprintf("%#o", prev)))
	}

	if cfg.RuntimeDirectory != "" {
		if err := prepareRuntimeDirectory(cfg.RuntimeDirectory); err != nil {
			return processError(daemonerrors.RuntimeDirectoryUnavailable, "prepare runtime directory", cfg.RuntimeDirectory, err)
		}
	}

	workDir := cfg.WorkingDirectory
	if workDir == "" {
		workDir = cfg.RuntimeDirectory
	}
	if workDir != "" {
		if err := os.Chdir(workDir); err != nil {
			return processError(daemonerrors.RuntimeDirectoryUnavailable, "enter working directory", workDir, err)
		}
	}

	if cfg.PIDFile == "" {
		return nil
	}

	pidFile := lifecycle.NewPIDFile(cfg.PIDFile)
	if err := pidFile.Acquire(os.Getpid()); err != nil {
		if errors.Is(err, lifecycle.ErrPIDFileLocked) {
			return alreadyRunning(cfg.PIDFile)
		}
		return processError(daemonerrors.RuntimeDirectoryUnavailable, "acquire pid file", cfg.PIDFile, err)
	}
	c.pidFile = pidFile
	c.logger.Debug("pid file acquired", slog.String("path", cfg.PIDFile))

	return nil
}

func (c *Controller) switchIdentity(cfg Config) error {
	target, err := resolveIdentity(cfg.User, cfg.Group)
	if err != nil {
		return processError(daemonerrors.PrivilegeDropFailed, "resolve identity", "", err)
	}
	if err := checkMonotonic(os.Geteuid(), os.Getegid(), target); err != nil {
		return processError(daemonerrors.PrivilegeDropFailed, "drop privileges", "", err)
	}

	if os.Geteuid() == 0 && !target.empty() {
		if cfg.RuntimeDirectory != "" {
			if err := os.Chown(cfg.RuntimeDirectory, target.uid, target.gid); err != nil {
				return processError(daemonerrors.PrivilegeDropFailed, "chown runtime directory", cfg.RuntimeDirectory, err)
			}
		}
		if c.pidFile != nil {
			if err := c.pidFile.Chown(target.uid, target.gid); err != nil {
				return processError(daemonerrors.PrivilegeDropFailed, "chown pid file", cfg.PIDFile, err)
			}
		}
	}

	if err := dropPrivileges(target); err != nil {
		return processError(daemonerrors.PrivilegeDropFailed, "drop privileges", "", err)
	}

	c.logger.Info("privileges dropped",
		slog.Int("uid", os.Getuid()),
		slog.Int("gid", os.Getgid()),
	)
	return nil
}

// serve runs main and handles signals until shutdown completes.
func (c *Controller) serve(cfg Config, main MainFunc) error {
	c.setPhase(PhaseRunning)
	c.logger.Info("process started",
		slog.Int("pid", os.Getpid()),
		slog.String("mode", cfg.Mode.String()),
	)
	c.post(NotificationStarted, notification.Data{
		"pid":  os.Getpid(),
		"mode": cfg.Mode.String(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- invokeMain(ctx, main)
	}()

	var (
		mainErr    error
		mainDone   bool
		terminated bool
	)
	for !mainDone && !terminated {
		select {
		case sig := <-c.signals.C():
			switch c.signals.action(sig) {
			case ActionTerminate:
				terminated = true
				c.setPhase(PhaseShuttingDown)
				c.logger.Info("shutdown requested", slog.String("signal", SignalName(sig)))
				c.post(NotificationShuttingDown, notification.Data{"signal": SignalName(sig)})
				cancel()
			case ActionReload:
				c.logger.Info("reload requested", slog.String("signal", SignalName(sig)))
				c.post(NotificationReload, notification.Data{"signal": SignalName(sig)})
			}
		case mainErr = <-done:
			mainDone = true
		}
	}

	// From here on, further terminate signals stay queued and are dropped
	// when the handlers are removed.
	if terminated {
		c.runCleanup()
		if !mainDone {
			mainErr = c.waitMain(done)
		}
		if errors.Is(mainErr, context.Canceled) {
			mainErr = nil
		}
	}

	var runErr error
	if mainErr != nil {
		runErr = processError(daemonerrors.MainRoutineFailed, "main routine", "", mainErr)
		c.logger.Error("main routine failed", slog.Any("error", mainErr))
		c.post(NotificationFailed, notification.Data{"error": mainErr})
	}

	if !terminated {
		c.setPhase(PhaseShuttingDown)
		c.runCleanup()
	}

	c.post(NotificationStopping, nil)
	c.releasePIDFile()
	c.signals.uninstall()
	c.signals = nil

	c.logger.Info("process stopped")
	c.post(NotificationStopped, nil)
	c.setPhase(PhaseStopped)

	return runErr
}

func (c *Controller) waitMain(done <-chan error) error {
	if c.shutdownTimeout <= 0 {
		return <-done
	}

	timer := time.NewTimer(c.shutdownTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		c.logger.Warn("main routine did not stop in time", slog.Duration("timeout", c.shutdownTimeout))
		return fmt.Errorf("main routine did not return within %s", c.shutdownTimeout)
	}
}

// abort undoes a partial start and reports the failure.
func (c *Controller) abort(err error) {
	phase := c.CurrentPhase()

	c.signals.uninstall()
	c.signals = nil
	c.releasePIDFile()

	c.logger.Error("process setup failed",
		slog.String("phase", phase.String()),
		slog.Any("error", err),
	)
	c.post(NotificationFailed, notification.Data{
		"error": err,
		"phase": phase.String(),
	})
	c.setPhase(PhaseStopped)
}

func (c *Controller) runCleanup() {
	if c.cleanup == nil {
		return
	}

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("cleanup panicked: %v", p)
			}
		}()
		return c.cleanup()
	}()
	if err != nil {
		c.logger.Error("cleanup failed", slog.Any("error", err))
	}
}

func (c *Controller) releasePIDFile() {
	if c.pidFile == nil {
		return
	}
	if err := c.pidFile.Release(); err != nil {
		c.logger.Warn("failed to release pid file",
			slog.String("path", c.pidFile.Path()),
			slog.Any("error", err),
		)
	}
	c.pidFile = nil
}

func (c *Controller) setPhase(p Phase) {
	c.phase.Store(int32(p))
	c.logger.Debug("phase changed", slog.String("phase", p.String()))
}

func (c *Controller) post(name string, data notification.Data) {
	if err := c.center.Post(name, c, data); err != nil {
		c.logger.Error("failed to post notification",
			slog.String("notification", name),
			slog.Any("error", err),
		)
	}
}

func invokeMain(ctx context.Context, main MainFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("main routine panicked: %v", p)
		}
	}()
	return main(ctx)
}

func processError(kind daemonerrors.Kind, op, path string, cause error) *daemonerrors.ProcessError {
	return &daemonerrors.ProcessError{
		Kind:  kind,
		Op:    op,
		Path:  path,
		Cause: cause,
	}
}

func alreadyRunning(pidPath string) error {
	msg := "another instance holds the pid file"
	if pid, err := lifecycle.ReadPID(pidPath); err == nil {
		msg = fmt.Sprintf("another instance is running as PID %d", pid)
	}
	err := daemonerrors.NewProcessError(daemonerrors.AlreadyRunning, "acquire pid file", msg)
	err.Path = pidPath
	return err
}
