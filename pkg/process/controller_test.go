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
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tombee/daemonkit/internal/lifecycle"
	daemonerrors "github.com/tombee/daemonkit/pkg/errors"
	"github.com/tombee/daemonkit/pkg/notification"
)

type runResult struct {
	err error
}

// runAsync starts Run on its own goroutine.
func runAsync(c *Controller, main MainFunc) <-chan runResult {
	out := make(chan runResult, 1)
	go func() {
		out <- runResult{err: c.Run(main)}
	}()
	return out
}

func waitRun(t *testing.T, ch <-chan runResult) error {
	t.Helper()
	select {
	case r := <-ch:
		return r.err
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func realPath(t *testing.T, path string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	return resolved
}

func TestController_RunForeground(t *testing.T) {
	cfg := testConfig(t)
	var cleanups atomic.Int32
	c, events := newObserved(t, WithCleanup(func() error {
		cleanups.Add(1)
		return nil
	}))
	require.NoError(t, c.Configure(cfg))
	assert.Equal(t, PhaseInitial, c.CurrentPhase())

	err := c.Run(func(ctx context.Context) error {
		assert.Equal(t, PhaseRunning, c.CurrentPhase())

		data, err := os.ReadFile(cfg.PIDFile)
		if !assert.NoError(t, err) {
			return err
		}
		assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))

		locked, err := lifecycle.IsLocked(cfg.PIDFile)
		assert.NoError(t, err)
		assert.True(t, locked)

		wd, err := os.Getwd()
		assert.NoError(t, err)
		assert.Equal(t, realPath(t, cfg.RuntimeDirectory), realPath(t, wd))
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{NotificationStarted, NotificationStopping, NotificationStopped}, events.names())
	started := events.find(NotificationStarted)
	assert.Equal(t, os.Getpid(), started.Data["pid"])
	assert.Equal(t, "foreground", started.Data["mode"])
	assert.Equal(t, c, started.Sender)

	assert.Equal(t, PhaseStopped, c.CurrentPhase())
	assert.EqualValues(t, 1, cleanups.Load())
	assert.NoFileExists(t, cfg.PIDFile)
	assert.False(t, c.IsDaemonChild())
}

func TestController_WorkingDirectory(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkingDirectory = t.TempDir()
	c, _ := newObserved(t)
	require.NoError(t, c.Configure(cfg))

	var wd string
	require.NoError(t, c.Run(func(ctx context.Context) error {
		var err error
		wd, err = os.Getwd()
		return err
	}))
	assert.Equal(t, realPath(t, cfg.WorkingDirectory), realPath(t, wd))
}

func TestController_MainFailure(t *testing.T) {
	cfg := testConfig(t)
	var cleanups atomic.Int32
	c, events := newObserved(t, WithCleanup(func() error {
		cleanups.Add(1)
		return errors.New("cleanup errors are only logged")
	}))
	require.NoError(t, c.Configure(cfg))

	err := c.Run(func(ctx context.Context) error {
		return errBoom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, daemonerrors.ErrMainRoutineFailed)
	assert.ErrorIs(t, err, errBoom)

	assert.Equal(t, []string{
		NotificationStarted,
		NotificationFailed,
		NotificationStopping,
		NotificationStopped,
	}, events.names())
	assert.Equal(t, errBoom, events.find(NotificationFailed).Data["error"])

	assert.EqualValues(t, 1, cleanups.Load())
	assert.NoFileExists(t, cfg.PIDFile)
	assert.Equal(t, PhaseStopped, c.CurrentPhase())
}

func TestController_MainPanic(t *testing.T) {
	cfg := testConfig(t)
	c, events := newObserved(t)
	require.NoError(t, c.Configure(cfg))

	err := c.Run(func(ctx context.Context) error {
		panic("main exploded")
	})

	assert.ErrorIs(t, err, daemonerrors.ErrMainRoutineFailed)
	assert.Contains(t, err.Error(), "main exploded")
	assert.Equal(t, 1, events.count(NotificationFailed))
	assert.NoFileExists(t, cfg.PIDFile)
}

func TestController_Terminate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Signals[syscall.SIGTTIN] = ActionIgnore

	var cleanups atomic.Int32
	c, events := newObserved(t, WithCleanup(func() error {
		cleanups.Add(1)
		return nil
	}))
	require.NoError(t, c.Configure(cfg))

	entered := make(chan struct{})
	var ignoreErr error
	result := runAsync(c, func(ctx context.Context) error {
		// Dropped while running; with the default action this would stop
		// the test binary.
		ignoreErr = syscall.Kill(os.Getpid(), syscall.SIGTTIN)
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})

	<-entered
	sendSelf(t, syscall.SIGUSR1)

	require.NoError(t, waitRun(t, result))

	assert.Equal(t, []string{
		NotificationStarted,
		NotificationShuttingDown,
		NotificationStopping,
		NotificationStopped,
	}, events.names())
	assert.Equal(t, "SIGUSR1", events.find(NotificationShuttingDown).Data["signal"])

	assert.EqualValues(t, 1, cleanups.Load())
	assert.NoFileExists(t, cfg.PIDFile)
	assert.NoError(t, ignoreErr)
	assert.False(t, signal.Ignored(syscall.SIGTTIN), "ignored signals are reset after shutdown")
	assert.Equal(t, PhaseStopped, c.CurrentPhase())
}

func TestController_SecondTerminateIgnored(t *testing.T) {
	cfg := testConfig(t)
	var cleanups atomic.Int32
	c, events := newObserved(t, WithCleanup(func() error {
		cleanups.Add(1)
		return nil
	}))
	require.NoError(t, c.Configure(cfg))

	entered := make(chan struct{})
	cancelled := make(chan struct{})
	release := make(chan struct{})
	result := runAsync(c, func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		close(cancelled)
		<-release
		return nil
	})

	<-entered
	sendSelf(t, syscall.SIGUSR1)
	<-cancelled

	assert.Equal(t, PhaseShuttingDown, c.CurrentPhase())
	sendSelf(t, syscall.SIGUSR1)
	time.Sleep(100 * time.Millisecond)
	close(release)

	require.NoError(t, waitRun(t, result))
	assert.Equal(t, 1, events.count(NotificationShuttingDown))
	assert.Equal(t, 1, events.count(NotificationStopped))
	assert.EqualValues(t, 1, cleanups.Load())
}

func TestController_Reload(t *testing.T) {
	cfg := testConfig(t)
	c, events := newObserved(t)
	require.NoError(t, c.Configure(cfg))

	reloaded := make(chan struct{})
	_, err := c.Center().SubscribeFunc(NotificationReload, c, func(n *notification.Notification) error {
		close(reloaded)
		return nil
	})
	require.NoError(t, err)

	entered := make(chan struct{})
	result := runAsync(c, func(ctx context.Context) error {
		close(entered)
		select {
		case <-reloaded:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("no reload notification")
		}
	})

	<-entered
	sendSelf(t, syscall.SIGUSR2)

	require.NoError(t, waitRun(t, result))
	assert.Equal(t, []string{
		NotificationStarted,
		NotificationReload,
		NotificationStopping,
		NotificationStopped,
	}, events.names())
	assert.Equal(t, "SIGUSR2", events.find(NotificationReload).Data["signal"])
}

func TestController_ShutdownTimeout(t *testing.T) {
	cfg := testConfig(t)
	c, events := newObserved(t, WithShutdownTimeout(50*time.Millisecond))
	require.NoError(t, c.Configure(cfg))

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	entered := make(chan struct{})
	result := runAsync(c, func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	})

	<-entered
	sendSelf(t, syscall.SIGUSR1)

	err := waitRun(t, result)
	assert.ErrorIs(t, err, daemonerrors.ErrMainRoutineFailed)
	assert.Equal(t, 1, events.count(NotificationFailed))
	assert.NoFileExists(t, cfg.PIDFile)
	assert.Equal(t, PhaseStopped, c.CurrentPhase())
}

func TestController_AlreadyRunning(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.RuntimeDirectory, 0o755))

	owner := lifecycle.NewPIDFile(cfg.PIDFile)
	require.NoError(t, owner.Acquire(424242))
	defer owner.Release()

	c, events := newObserved(t)
	require.NoError(t, c.Configure(cfg))

	called := false
	err := c.Run(func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, daemonerrors.ErrAlreadyRunning)
	assert.Contains(t, err.Error(), "424242")
	assert.False(t, called)
	assert.Equal(t, PhaseStopped, c.CurrentPhase())

	data, readErr := os.ReadFile(cfg.PIDFile)
	require.NoError(t, readErr)
	assert.Equal(t, "424242\n", string(data), "a locked pid file is never modified")

	assert.Equal(t, []string{NotificationFailed}, events.names())
	assert.Equal(t, PhaseAcquiringResources.String(), events.find(NotificationFailed).Data["phase"])
}

func TestController_ConcurrentRun(t *testing.T) {
	cfg := testConfig(t)

	release := make(chan struct{})
	main := func(ctx context.Context) error {
		<-release
		return nil
	}

	c1, _ := newObserved(t)
	c2, _ := newObserved(t)
	require.NoError(t, c1.Configure(cfg))
	require.NoError(t, c2.Configure(cfg))

	r1 := runAsync(c1, main)
	r2 := runAsync(c2, main)

	var first, second error
	select {
	case r := <-r1:
		first = r.err
		close(release)
		second = waitRun(t, r2)
	case r := <-r2:
		first = r.err
		close(release)
		second = waitRun(t, r1)
	case <-time.After(10 * time.Second):
		close(release)
		t.Fatal("neither controller returned")
	}

	assert.ErrorIs(t, first, daemonerrors.ErrAlreadyRunning, "the loser returns first")
	assert.NoError(t, second)
	assert.NoFileExists(t, cfg.PIDFile)
}

func TestController_AlreadyStarted(t *testing.T) {
	cfg := testConfig(t)
	c, _ := newObserved(t)
	require.NoError(t, c.Configure(cfg))

	var configureErr, runErr error
	require.NoError(t, c.Run(func(ctx context.Context) error {
		configureErr = c.Configure(cfg)
		runErr = c.Run(func(context.Context) error { return nil })
		return nil
	}))

	assert.ErrorIs(t, configureErr, daemonerrors.ErrAlreadyStarted)
	assert.ErrorIs(t, runErr, daemonerrors.ErrAlreadyStarted)

	assert.ErrorIs(t, c.Run(func(context.Context) error { return nil }), daemonerrors.ErrAlreadyStarted)
	assert.ErrorIs(t, c.Configure(cfg), daemonerrors.ErrAlreadyStarted)
}

func TestController_RunPreconditions(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		c, events := newObserved(t)
		err := c.Run(func(context.Context) error { return nil })
		assert.ErrorIs(t, err, daemonerrors.ErrInvalidConfiguration)
		assert.Empty(t, events.names())
		assert.Equal(t, PhaseInitial, c.CurrentPhase())
	})

	t.Run("nil main routine", func(t *testing.T) {
		c, _ := newObserved(t)
		require.NoError(t, c.Configure(testConfig(t)))
		assert.ErrorIs(t, c.Run(nil), daemonerrors.ErrInvalidConfiguration)

		// The controller is still usable.
		assert.NoError(t, c.Run(func(context.Context) error { return nil }))
	})
}

func TestController_ConfigureCopies(t *testing.T) {
	cfg := testConfig(t)
	c, _ := newObserved(t)
	require.NoError(t, c.Configure(cfg))

	cfg.Signals[syscall.SIGHUP] = ActionReload
	cfg.PIDFile = "/elsewhere.pid"

	stored := c.Config()
	assert.NotContains(t, stored.Signals, syscall.SIGHUP)
	assert.Equal(t, filepath.Join(cfg.RuntimeDirectory, "test.pid"), stored.PIDFile)

	stored.Signals[syscall.SIGHUP] = ActionReload
	assert.NotContains(t, c.Config().Signals, syscall.SIGHUP)
}

func TestController_ConfigureRejects(t *testing.T) {
	c, _ := newObserved(t)
	cfg := testConfig(t)
	cfg.PIDFile = "relative.pid"

	err := c.Configure(cfg)
	assert.ErrorIs(t, err, daemonerrors.ErrInvalidConfiguration)

	var perr *daemonerrors.ProcessError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, daemonerrors.InvalidConfiguration, perr.Kind)
}

func TestController_RuntimeDirectory(t *testing.T) {
	t.Run("created with mode 0755", func(t *testing.T) {
		prev := unix.Umask(0o022)
		t.Cleanup(func() { unix.Umask(prev) })

		cfg := testConfig(t)
		cfg.RuntimeDirectory = filepath.Join(cfg.RuntimeDirectory, "nested", "dir")
		cfg.PIDFile = cfg.RuntimeFile("test.pid")
		cfg.Umask = 0o022

		c, _ := newObserved(t)
		require.NoError(t, c.Configure(cfg))
		require.NoError(t, c.Run(func(context.Context) error { return nil }))

		info, err := os.Stat(cfg.RuntimeDirectory)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	})

	t.Run("unavailable", func(t *testing.T) {
		cfg := testConfig(t)
		c, events := newObserved(t)
		require.NoError(t, c.Configure(cfg))

		// Replace the directory with a file after validation.
		require.NoError(t, os.WriteFile(cfg.RuntimeDirectory, []byte("x"), 0o644))

		err := c.Run(func(context.Context) error { return nil })
		assert.ErrorIs(t, err, daemonerrors.ErrRuntimeDirectoryUnavailable)
		assert.Equal(t, []string{NotificationFailed}, events.names())
		assert.Equal(t, PhaseStopped, c.CurrentPhase())
	})
}

func TestController_WithoutPIDFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.PIDFile = ""
	c, _ := newObserved(t)
	require.NoError(t, c.Configure(cfg))

	require.NoError(t, c.Run(func(context.Context) error { return nil }))

	entries, err := os.ReadDir(cfg.RuntimeDirectory)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestController_PrivilegeDrop(t *testing.T) {
	t.Run("non-root cannot switch user", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("running as root")
		}
		cfg := testConfig(t)
		cfg.User = strconv.Itoa(os.Geteuid() + 1)

		c, events := newObserved(t)
		require.NoError(t, c.Configure(cfg))

		called := false
		err := c.Run(func(context.Context) error {
			called = true
			return nil
		})

		assert.ErrorIs(t, err, daemonerrors.ErrPrivilegeDropFailed)
		assert.False(t, called)
		assert.NoFileExists(t, cfg.PIDFile, "pid file is released after a failed start")
		assert.Equal(t, []string{NotificationFailed}, events.names())
		assert.Equal(t, os.Geteuid(), os.Getuid())
	})

	t.Run("own identity is accepted", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.User = strconv.Itoa(os.Geteuid())
		cfg.Group = strconv.Itoa(os.Getegid())
		if os.Geteuid() == 0 {
			t.Skip("switching identity as root changes the test process for good")
		}

		c, _ := newObserved(t)
		require.NoError(t, c.Configure(cfg))
		assert.NoError(t, c.Run(func(context.Context) error { return nil }))
	})
}

func TestController_NilCenter(t *testing.T) {
	c := New(nil, WithLogger(discardLogger()))
	require.NotNil(t, c.Center())

	cfg := testConfig(t)
	require.NoError(t, c.Configure(cfg))
	assert.NoError(t, c.Run(func(context.Context) error { return nil }))
}
