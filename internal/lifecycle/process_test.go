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
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func TestIsProcessRunning(t *testing.T) {
	t.Run("returns true for current process", func(t *testing.T) {
		if !IsProcessRunning(os.Getpid()) {
			t.Error("IsProcessRunning(os.Getpid()) = false, want true")
		}
	})

	t.Run("returns false for non-existent PID", func(t *testing.T) {
		if IsProcessRunning(999999999) {
			t.Error("IsProcessRunning(999999999) = true, want false")
		}
	})

	t.Run("returns false for invalid PIDs", func(t *testing.T) {
		for _, pid := range []int{0, -1} {
			if IsProcessRunning(pid) {
				t.Errorf("IsProcessRunning(%d) = true, want false", pid)
			}
		}
	})

	t.Run("returns true for PID 1", func(t *testing.T) {
		if !IsProcessRunning(1) {
			t.Error("IsProcessRunning(1) = false, want true")
		}
	})
}

func TestMatchesCommand(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start sleep process: %v", err)
	}
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	if !MatchesCommand(cmd.Process.Pid, "sleep") {
		t.Error("MatchesCommand(sleep) = false, want true")
	}
	if !MatchesCommand(cmd.Process.Pid, "/usr/bin/sleep") {
		t.Error("MatchesCommand(/usr/bin/sleep) = false, want true")
	}
	if MatchesCommand(cmd.Process.Pid, "daemonkit") {
		t.Error("MatchesCommand(daemonkit) = true, want false")
	}
	if MatchesCommand(999999999, "sleep") {
		t.Error("MatchesCommand on a missing process = true, want false")
	}
}

func TestSendSignal(t *testing.T) {
	t.Run("sends signal to running process", func(t *testing.T) {
		cmd := exec.Command("sleep", "60")
		if err := cmd.Start(); err != nil {
			t.Fatalf("Failed to start sleep process: %v", err)
		}
		defer func() {
			cmd.Process.Kill()
			cmd.Wait()
		}()

		if err := SendSignal(cmd.Process.Pid, syscall.Signal(0)); err != nil {
			t.Errorf("SendSignal() error = %v", err)
		}
	})

	t.Run("returns ErrProcessNotRunning for non-existent process", func(t *testing.T) {
		err := SendSignal(999999999, syscall.SIGTERM)
		if !errors.Is(err, ErrProcessNotRunning) {
			t.Errorf("SendSignal() error = %v, want ErrProcessNotRunning", err)
		}
	})

	t.Run("refuses process groups", func(t *testing.T) {
		if err := SendSignal(0, syscall.Signal(0)); err == nil {
			t.Error("SendSignal(0) succeeded, want error")
		}
	})
}

func TestWaitForExit(t *testing.T) {
	t.Run("returns nil when process exits", func(t *testing.T) {
		cmd := exec.Command("sh", "-c", "exit 0")
		if err := cmd.Start(); err != nil {
			t.Fatalf("Failed to start process: %v", err)
		}
		pid := cmd.Process.Pid
		cmd.Wait()

		if err := WaitForExit(context.Background(), pid, 2*time.Second); err != nil {
			t.Errorf("WaitForExit() error = %v, want nil", err)
		}
	})

	t.Run("returns timeout error for long-running process", func(t *testing.T) {
		cmd := exec.Command("sleep", "60")
		if err := cmd.Start(); err != nil {
			t.Fatalf("Failed to start process: %v", err)
		}
		defer func() {
			cmd.Process.Kill()
			cmd.Wait()
		}()

		err := WaitForExit(context.Background(), cmd.Process.Pid, 200*time.Millisecond)
		if !errors.Is(err, ErrShutdownTimeout) {
			t.Errorf("WaitForExit() error = %v, want ErrShutdownTimeout", err)
		}
	})

	t.Run("returns context error when cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := WaitForExit(ctx, os.Getpid(), time.Minute)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("WaitForExit() error = %v, want context.Canceled", err)
		}
	})
}

func TestStopProcess(t *testing.T) {
	t.Run("returns error for non-existent process", func(t *testing.T) {
		err := StopProcess(context.Background(), 999999999, syscall.SIGTERM, time.Second, false)
		if !errors.Is(err, ErrProcessNotRunning) {
			t.Errorf("StopProcess() error = %v, want ErrProcessNotRunning", err)
		}
	})

	t.Run("times out when the process ignores the signal", func(t *testing.T) {
		cmd := exec.Command("sh", "-c", "trap '' USR1; sleep 60")
		if err := cmd.Start(); err != nil {
			t.Fatalf("Failed to start process: %v", err)
		}
		defer func() {
			cmd.Process.Kill()
			cmd.Wait()
		}()
		time.Sleep(100 * time.Millisecond)

		err := StopProcess(context.Background(), cmd.Process.Pid, syscall.SIGUSR1, 200*time.Millisecond, false)
		if !errors.Is(err, ErrShutdownTimeout) {
			t.Errorf("StopProcess() error = %v, want ErrShutdownTimeout", err)
		}
	})
}

func TestGetProcessInfo(t *testing.T) {
	t.Run("returns info for running process", func(t *testing.T) {
		cmd := exec.Command("sleep", "60")
		if err := cmd.Start(); err != nil {
			t.Fatalf("Failed to start process: %v", err)
		}
		defer func() {
			cmd.Process.Kill()
			cmd.Wait()
		}()

		pid := cmd.Process.Pid
		info := GetProcessInfo(pid)

		if info.PID != pid {
			t.Errorf("info.PID = %d, want %d", info.PID, pid)
		}
		if !info.Running {
			t.Error("info.Running = false, want true")
		}
		if info.Command == "" {
			t.Error("info.Command is empty")
		}
	})

	t.Run("returns not running for non-existent process", func(t *testing.T) {
		info := GetProcessInfo(999999999)
		if info.Running {
			t.Error("info.Running = true, want false")
		}
		if info.Command != "" {
			t.Errorf("info.Command = %q, want empty", info.Command)
		}
	})
}
