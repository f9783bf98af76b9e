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

/*
Package lifecycle provides the process-level building blocks used by the
process controller and the daemonkit command.

# PID File

A PID file is an exclusive advisory lock (flock) plus the decimal PID of its
owner. The lock alone decides whether an instance is running:

	pidFile := lifecycle.NewPIDFile("/run/example/example.pid")
	if err := pidFile.Acquire(os.Getpid()); err != nil {
	    // errors.Is(err, lifecycle.ErrPIDFileLocked): another instance runs
	}
	defer pidFile.Release()

Other processes use IsLocked and ReadPID to find the running instance, and a
ReadinessChecker to wait for it to start or stop.

# Detaching

Go cannot fork a running program, so a daemon is started by running the
executable again in a new session with DaemonEnv set:

	pid, err := lifecycle.NewSpawner().SpawnDetached(exe, os.Args[1:])

The child calls EnterDaemonChild once it starts.

# Process Operations

	if lifecycle.MatchesCommand(pid, "example") {
	    err = lifecycle.StopProcess(ctx, pid, syscall.SIGTERM, 10*time.Second, false)
	}

# Journal

A Journal is a notification observer that appends JSON lines to a file:

	center.Subscribe(notification.Any, nil, lifecycle.NewJournal(path))
*/
package lifecycle
