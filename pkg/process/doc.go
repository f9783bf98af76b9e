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
Package process controls how a long-running program runs: in the foreground
or detached as a daemon, with a single-instance PID file, configured signal
handling, an optional switch to an unprivileged user and a prepared runtime
directory.

	center := notification.NewCenter()
	ctrl := process.New(center, process.WithCleanup(flush))

	cfg := process.DefaultConfig("example")
	cfg.Mode = process.Daemon
	if err := ctrl.Configure(cfg); err != nil {
	    return err
	}

	return ctrl.Run(func(ctx context.Context) error {
	    <-ctx.Done()
	    return ctx.Err()
	})

Run moves through the phases Initial, Detaching (daemon mode only),
AcquiringResources, Running, ShuttingDown and Stopped, posting started,
reload, shutting-down, failed, stopping and stopped notifications with the
controller as sender.

Signals are delivered to a channel and handled by the goroutine that called
Run, so no notification is ever posted from signal context. A second
terminate signal during shutdown is ignored.

Errors returned by Configure and Run are *errors.ProcessError values from
github.com/tombee/daemonkit/pkg/errors; use errors.Is with the sentinels
there (ErrAlreadyRunning, ErrPrivilegeDropFailed, ...) to tell them apart.
*/
package process
