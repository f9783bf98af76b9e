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
Package cli provides the root command and shared configuration for the
daemonkit CLI.

This package creates the root Cobra command and handles global concerns like
version information, persistent flags, and error handling. Individual commands
are implemented in the internal/commands subpackages.

# Command Tree

	daemonkit
	├── run       Run the service in the foreground or as a daemon
	├── stop      Stop a running instance
	├── reload    Ask a running instance to reload its configuration
	├── status    Show whether an instance is running
	└── version   Show version

# Usage

From main.go:

	cli.SetVersion(version, commit, date)
	rootCmd := cli.NewRootCommand()
	// ... add commands ...
	if err := rootCmd.Execute(); err != nil {
	    cli.HandleExitError(err)
	}

# Global Flags

All commands inherit these flags:

	--verbose, -v    Enable debug logging
	--quiet, -q      Suppress non-error output
	--json           Output in JSON format
	--config         Configuration file, replacing the search of
	                 /etc/daemonkit, ~/.config/daemonkit and the
	                 executable's directory

# Exit Codes

	0  success
	1  the service failed
	2  invalid configuration
	3  another instance is running
	4  detaching, the runtime directory or the privilege drop failed
*/
package cli
