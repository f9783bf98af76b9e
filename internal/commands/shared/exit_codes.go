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

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	daemonerrors "github.com/tombee/daemonkit/pkg/errors"
)

// Exit codes of the daemonkit command
const (
	ExitSuccess        = 0
	ExitMainFailed     = 1 // the main routine failed, or any unclassified error
	ExitInvalidConfig  = 2 // invalid configuration or controller misuse
	ExitAlreadyRunning = 3
	ExitSystemFailure  = 4 // detach, runtime directory or privilege failure
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewInvalidConfigError creates an error for unusable configuration.
func NewInvalidConfigError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitInvalidConfig,
		Message: msg,
		Cause:   cause,
	}
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	switch daemonerrors.KindOf(err) {
	case daemonerrors.KindUnknown:
		var cfgErr *daemonerrors.ConfigError
		if errors.As(err, &cfgErr) {
			return ExitInvalidConfig
		}
		return ExitMainFailed
	case daemonerrors.InvalidConfiguration, daemonerrors.AlreadyStarted:
		return ExitInvalidConfig
	case daemonerrors.AlreadyRunning:
		return ExitAlreadyRunning
	case daemonerrors.DetachFailed,
		daemonerrors.RuntimeDirectoryUnavailable,
		daemonerrors.PrivilegeDropFailed:
		return ExitSystemFailure
	default:
		return ExitMainFailed
	}
}

// HandleExitError prints err and exits with the matching code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	PrintError(os.Stderr, err)
	os.Exit(ExitCode(err))
}

// PrintError writes err and, if one is available, its suggestion to w.
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, "Error:", err.Error())
	printUserVisibleSuggestion(w, err)
}

// printUserVisibleSuggestion checks if an error implements UserVisibleError
// and prints the suggestion if available.
func printUserVisibleSuggestion(w io.Writer, err error) {
	// Walk the error chain to find a UserVisibleError
	for err != nil {
		if userErr, ok := err.(daemonerrors.UserVisibleError); ok {
			if userErr.IsUserVisible() {
				if suggestion := userErr.Suggestion(); suggestion != "" {
					fmt.Fprintf(w, "\nSuggestion: %s\n", suggestion)
				}
			}
			return
		}
		err = errors.Unwrap(err)
	}
}
