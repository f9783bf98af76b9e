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

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Kind classifies a process control failure.
type Kind int

const (
	// KindUnknown is the zero Kind. It never matches a sentinel.
	KindUnknown Kind = iota

	// InvalidConfiguration means the process configuration was rejected.
	InvalidConfiguration

	// AlreadyStarted means the controller has already begun running.
	AlreadyStarted

	// AlreadyRunning means another live process holds the pid file lock.
	AlreadyRunning

	// DetachFailed means the process could not be moved to the background.
	DetachFailed

	// RuntimeDirectoryUnavailable means the runtime directory could not be
	// created, accessed or entered.
	RuntimeDirectoryUnavailable

	// PrivilegeDropFailed means the target user or group could not be applied.
	PrivilegeDropFailed

	// MainRoutineFailed wraps an error returned by the application's main routine.
	MainRoutineFailed
)

var kindNames = map[Kind]string{
	KindUnknown:                 "unknown",
	InvalidConfiguration:        "invalid_configuration",
	AlreadyStarted:              "already_started",
	AlreadyRunning:              "already_running",
	DetachFailed:                "detach_failed",
	RuntimeDirectoryUnavailable: "runtime_directory_unavailable",
	PrivilegeDropFailed:         "privilege_drop_failed",
	MainRoutineFailed:           "main_routine_failed",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is. Any *ProcessError matches the sentinel of its Kind.
var (
	ErrInvalidConfiguration        = &ProcessError{Kind: InvalidConfiguration}
	ErrAlreadyStarted              = &ProcessError{Kind: AlreadyStarted}
	ErrAlreadyRunning              = &ProcessError{Kind: AlreadyRunning}
	ErrDetachFailed                = &ProcessError{Kind: DetachFailed}
	ErrRuntimeDirectoryUnavailable = &ProcessError{Kind: RuntimeDirectoryUnavailable}
	ErrPrivilegeDropFailed         = &ProcessError{Kind: PrivilegeDropFailed}
	ErrMainRoutineFailed           = &ProcessError{Kind: MainRoutineFailed}
)

// ProcessError is returned by the process controller. Every failure carries a
// Kind so callers can pick an exit status without string matching.
type ProcessError struct {
	// Kind is the failure category.
	Kind Kind

	// Op names the step that failed (e.g., "configure", "acquire pid file").
	Op string

	// Path is the file or directory involved, if any.
	Path string

	// Message is the human-readable description.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ProcessError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	} else {
		b.WriteString(strings.ReplaceAll(e.Kind.String(), "_", " "))
	}
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProcessError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ProcessError of the same Kind. This lets
// errors.Is(err, ErrAlreadyRunning) match any already-running failure.
func (e *ProcessError) Is(target error) bool {
	t, ok := target.(*ProcessError)
	if !ok {
		return false
	}
	return t.Kind != KindUnknown && t.Kind == e.Kind
}

// ErrorType implements ErrorClassifier.
func (e *ProcessError) ErrorType() string {
	return e.Kind.String()
}

// IsRetryable implements ErrorClassifier. Process control failures need an
// operator (or a different configuration) before another attempt makes sense.
func (e *ProcessError) IsRetryable() bool {
	return false
}

// IsUserVisible implements UserVisibleError.
func (e *ProcessError) IsUserVisible() bool {
	return e.Kind != MainRoutineFailed
}

// UserMessage implements UserVisibleError.
func (e *ProcessError) UserMessage() string {
	return e.Error()
}

// Suggestion implements UserVisibleError.
func (e *ProcessError) Suggestion() string {
	switch e.Kind {
	case InvalidConfiguration:
		var v *ValidationError
		if stderrors.As(e.Cause, &v) && v.Suggestion != "" {
			return v.Suggestion
		}
		return "Check that all configured paths are absolute and their directories are writable"
	case AlreadyRunning:
		return "Stop the running instance first, or configure a different pid file"
	case RuntimeDirectoryUnavailable:
		return "Create the runtime directory or grant the process read/write access to it"
	case PrivilegeDropFailed:
		return "Start the process as root to switch user or group, or remove the user/group settings"
	default:
		return ""
	}
}

// NewProcessError creates a ProcessError of the given kind.
func NewProcessError(kind Kind, op, message string) *ProcessError {
	return &ProcessError{Kind: kind, Op: op, Message: message}
}

// ValidationError represents a rejected configuration value.
type ValidationError struct {
	// Field identifies which setting failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ConfigError represents configuration file problems.
type ConfigError struct {
	// Key is the configuration key or file that has the problem
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config error: %s", e.Reason)
	if e.Key != "" {
		msg = fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
