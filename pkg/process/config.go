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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	daemonerrors "github.com/tombee/daemonkit/pkg/errors"
)

// KeepUmask leaves the inherited file creation mask in place.
const KeepUmask = -1

// Mode selects foreground or detached operation.
type Mode int

const (
	// Foreground keeps the process attached to its terminal and parent.
	Foreground Mode = iota

	// Daemon detaches the process into a new session in the background.
	Daemon
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case Foreground:
		return "foreground"
	case Daemon:
		return "daemon"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses "foreground" or "daemon" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "foreground", "fg":
		return Foreground, nil
	case "daemon", "background", "bg":
		return Daemon, nil
	default:
		return 0, invalidConfig("mode", fmt.Sprintf("unknown run mode %q", s))
	}
}

// Action is what the controller does when a signal arrives.
type Action int

const (
	// ActionDefault restores the operating system's default behavior.
	ActionDefault Action = iota

	// ActionIgnore discards the signal.
	ActionIgnore

	// ActionTerminate starts a graceful shutdown.
	ActionTerminate

	// ActionReload posts a reload notification.
	ActionReload
)

var actionNames = map[Action]string{
	ActionDefault:   "default",
	ActionIgnore:    "ignore",
	ActionTerminate: "terminate",
	ActionReload:    "reload",
}

// String returns the configuration name of the action.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseAction parses an action name (case-insensitive).
func ParseAction(s string) (Action, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for a, name := range actionNames {
		if name == want {
			return a, nil
		}
	}
	return 0, invalidConfig("signals", fmt.Sprintf("unknown signal action %q", s))
}

// ParseSignal parses a signal given as a name ("SIGTERM", "TERM", "term")
// or a number ("15").
func ParseSignal(s string) (syscall.Signal, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || unix.SignalName(syscall.Signal(n)) == "" {
			return 0, invalidConfig("signals", fmt.Sprintf("unknown signal number %d", n))
		}
		return syscall.Signal(n), nil
	}

	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, invalidConfig("signals", fmt.Sprintf("unknown signal %q", s))
	}
	return sig, nil
}

// SignalName returns the conventional name of sig, such as "SIGTERM".
func SignalName(sig os.Signal) string {
	if s, ok := sig.(syscall.Signal); ok {
		if name := unix.SignalName(s); name != "" {
			return name
		}
	}
	return sig.String()
}

// ParseSignalMap parses a comma separated list of signal=action pairs, for
// example "SIGTERM=terminate,SIGHUP=reload".
func ParseSignalMap(s string) (map[os.Signal]Action, error) {
	out := make(map[os.Signal]Action)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, action, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, invalidConfig("signals", fmt.Sprintf("expected signal=action, got %q", pair))
		}
		sig, err := ParseSignal(name)
		if err != nil {
			return nil, err
		}
		a, err := ParseAction(action)
		if err != nil {
			return nil, err
		}
		out[sig] = a
	}
	return out, nil
}

// FormatSignalMap is the inverse of ParseSignalMap. Pairs are sorted by
// signal number.
func FormatSignalMap(m map[os.Signal]Action) string {
	sigs := make([]os.Signal, 0, len(m))
	for sig := range m {
		sigs = append(sigs, sig)
	}
	sort.Slice(sigs, func(i, j int) bool {
		return signalNumber(sigs[i]) < signalNumber(sigs[j])
	})

	parts := make([]string, len(sigs))
	for i, sig := range sigs {
		parts[i] = SignalName(sig) + "=" + m[sig].String()
	}
	return strings.Join(parts, ",")
}

// DefaultSignals returns the usual mapping for a daemon: TERM and INT shut
// down, HUP reloads, and job control and user signals are ignored.
func DefaultSignals() map[os.Signal]Action {
	return map[os.Signal]Action{
		syscall.SIGTERM: ActionTerminate,
		syscall.SIGINT:  ActionTerminate,
		syscall.SIGHUP:  ActionReload,
		syscall.SIGTTIN: ActionIgnore,
		syscall.SIGTTOU: ActionIgnore,
		syscall.SIGTSTP: ActionIgnore,
		syscall.SIGUSR1: ActionIgnore,
		syscall.SIGUSR2: ActionIgnore,
	}
}

// Config describes how a process runs. The controller copies it on
// Configure; later changes to a Config value have no effect.
type Config struct {
	// Mode selects foreground or daemon operation.
	Mode Mode

	// WorkingDirectory is entered before the main routine runs. When empty
	// the runtime directory is used.
	WorkingDirectory string

	// RuntimeDirectory holds the PID file and other per-instance state. It is
	// created with mode 0755 when missing.
	RuntimeDirectory string

	// PIDFile is the lock file guaranteeing a single instance. Empty
	// disables it.
	PIDFile string

	// User and Group are names or numeric ids to switch to once resources
	// are acquired. Empty keeps the current identity.
	User  string
	Group string

	// Umask is applied before any file is created. The zero value is a
	// real mask and clears every permission bit from it, so a Config built
	// by hand gets files created with exactly the requested mode. Use
	// KeepUmask (or any negative value) to leave the inherited umask alone.
	// DefaultConfig sets 022.
	Umask int

	// Signals maps each handled signal to its action.
	Signals map[os.Signal]Action

	// Stdout and Stderr receive the daemon's output after detaching. Empty
	// means the null device.
	Stdout string
	Stderr string
}

// DefaultConfig returns a foreground configuration for the named program
// with a runtime directory of /run/<name> for root, $XDG_RUNTIME_DIR/<name>
// otherwise, or a directory under the system temp directory as a last resort.
func DefaultConfig(name string) Config {
	runtimeDir := defaultRuntimeRoot()
	if name != "" {
		runtimeDir = filepath.Join(runtimeDir, name)
	}

	cfg := Config{
		Mode:             Foreground,
		RuntimeDirectory: runtimeDir,
		Umask:            0o022,
		Signals:          DefaultSignals(),
	}
	if name != "" {
		cfg.PIDFile = cfg.RuntimeFile(name + ".pid")
	}
	return cfg
}

func defaultRuntimeRoot() string {
	if os.Geteuid() == 0 {
		return "/run"
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" && filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("daemonkit-%d", os.Geteuid()))
}

// RuntimeFile returns the path of name inside the runtime directory.
func (c Config) RuntimeFile(name string) string {
	return filepath.Join(c.RuntimeDirectory, name)
}

// clone returns a copy that shares no mutable state with c.
func (c Config) clone() Config {
	out := c
	if c.Signals != nil {
		out.Signals = make(map[os.Signal]Action, len(c.Signals))
		for sig, a := range c.Signals {
			out.Signals[sig] = a
		}
	}
	return out
}

// Validate checks c without changing anything on the system.
func (c Config) Validate() error {
	if c.Mode != Foreground && c.Mode != Daemon {
		return invalidConfig("mode", fmt.Sprintf("unknown run mode %d", int(c.Mode)))
	}

	paths := []struct {
		key  string
		path string
	}{
		{"working_directory", c.WorkingDirectory},
		{"runtime_directory", c.RuntimeDirectory},
		{"pid_file", c.PIDFile},
		{"stdout", c.Stdout},
		{"stderr", c.Stderr},
	}
	for _, p := range paths {
		if p.path != "" && !filepath.IsAbs(p.path) {
			return invalidConfig(p.key, fmt.Sprintf("path %q must be absolute", p.path))
		}
	}

	if c.RuntimeDirectory != "" {
		if err := checkCreatable(c.RuntimeDirectory, true); err != nil {
			return invalidConfigCause("runtime_directory", c.RuntimeDirectory, err)
		}
	}
	if c.PIDFile != "" {
		if err := checkCreatable(c.PIDFile, false); err != nil {
			return invalidConfigCause("pid_file", c.PIDFile, err)
		}
	}

	if c.Umask > 0o777 {
		return invalidConfig("umask", fmt.Sprintf("umask %#o out of range", c.Umask))
	}

	for sig, action := range c.Signals {
		if err := checkSignal(sig, action); err != nil {
			return err
		}
	}

	return nil
}

func checkSignal(sig os.Signal, action Action) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return invalidConfig("signals", fmt.Sprintf("unsupported signal type %T", sig))
	}
	if s == syscall.SIGKILL || s == syscall.SIGSTOP {
		return invalidConfig("signals", fmt.Sprintf("%s cannot be handled", SignalName(s)))
	}
	if _, ok := actionNames[action]; !ok {
		return invalidConfig("signals", fmt.Sprintf("unknown action %d for %s", int(action), SignalName(s)))
	}
	return nil
}

// checkCreatable succeeds when path can be written, or created by making
// missing directories below its nearest existing ancestor.
func checkCreatable(path string, isDir bool) error {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if isDir != info.IsDir() {
			if isDir {
				return fmt.Errorf("%s is not a directory", path)
			}
			return fmt.Errorf("%s is a directory", path)
		}
		mode := uint32(unix.W_OK)
		if isDir {
			mode |= unix.X_OK
		}
		if err := unix.Access(path, mode); err != nil {
			return fmt.Errorf("%s is not writable: %w", path, err)
		}
		if !isDir {
			return checkCreatable(filepath.Dir(path), true)
		}
		return nil
	case !os.IsNotExist(err):
		return err
	}

	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		info, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) && dir != filepath.Dir(dir) {
				continue
			}
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		if err := unix.Access(dir, unix.W_OK|unix.X_OK); err != nil {
			return fmt.Errorf("cannot create entries in %s: %w", dir, err)
		}
		return nil
	}
}

func signalNumber(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return int(s)
	}
	return 0
}

func invalidConfig(key, message string) error {
	return &daemonerrors.ProcessError{
		Kind: daemonerrors.InvalidConfiguration,
		Op:   "configure",
		Cause: &daemonerrors.ValidationError{
			Field:      key,
			Message:    message,
			Suggestion: suggestionFor(key),
		},
	}
}

func suggestionFor(key string) string {
	switch key {
	case "mode":
		return "Set mode to foreground or daemon"
	case "signals":
		return "List signals as SIGNAL=ACTION pairs, with actions terminate, reload, ignore or default"
	case "umask":
		return "Use an octal umask between 000 and 777"
	default:
		return fmt.Sprintf("Use an absolute path for %s", key)
	}
}

func invalidConfigCause(key, path string, cause error) error {
	return &daemonerrors.ProcessError{
		Kind:  daemonerrors.InvalidConfiguration,
		Op:    "configure " + key,
		Path:  path,
		Cause: cause,
	}
}
