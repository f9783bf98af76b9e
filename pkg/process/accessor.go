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
	"path/filepath"
	"strconv"
	"strings"

	daemonerrors "github.com/tombee/daemonkit/pkg/errors"
)

// Accessor supplies typed configuration values by section and key. Missing
// or malformed values yield the default.
type Accessor interface {
	GetString(section, key, def string) string
	GetInt(section, key string, def int) int
	GetBool(section, key string, def bool) bool
	GetPath(section, key, def string) string
}

// ConfigFromAccessor overlays the settings found in section on base. Keys:
// mode (or the boolean daemon), working_directory, runtime_directory,
// pid_file, user, group, umask (octal), stdout, stderr and signals (a
// ParseSignalMap list that replaces the base mapping). A relative pid_file
// is placed in the runtime directory.
func ConfigFromAccessor(a Accessor, section string, base Config) (Config, error) {
	cfg := base.clone()

	if mode := a.GetString(section, "mode", ""); mode != "" {
		m, err := ParseMode(mode)
		if err != nil {
			return Config{}, err
		}
		cfg.Mode = m
	} else if a.GetBool(section, "daemon", base.Mode == Daemon) {
		cfg.Mode = Daemon
	} else {
		cfg.Mode = Foreground
	}

	cfg.WorkingDirectory = a.GetPath(section, "working_directory", cfg.WorkingDirectory)
	cfg.RuntimeDirectory = a.GetPath(section, "runtime_directory", cfg.RuntimeDirectory)
	cfg.Stdout = a.GetPath(section, "stdout", cfg.Stdout)
	cfg.Stderr = a.GetPath(section, "stderr", cfg.Stderr)
	cfg.User = a.GetString(section, "user", cfg.User)
	cfg.Group = a.GetString(section, "group", cfg.Group)

	pidFile := a.GetString(section, "pid_file", cfg.PIDFile)
	if pidFile != "" && !filepath.IsAbs(pidFile) && cfg.RuntimeDirectory != "" {
		pidFile = cfg.RuntimeFile(pidFile)
	}
	cfg.PIDFile = pidFile

	if umask := strings.TrimSpace(a.GetString(section, "umask", "")); umask != "" {
		v, err := ParseUmask(umask)
		if err != nil {
			return Config{}, &daemonerrors.ProcessError{
				Kind:    daemonerrors.InvalidConfiguration,
				Op:      "configure umask",
				Message: fmt.Sprintf("invalid umask %q", umask),
				Cause:   err,
			}
		}
		cfg.Umask = v
	}

	if signals := a.GetString(section, "signals", ""); signals != "" {
		m, err := ParseSignalMap(signals)
		if err != nil {
			return Config{}, err
		}
		cfg.Signals = m
	}

	return cfg, nil
}

// ParseUmask parses an octal file mode creation mask such as "022" or
// "0o027".
func ParseUmask(s string) (int, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0o"), "0O")
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, err
	}
	if v > 0o777 {
		return 0, fmt.Errorf("%#o out of range", v)
	}
	return int(v), nil
}
