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

package config

import (
	"os"
	"path/filepath"
)

// systemBinaryDirectories never serve as the local configuration directory.
var systemBinaryDirectories = map[string]bool{
	"/bin":            true,
	"/sbin":           true,
	"/usr/bin":        true,
	"/usr/sbin":       true,
	"/usr/local/bin":  true,
	"/usr/local/sbin": true,
}

// SystemDir returns the system-wide configuration directory for name.
func SystemDir(name string) string {
	return filepath.Join("/etc", name)
}

// UserDir returns the per-user configuration directory for name.
// Respects the XDG_CONFIG_HOME environment variable.
func UserDir(name string) (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, name), nil
}

// LocalDir returns the directory holding the running executable, or "" if
// it is a system binary directory or cannot be determined.
func LocalDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	dir := filepath.Dir(exe)
	if systemBinaryDirectories[dir] {
		return ""
	}
	return dir
}

// SearchDirs returns the configuration directories for name in increasing
// order of precedence: system, user, local.
func SearchDirs(name string) []string {
	dirs := []string{SystemDir(name)}
	if dir, err := UserDir(name); err == nil {
		dirs = append(dirs, dir)
	}
	if dir := LocalDir(); dir != "" {
		dirs = append(dirs, dir)
	}
	return dirs
}
