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

// Package config implements a YAML backed configuration accessor.
//
// A configuration file holds one mapping per section:
//
//	process:
//	  mode: daemon
//	  pid-file: example.pid
//	  signals:
//	    SIGTERM: terminate
//	    SIGHUP: reload
//
// Keys are normalised so that "pid-file" and "pid_file" are the same key.
// Scalars are kept as strings and converted on access; a value that does not
// convert is reported with a warning and the caller's default is used.
// Environment variables named PREFIX_SECTION_KEY take precedence over files.
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	daemonerrors "github.com/tombee/daemonkit/pkg/errors"
)

// Options controls where a Store looks for configuration.
type Options struct {
	// Name is the application name. It names the configuration directory and,
	// with a .yaml suffix, the configuration file.
	Name string

	// File is an explicit configuration file. When set the directory search
	// is skipped and the file must exist.
	File string

	// Dirs overrides the search directories. Default: SearchDirs(Name).
	Dirs []string

	// EnvPrefix is the prefix of environment overrides.
	// Default: Name in upper case.
	EnvPrefix string

	// Logger receives warnings about invalid values.
	Logger *slog.Logger
}

// Store holds the merged settings of all configuration files found.
// It is safe for concurrent use.
type Store struct {
	opts   Options
	logger *slog.Logger
	lookup func(string) (string, bool)

	mu       sync.RWMutex
	files    []string
	sections map[string]map[string]string
}

// Load reads the configuration described by opts.
func Load(opts Options) (*Store, error) {
	if opts.Name == "" && opts.File == "" {
		return nil, &daemonerrors.ConfigError{Key: "name", Reason: "an application name or a configuration file is required"}
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = envName(opts.Name)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		opts:   opts,
		logger: logger.With("component", "config"),
		lookup: os.LookupEnv,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the configuration files. On failure the previous settings
// are kept.
func (s *Store) Reload() error {
	files, err := s.candidates()
	if err != nil {
		return err
	}

	sections := make(map[string]map[string]string)
	var loaded []string
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) && s.opts.File == "" {
				continue
			}
			return &daemonerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to read %s", path),
				Cause:  err,
			}
		}
		if err := merge(sections, data); err != nil {
			return &daemonerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to parse %s", path),
				Cause:  err,
			}
		}
		loaded = append(loaded, path)
	}

	s.mu.Lock()
	s.files = loaded
	s.sections = sections
	s.mu.Unlock()
	return nil
}

func (s *Store) candidates() ([]string, error) {
	if s.opts.File != "" {
		path, err := filepath.Abs(s.opts.File)
		if err != nil {
			return nil, &daemonerrors.ConfigError{Key: "config_file", Reason: "invalid path", Cause: err}
		}
		return []string{path}, nil
	}

	dirs := s.opts.Dirs
	if dirs == nil {
		dirs = SearchDirs(s.opts.Name)
	}
	seen := make(map[string]bool)
	var files []string
	for _, dir := range dirs {
		path := filepath.Join(dir, s.opts.Name+".yaml")
		if seen[path] {
			continue
		}
		seen[path] = true
		files = append(files, path)
	}
	return files, nil
}

// Files returns the files the current settings were read from, lowest
// precedence first.
func (s *Store) Files() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.files...)
}

// Sections returns the sorted names of all sections found in the files.
func (s *Store) Sections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.sections))
	for name := range s.sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the raw value of section.key and whether it is set.
func (s *Store) Lookup(section, key string) (string, bool) {
	section, key = normalize(section), normalize(key)
	if v, ok := s.lookup(s.envKey(section, key)); ok {
		return v, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.sections[section][key]
	return v, ok
}

// EnvKey returns the environment variable that overrides section.key.
func (s *Store) EnvKey(section, key string) string {
	return s.envKey(normalize(section), normalize(key))
}

func (s *Store) envKey(section, key string) string {
	parts := []string{envName(section), envName(key)}
	if s.opts.EnvPrefix != "" {
		parts = append([]string{s.opts.EnvPrefix}, parts...)
	}
	return strings.Join(parts, "_")
}

// GetString returns section.key, or def if unset.
func (s *Store) GetString(section, key, def string) string {
	if v, ok := s.Lookup(section, key); ok {
		return v
	}
	return def
}

// GetInt returns section.key as an integer, or def if unset or invalid.
func (s *Store) GetInt(section, key string, def int) int {
	v, ok := s.Lookup(section, key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		s.invalid(section, key, v, err)
		return def
	}
	return n
}

// GetBool returns section.key as a boolean, or def if unset or invalid.
// Accepted values are 1/0, yes/no, true/false and on/off.
func (s *Store) GetBool(section, key string, def bool) bool {
	v, ok := s.Lookup(section, key)
	if !ok {
		return def
	}
	b, err := ParseBool(v)
	if err != nil {
		s.invalid(section, key, v, err)
		return def
	}
	return b
}

// GetDuration returns section.key as a time.Duration, or def if unset or
// invalid.
func (s *Store) GetDuration(section, key string, def time.Duration) time.Duration {
	v, ok := s.Lookup(section, key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		s.invalid(section, key, v, err)
		return def
	}
	return d
}

// GetPath returns section.key as a path. A leading ~/ is expanded and the
// result is cleaned. Relative paths are returned relative, for the caller to
// resolve.
func (s *Store) GetPath(section, key, def string) string {
	v, ok := s.Lookup(section, key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			s.invalid(section, key, v, err)
			return def
		}
		v = filepath.Join(home, v[2:])
	}
	return filepath.Clean(v)
}

// GetStringList returns section.key split on commas, or def if unset.
// Empty elements are dropped.
func (s *Store) GetStringList(section, key string, def []string) []string {
	v, ok := s.Lookup(section, key)
	if !ok {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (s *Store) invalid(section, key, value string, err error) {
	s.logger.Warn("ignoring invalid config value",
		"key", normalize(section)+"."+normalize(key),
		"value", value,
		"error", err)
}

var boolValues = map[string]bool{
	"1": true, "yes": true, "true": true, "on": true,
	"0": false, "no": false, "false": false, "off": false,
}

// ParseBool parses the boolean keywords used in configuration files.
func ParseBool(s string) (bool, error) {
	b, ok := boolValues[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return false, fmt.Errorf("not a boolean value: %q", s)
	}
	return b, nil
}

// merge decodes a YAML document and overlays its sections on dst.
func merge(dst map[string]map[string]string, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: top level must be a mapping of sections", root.Line)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		name, body := root.Content[i], root.Content[i+1]
		section := normalize(name.Value)
		if body.Kind == yaml.ScalarNode && body.Tag == "!!null" {
			continue
		}
		if body.Kind != yaml.MappingNode {
			return fmt.Errorf("line %d: section %q must be a mapping", name.Line, name.Value)
		}
		values := dst[section]
		if values == nil {
			values = make(map[string]string)
			dst[section] = values
		}
		for j := 0; j+1 < len(body.Content); j += 2 {
			key, value := body.Content[j], body.Content[j+1]
			text, err := flatten(value)
			if err != nil {
				return fmt.Errorf("line %d: %s.%s: %w", key.Line, section, key.Value, err)
			}
			values[normalize(key.Value)] = text
		}
	}
	return nil
}

// flatten renders a setting as a string. Sequences become comma separated
// lists and mappings become comma separated key=value pairs, in document
// order.
func flatten(n *yaml.Node) (string, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return "", nil
		}
		return n.Value, nil
	case yaml.AliasNode:
		return flatten(n.Alias)
	case yaml.SequenceNode:
		items := make([]string, 0, len(n.Content))
		for _, c := range n.Content {
			if c.Kind != yaml.ScalarNode {
				return "", fmt.Errorf("nested lists are not supported")
			}
			items = append(items, c.Value)
		}
		return strings.Join(items, ","), nil
	case yaml.MappingNode:
		pairs := make([]string, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if v.Kind != yaml.ScalarNode {
				return "", fmt.Errorf("nested mappings are not supported")
			}
			pairs = append(pairs, k.Value+"="+v.Value)
		}
		return strings.Join(pairs, ","), nil
	default:
		return "", fmt.Errorf("unsupported value")
	}
}

func normalize(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "-", "_")
}

func envName(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s))
}
