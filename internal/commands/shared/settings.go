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
	"log/slog"
	"path/filepath"
	"time"

	"github.com/tombee/daemonkit/internal/config"
	"github.com/tombee/daemonkit/internal/lifecycle"
	"github.com/tombee/daemonkit/pkg/process"
)

// Configuration sections read by the commands.
const (
	ProcessSection = "process"
	ServiceSection = "service"
)

// Settings are the resolved settings shared by the commands.
type Settings struct {
	// Store is the loaded configuration.
	Store *config.Store

	// Process is the controller configuration.
	Process process.Config

	// JournalPath is the lifecycle journal. Empty disables the journal.
	JournalPath string

	// MetricsAddr is the listen address of the metrics endpoint. Empty
	// disables it.
	MetricsAddr string

	// ShutdownTimeout bounds the wait for the service after a terminate
	// signal.
	ShutdownTimeout time.Duration

	// Heartbeat is the interval of the sample service's heartbeat log line.
	Heartbeat time.Duration
}

// LoadSettings reads the configuration selected by --config, or found in
// the search directories, and resolves the settings.
func LoadSettings(logger *slog.Logger) (*Settings, error) {
	file, err := lifecycle.ResolvePath(GetConfigPath())
	if err != nil {
		return nil, err
	}
	store, err := config.Load(config.Options{
		Name:   AppName,
		File:   file,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	return SettingsFromStore(store)
}

// SettingsFromStore resolves the settings held by store.
func SettingsFromStore(store *config.Store) (*Settings, error) {
	cfg, err := process.ConfigFromAccessor(store, ProcessSection, process.DefaultConfig(AppName))
	if err != nil {
		return nil, err
	}

	journal := store.GetPath(ServiceSection, "journal", AppName+".journal")
	if journal != "" && !filepath.IsAbs(journal) {
		journal = cfg.RuntimeFile(journal)
	}
	if !store.GetBool(ServiceSection, "journal_enabled", true) {
		journal = ""
	}

	return &Settings{
		Store:           store,
		Process:         cfg,
		JournalPath:     journal,
		MetricsAddr:     store.GetString(ServiceSection, "metrics_addr", ""),
		ShutdownTimeout: store.GetDuration(ServiceSection, "shutdown_timeout", 30*time.Second),
		Heartbeat:       store.GetDuration(ServiceSection, "heartbeat", time.Minute),
	}, nil
}
