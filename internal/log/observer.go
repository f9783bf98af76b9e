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

package log

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tombee/daemonkit/pkg/notification"
)

// Observer writes every notification it receives to a structured logger.
// It never fails, so it is safe to subscribe to notification.Any.
type Observer struct {
	logger *slog.Logger
	levels map[string]slog.Level
}

// NewObserver returns an Observer that logs through logger. Notifications
// named "failed" are logged at error level, everything else at info.
func NewObserver(logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		logger: logger,
		levels: map[string]slog.Level{
			"failed": slog.LevelError,
		},
	}
}

// SetLevel overrides the level used for notifications with the given name.
func (o *Observer) SetLevel(name string, level slog.Level) {
	o.levels[name] = level
}

// HandleNotification implements notification.Observer.
func (o *Observer) HandleNotification(n *notification.Notification) error {
	level, ok := o.levels[n.Name]
	if !ok {
		level = slog.LevelInfo
	}
	ctx := context.Background()
	if !o.logger.Enabled(ctx, level) {
		return nil
	}

	attrs := make([]slog.Attr, 0, len(n.Data)+2)
	attrs = append(attrs, slog.String(NotificationKey, n.Name))
	if n.Sender != notification.UnknownSender {
		attrs = append(attrs, slog.String("sender", fmt.Sprintf("%T", n.Sender)))
	}

	keys := make([]string, 0, len(n.Data))
	for k := range n.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := n.Data[k]
		if err, ok := v.(error); ok {
			attrs = append(attrs, slog.String(k, err.Error()))
			continue
		}
		attrs = append(attrs, slog.Any(k, v))
	}

	o.logger.LogAttrs(ctx, level, "notification", attrs...)
	return nil
}

// Subscribe registers a logging observer for every notification on center.
func Subscribe(center *notification.Center, logger *slog.Logger) (*notification.Registration, error) {
	return center.Subscribe(notification.Any, nil, NewObserver(logger))
}
