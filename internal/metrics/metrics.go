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

// Package metrics exports process lifecycle metrics in the Prometheus format.
//
// A Collector is a notification observer: subscribed to every notification
// of a center, it counts them by name, counts handled signals and failures,
// and reports the controller phase on scrape.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/daemonkit/pkg/notification"
	"github.com/tombee/daemonkit/pkg/process"
)

const namespace = "daemonkit"

// PhaseSource reports the current controller phase.
type PhaseSource interface {
	CurrentPhase() process.Phase
}

// Collector owns a registry with the lifecycle metrics.
type Collector struct {
	registry *prometheus.Registry

	notifications *prometheus.CounterVec
	signals       *prometheus.CounterVec
	failures      *prometheus.CounterVec
	startTime     prometheus.Gauge

	now func() time.Time
}

// NewCollector creates a Collector with its own registry. If phases is not
// nil the registry also exports the phase gauge. Go runtime and process
// collectors are always registered.
func NewCollector(phases PhaseSource) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total lifecycle notifications by name",
			},
			[]string{"name"},
		),
		signals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signals_total",
				Help:      "Total handled signals by signal name and action",
			},
			[]string{"signal", "action"},
		),
		failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_total",
				Help:      "Total controller failures by phase",
			},
			[]string{"phase"},
		),
		startTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Unix time at which the main routine was started",
		}),
		now: time.Now,
	}

	if phases != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase",
			Help:      "Current controller phase (0 initial, 1 detaching, 2 acquiring-resources, 3 running, 4 shutting-down, 5 stopped)",
		}, func() float64 {
			return float64(phases.CurrentPhase())
		})
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry holding the collector's metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// HandleNotification implements notification.Observer.
func (c *Collector) HandleNotification(n *notification.Notification) error {
	c.notifications.WithLabelValues(n.Name).Inc()

	switch n.Name {
	case process.NotificationStarted:
		c.startTime.Set(float64(c.now().UnixNano()) / 1e9)
	case process.NotificationReload:
		// Reloads posted by the config watcher carry no signal.
		if n.Get("signal") != nil {
			c.signals.WithLabelValues(stringValue(n, "signal"), process.ActionReload.String()).Inc()
		}
	case process.NotificationShuttingDown:
		c.signals.WithLabelValues(stringValue(n, "signal"), process.ActionTerminate.String()).Inc()
	case process.NotificationFailed:
		phase := stringValue(n, "phase")
		if phase == "unknown" {
			phase = process.PhaseRunning.String()
		}
		c.failures.WithLabelValues(phase).Inc()
	}
	return nil
}

// Subscribe registers c for every notification posted to center.
func (c *Collector) Subscribe(center *notification.Center) (*notification.Registration, error) {
	return center.Subscribe(notification.Any, nil, c)
}

// Handler returns an HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes the registry on addr under /metrics until ctx is done.
// It returns once the listener is bound; serve errors are logged.
func (c *Collector) Serve(ctx context.Context, addr string, logger *slog.Logger) (net.Addr, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server listening", "addr", ln.Addr().String())
	return ln.Addr(), nil
}

func stringValue(n *notification.Notification, key string) string {
	switch v := n.Get(key).(type) {
	case string:
		if v != "" {
			return v
		}
	case fmt.Stringer:
		return v.String()
	}
	return "unknown"
}
