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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrReadinessTimeout is returned when the PID file does not reach the
// wanted state in time.
var ErrReadinessTimeout = errors.New("readiness timeout")

// ReadinessChecker watches a PID file to learn when a daemon has started or
// stopped. A daemon is ready once it holds the lock and has written its PID.
type ReadinessChecker struct {
	path            string
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
}

// ReadinessResult is the outcome of a single check.
type ReadinessResult struct {
	Ready bool
	PID   int
	Error error
}

// NewReadinessChecker creates a checker for the PID file at path.
// Default backoff: 20ms initial, 2x multiplier, 500ms max interval.
func NewReadinessChecker(path string) *ReadinessChecker {
	return &ReadinessChecker{
		path:            path,
		initialInterval: 20 * time.Millisecond,
		maxInterval:     500 * time.Millisecond,
		multiplier:      2.0,
	}
}

// WithBackoff configures custom backoff parameters.
func (r *ReadinessChecker) WithBackoff(initial, max time.Duration, multiplier float64) *ReadinessChecker {
	r.initialInterval = initial
	r.maxInterval = max
	r.multiplier = multiplier
	return r
}

// Check looks at the PID file once.
func (r *ReadinessChecker) Check() *ReadinessResult {
	locked, err := IsLocked(r.path)
	if err != nil {
		return &ReadinessResult{Error: err}
	}
	if !locked {
		return &ReadinessResult{}
	}

	// The owner may hold the lock before its PID is written.
	pid, err := ReadPID(r.path)
	if err != nil {
		return &ReadinessResult{Error: err}
	}
	return &ReadinessResult{Ready: true, PID: pid}
}

// WaitUntilReady polls until the PID file is locked and holds a PID, and
// returns that PID.
func (r *ReadinessChecker) WaitUntilReady(ctx context.Context, timeout time.Duration) (int, error) {
	var last *ReadinessResult
	err := r.poll(ctx, timeout, func() bool {
		last = r.Check()
		return last.Ready
	})
	if err != nil {
		if last != nil && last.Error != nil {
			return 0, fmt.Errorf("%w: %v", err, last.Error)
		}
		return 0, err
	}
	return last.PID, nil
}

// WaitUntilReleased polls until nobody holds the PID file lock.
func (r *ReadinessChecker) WaitUntilReleased(ctx context.Context, timeout time.Duration) error {
	return r.poll(ctx, timeout, func() bool {
		locked, err := IsLocked(r.path)
		return err == nil && !locked
	})
}

func (r *ReadinessChecker) poll(ctx context.Context, timeout time.Duration, done func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := r.initialInterval
	attempts := 0

	for {
		attempts++
		if done() {
			return nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %d attempts", ErrReadinessTimeout, attempts)
			}
			return ctx.Err()
		case <-timer.C:
		}

		interval = time.Duration(float64(interval) * r.multiplier)
		if interval > r.maxInterval {
			interval = r.maxInterval
		}
	}
}
