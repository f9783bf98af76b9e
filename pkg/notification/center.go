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

package notification

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	// ErrInvalidName is returned when a notification name is empty, or when Any
	// is used to post.
	ErrInvalidName = errors.New("invalid notification name")

	// ErrNilObserver is returned when subscribing a nil observer.
	ErrNilObserver = errors.New("observer is nil")

	// ErrSenderNotComparable is returned when a sender cannot be compared with ==.
	ErrSenderNotComparable = errors.New("sender is not comparable")
)

// ErrorHandler is called when an observer fails while handling a notification.
type ErrorHandler func(n *Notification, reg *Registration, err error)

// Option configures a Center.
type Option func(*Center)

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Center) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithErrorHandler replaces the default error handler, which logs the failure.
func WithErrorHandler(h ErrorHandler) Option {
	return func(c *Center) {
		if h != nil {
			c.onError = h
		}
	}
}

// Center is a registry of observers. It is safe for concurrent use, and
// observers may subscribe, unsubscribe or post while handling a notification.
type Center struct {
	mu      sync.RWMutex
	regs    []*Registration
	logger  *slog.Logger
	onError ErrorHandler
}

// NewCenter creates an empty notification center.
func NewCenter(opts ...Option) *Center {
	c := &Center{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "notification"))
	if c.onError == nil {
		c.onError = c.logFailure
	}
	return c
}

// Registration is the handle returned by Subscribe.
type Registration struct {
	id       uuid.UUID
	name     string
	sender   any
	observer Observer
	center   *Center
	live     atomic.Bool
}

// ID returns a unique identifier for the registration.
func (r *Registration) ID() string {
	return r.id.String()
}

// Name returns the subscribed notification name, which may be Any.
func (r *Registration) Name() string {
	return r.name
}

// Active reports whether the registration still receives notifications.
func (r *Registration) Active() bool {
	return r.live.Load()
}

// Close removes the registration from its center. It is safe to call more
// than once.
func (r *Registration) Close() {
	if r == nil || r.center == nil {
		return
	}
	r.center.Unsubscribe(r)
}

func (r *Registration) matches(n *Notification) bool {
	if r.name != Any && r.name != n.Name {
		return false
	}
	if r.sender == nil {
		return true
	}
	return sameSender(r.sender, n.Sender)
}

// Subscribe registers obs for notifications called name (or every name, if
// name is Any) posted by sender. A nil sender matches every sender.
func (c *Center) Subscribe(name string, sender any, obs Observer) (*Registration, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	if obs == nil {
		return nil, ErrNilObserver
	}
	if sender != nil && !comparable(sender) {
		return nil, fmt.Errorf("%w: %T", ErrSenderNotComparable, sender)
	}

	reg := &Registration{
		id:       uuid.New(),
		name:     name,
		sender:   sender,
		observer: obs,
		center:   c,
	}
	reg.live.Store(true)

	c.mu.Lock()
	c.regs = append(c.regs, reg)
	c.mu.Unlock()

	return reg, nil
}

// SubscribeFunc is Subscribe for a plain function.
func (c *Center) SubscribeFunc(name string, sender any, fn func(n *Notification) error) (*Registration, error) {
	if fn == nil {
		return nil, ErrNilObserver
	}
	return c.Subscribe(name, sender, ObserverFunc(fn))
}

// Unsubscribe removes a registration. Removing a registration that is nil,
// already removed, or owned by another center is a no-op.
func (c *Center) Unsubscribe(reg *Registration) {
	if reg == nil || reg.center != c {
		return
	}
	if !reg.live.CompareAndSwap(true, false) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if i := slices.Index(c.regs, reg); i >= 0 {
		c.regs = slices.Delete(c.regs, i, i+1)
	}
}

// Post delivers a notification to every matching registration, in the order
// the registrations were made, before returning. Registrations added while
// the notification is being delivered are not visited by this call.
//
// A Post made from inside an observer is not queued. It is delivered to its
// own observers immediately, depth first, and the outer delivery resumes
// once it returns.
//
// Observer failures are reported to the error handler and never returned.
// Post only fails when the notification itself is invalid.
func (c *Center) Post(name string, sender any, data Data) error {
	if name == "" || name == Any {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if sender == nil {
		sender = UnknownSender
	} else if !comparable(sender) {
		return fmt.Errorf("%w: %T", ErrSenderNotComparable, sender)
	}

	n := &Notification{
		Name:   name,
		Sender: sender,
		Data:   copyData(data),
	}

	c.mu.RLock()
	matched := make([]*Registration, 0, len(c.regs))
	for _, reg := range c.regs {
		if reg.matches(n) {
			matched = append(matched, reg)
		}
	}
	c.mu.RUnlock()

	for _, reg := range matched {
		// Removed since the snapshot was taken.
		if !reg.live.Load() {
			continue
		}
		if err := deliver(reg, n); err != nil {
			c.onError(n, reg, err)
		}
	}

	return nil
}

// Len returns the number of live registrations.
func (c *Center) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.regs)
}

func deliver(reg *Registration, n *Notification) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("observer panicked: %v", p)
		}
	}()
	return reg.observer.HandleNotification(n)
}

func (c *Center) logFailure(n *Notification, reg *Registration, err error) {
	c.logger.Error("observer failed while handling notification",
		slog.String("notification", n.Name),
		slog.String("registration", reg.ID()),
		slog.Any("error", err),
	)
}

func comparable(v any) bool {
	return reflect.TypeOf(v).Comparable()
}

// sameSender compares senders with ==. Interface values whose dynamic type is
// comparable can still hold incomparable fields, which makes == panic.
func sameSender(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}
