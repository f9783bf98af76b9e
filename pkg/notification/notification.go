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

import "fmt"

// Any matches every notification name when used as a subscription name.
const Any = "*"

type unknownSender struct{}

func (unknownSender) String() string { return "UnknownSender" }

// UnknownSender is the sender of notifications posted without one.
var UnknownSender any = unknownSender{}

// Data is the payload of a notification.
type Data map[string]any

// Notification is a named event posted to a Center. Observers share the same
// value and must treat it as read-only.
type Notification struct {
	// Name identifies the event.
	Name string

	// Sender is the component that posted the notification, or UnknownSender.
	Sender any

	// Data is the payload. It is a copy of the map given to Post.
	Data Data
}

// String returns a short description for logs.
func (n *Notification) String() string {
	return fmt.Sprintf("Notification(%q, %v, %v)", n.Name, n.Sender, n.Data)
}

// Get returns the payload value for key, or nil.
func (n *Notification) Get(key string) any {
	if n.Data == nil {
		return nil
	}
	return n.Data[key]
}

// Observer receives notifications from a Center.
type Observer interface {
	HandleNotification(n *Notification) error
}

// ObserverFunc adapts an ordinary function or closure to the Observer
// interface.
type ObserverFunc func(n *Notification) error

// HandleNotification calls f(n).
func (f ObserverFunc) HandleNotification(n *Notification) error {
	return f(n)
}

func copyData(d Data) Data {
	if d == nil {
		return Data{}
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
