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

/*
Package notification implements an in-process publish/subscribe registry.

A Center delivers named notifications to the observers registered for them.
Delivery is synchronous and ordered: Post invokes every matching observer on
the calling goroutine, in registration order, before it returns. This keeps
observers such as loggers in causal order with the code that posts.

	center := notification.NewCenter()

	reg, err := center.SubscribeFunc("started", nil, func(n *notification.Notification) error {
	    fmt.Println("started with pid", n.Data["pid"])
	    return nil
	})
	if err != nil {
	    // Handle error
	}
	defer reg.Close()

	center.Post("started", controller, notification.Data{"pid": os.Getpid()})

# Matching

A registration matches a notification when its name is the notification's
name or Any, and its sender filter is nil or equal to the notification's
sender. Notifications posted with a nil sender carry UnknownSender, so a
registration filtered on UnknownSender only sees anonymous notifications.

# Failures

An observer that returns an error or panics does not stop delivery to the
observers after it. Failures go to the center's error handler, which logs
them by default; they are never returned to the poster.

# Lifetime

A Center is meant to be created once at startup and handed to every
component that posts or observes. Observers must unsubscribe before they are
discarded; the center keeps a reference to every live registration.
*/
package notification
