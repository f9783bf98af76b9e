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
	"os"
	"os/signal"
	"syscall"
)

// signalQueueSize bounds pending signals. os/signal drops deliveries to a
// full channel, which only loses repeats of signals already queued.
const signalQueueSize = 8

// signalSet is the installed signal mapping. Delivery only enqueues on ch;
// the control goroutine drains it.
type signalSet struct {
	ch      chan os.Signal
	actions map[os.Signal]Action
	ignored []ignoredSignal
}

// ignoredSignal remembers the disposition a signal had before it was
// ignored.
type ignoredSignal struct {
	sig   syscall.Signal
	prev  uintptr
	known bool
}

func installSignals(mapping map[os.Signal]Action) *signalSet {
	s := &signalSet{
		ch:      make(chan os.Signal, signalQueueSize),
		actions: make(map[os.Signal]Action, len(mapping)),
	}

	var notify, ignore, reset []os.Signal
	for sig, action := range mapping {
		s.actions[sig] = action
		switch action {
		case ActionTerminate, ActionReload:
			notify = append(notify, sig)
		case ActionIgnore:
			ignore = append(ignore, sig)
			if num, ok := sig.(syscall.Signal); ok {
				prev, known := kernelDisposition(num)
				s.ignored = append(s.ignored, ignoredSignal{sig: num, prev: prev, known: known})
			}
		case ActionDefault:
			reset = append(reset, sig)
		}
	}

	// Empty argument lists mean "every signal" to these functions.
	if len(reset) > 0 {
		signal.Reset(reset...)
	}
	if len(ignore) > 0 {
		signal.Ignore(ignore...)
	}
	if len(notify) > 0 {
		signal.Notify(s.ch, notify...)
	}

	return s
}

// C returns the delivery channel.
func (s *signalSet) C() <-chan os.Signal {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *signalSet) action(sig os.Signal) Action {
	return s.actions[sig]
}

// uninstall stops delivery and gives ignored signals back the disposition
// they had before. Signals still queued are dropped.
func (s *signalSet) uninstall() {
	if s == nil {
		return
	}
	signal.Stop(s.ch)
	if len(s.ignored) == 0 {
		return
	}

	sigs := make([]os.Signal, len(s.ignored))
	for i, ig := range s.ignored {
		sigs[i] = ig.sig
	}
	// signal.Reset clears the runtime's bookkeeping but leaves the kernel
	// ignoring the signal.
	signal.Reset(sigs...)
	for _, ig := range s.ignored {
		ig.restore()
	}
	s.ignored = nil
}

func (ig ignoredSignal) restore() {
	if ig.known && (ig.prev == sigDFL || ig.prev == sigIGN) {
		_ = setKernelDisposition(ig.sig, ig.prev)
		return
	}
	// The Go runtime was handling the signal: let it install its handler
	// again.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, ig.sig)
	signal.Stop(ch)
}
