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
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dispositions reads the ignored and caught signal masks of this process.
func dispositions(t *testing.T) (ignored, caught uint64) {
	t.Helper()
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		t.Skipf("/proc/self/status unavailable: %v", err)
	}

	found := 0
	for _, line := range strings.Split(string(data), "\n") {
		for field, dst := range map[string]*uint64{"SigIgn:": &ignored, "SigCgt:": &caught} {
			if v, ok := strings.CutPrefix(line, field); ok {
				mask, err := strconv.ParseUint(strings.TrimSpace(v), 16, 64)
				require.NoError(t, err)
				*dst = mask
				found++
			}
		}
	}
	if found != 2 {
		t.Skip("signal masks not reported")
	}
	return ignored, caught
}

func bit(sig syscall.Signal) uint64 {
	return 1 << (uint(sig) - 1)
}

func TestSignalSet_IgnoreRestoresDisposition(t *testing.T) {
	// SIGTTIN starts with the kernel default; the Go runtime handles SIGHUP.
	sigs := []syscall.Signal{syscall.SIGTTIN, syscall.SIGHUP}
	mapping := map[os.Signal]Action{}
	var mask uint64
	for _, sig := range sigs {
		mapping[sig] = ActionIgnore
		mask |= bit(sig)
	}

	ignBefore, cgtBefore := dispositions(t)

	s := installSignals(mapping)

	ignDuring, cgtDuring := dispositions(t)
	assert.Equal(t, mask, ignDuring&mask, "ignored while installed")
	assert.Zero(t, cgtDuring&mask)

	// Would stop the test binary if it were not ignored.
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTTIN))

	s.uninstall()
	s.uninstall()

	ignAfter, cgtAfter := dispositions(t)
	assert.Equal(t, ignBefore&mask, ignAfter&mask, "ignored set restored")
	assert.Equal(t, cgtBefore&mask, cgtAfter&mask, "caught set restored")
	assert.False(t, signal.Ignored(syscall.SIGHUP))
}

func TestSignalSet_Delivery(t *testing.T) {
	s := installSignals(map[os.Signal]Action{
		syscall.SIGUSR2: ActionReload,
		syscall.SIGTTOU: ActionIgnore,
	})
	defer s.uninstall()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTTOU))
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR2))

	select {
	case sig := <-s.C():
		assert.Equal(t, syscall.SIGUSR2, sig)
		assert.Equal(t, ActionReload, s.action(sig))
	case <-time.After(5 * time.Second):
		t.Fatal("reload signal not delivered")
	}
}
