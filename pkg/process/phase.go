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

import "fmt"

// Phase is a step of the controller lifecycle. Phases only move forward.
type Phase int32

const (
	PhaseInitial Phase = iota
	PhaseDetaching
	PhaseAcquiringResources
	PhaseRunning
	PhaseShuttingDown
	PhaseStopped
)

var phaseNames = [...]string{
	PhaseInitial:            "initial",
	PhaseDetaching:          "detaching",
	PhaseAcquiringResources: "acquiring-resources",
	PhaseRunning:            "running",
	PhaseShuttingDown:       "shutting-down",
	PhaseStopped:            "stopped",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}
