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

//go:build !(linux && (amd64 || arm64 || riscv64 || loong64))

package process

import (
	"errors"
	"syscall"
)

const (
	sigDFL uintptr = 0
	sigIGN uintptr = 1
)

var errDispositionUnsupported = errors.New("signal dispositions are not readable on this platform")

// kernelDisposition is unknown here; ignored signals are handed back to the
// Go runtime on shutdown.
func kernelDisposition(syscall.Signal) (uintptr, bool) {
	return 0, false
}

func setKernelDisposition(syscall.Signal, uintptr) error {
	return errDispositionUnsupported
}
