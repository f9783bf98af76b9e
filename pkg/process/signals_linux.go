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

//go:build linux && (amd64 || arm64 || riscv64 || loong64)

package process

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel signal dispositions.
const (
	sigDFL uintptr = 0
	sigIGN uintptr = 1
)

// kernelSigaction is struct sigaction as rt_sigaction takes it. Only the
// handler is read or set.
type kernelSigaction struct {
	handler  uintptr
	flags    uintptr
	restorer uintptr
	mask     uint64
}

// kernelDisposition returns the handler the kernel currently has for sig.
func kernelDisposition(sig syscall.Signal) (uintptr, bool) {
	var old kernelSigaction
	_, _, errno := unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig), 0,
		uintptr(unsafe.Pointer(&old)), unsafe.Sizeof(old.mask), 0, 0)
	if errno != 0 {
		return 0, false
	}
	return old.handler, true
}

// setKernelDisposition sets sig to SIG_DFL or SIG_IGN.
func setKernelDisposition(sig syscall.Signal, handler uintptr) error {
	act := kernelSigaction{handler: handler}
	_, _, errno := unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig),
		uintptr(unsafe.Pointer(&act)), 0, unsafe.Sizeof(act.mask), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
