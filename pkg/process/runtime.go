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
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const runtimeDirMode = 0o755

// prepareRuntimeDirectory creates dir when missing and checks that this
// process can read, write and search it.
func prepareRuntimeDirectory(dir string) error {
	if err := os.MkdirAll(dir, runtimeDirMode); err != nil {
		return err
	}

	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory")
	}

	if err := unix.Access(dir, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return fmt.Errorf("insufficient access: %w", err)
	}
	return nil
}

// applyUmask sets the file creation mask unless mask is KeepUmask or
// another negative value, and returns the previous one.
func applyUmask(mask int) (int, bool) {
	if mask < 0 {
		return 0, false
	}
	return unix.Umask(mask), true
}
