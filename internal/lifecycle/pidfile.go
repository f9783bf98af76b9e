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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	// ErrPIDFileLocked is returned when another process holds the PID file lock.
	ErrPIDFileLocked = errors.New("PID file is locked by another process")

	// ErrPIDFileHeld is returned when acquiring a PID file this value already holds.
	ErrPIDFileHeld = errors.New("PID file already acquired")

	// ErrInvalidPID is returned when the PID file contains invalid data.
	ErrInvalidPID = errors.New("invalid PID in file")

	// ErrUnsafeDirectory is returned when the PID file parent is world-writable
	// without the sticky bit.
	ErrUnsafeDirectory = errors.New("PID file directory is world-writable")
)

// acquireAttempts bounds the retries when the file is replaced between open and lock.
const acquireAttempts = 5

// PIDFile is an exclusive, flock-protected PID file. The lock, not the PID
// written into the file, decides whether an instance is running: a file left
// behind by a crashed process is unlocked and is simply overwritten.
type PIDFile struct {
	path string
	file *os.File
}

// NewPIDFile returns a PID file for path. Nothing is touched until Acquire.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{
		path: path,
	}
}

// Path returns the PID file location.
func (p *PIDFile) Path() string {
	return p.path
}

// Held reports whether this value currently holds the lock.
func (p *PIDFile) Held() bool {
	return p.file != nil
}

// Acquire takes the exclusive lock and writes pid followed by a newline.
// It returns ErrPIDFileLocked, leaving the file untouched, when another
// process holds the lock. Symbolic links are never followed.
func (p *PIDFile) Acquire(pid int) error {
	if p.Held() {
		return ErrPIDFileHeld
	}

	parentDir := filepath.Dir(p.path)
	if err := verifyDirectorySafety(parentDir); err != nil {
		return errors.Wrap(err, "unsafe PID file location")
	}
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create PID file directory")
	}

	for attempt := 0; attempt < acquireAttempts; attempt++ {
		f, err := os.OpenFile(p.path, os.O_CREATE|os.O_RDWR|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0o644)
		if err != nil {
			return errors.Wrapf(err, "failed to open PID file %s", p.path)
		}

		if err := flockNonBlocking(f); err != nil {
			f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return errors.Wrap(ErrPIDFileLocked, p.path)
			}
			return errors.Wrapf(err, "failed to lock PID file %s", p.path)
		}

		// A releasing owner unlinks the file before unlocking it, so the
		// inode we locked may no longer be reachable through the path.
		current, err := sameFile(f, p.path)
		if err != nil {
			f.Close()
			return err
		}
		if !current {
			f.Close()
			continue
		}

		if err := writePID(f, pid); err != nil {
			f.Close()
			return err
		}

		p.file = f
		return nil
	}

	return errors.Errorf("PID file %s kept changing while locking", p.path)
}

// flockNonBlocking takes an exclusive lock on f, retrying on EINTR.
func flockNonBlocking(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err != unix.EINTR {
			return err
		}
	}
}

// Chown changes the owner of the PID file, so that a process that drops
// privileges can still remove it.
func (p *PIDFile) Chown(uid, gid int) error {
	if !p.Held() {
		return errors.New("PID file not acquired")
	}
	return errors.Wrap(p.file.Chown(uid, gid), "failed to change PID file owner")
}

// Release deletes the file and then drops the lock. Deleting first means a
// waiting process never locks a file that is about to disappear. Release on
// a PID file that is not held is a no-op.
func (p *PIDFile) Release() error {
	if !p.Held() {
		return nil
	}

	var removeErr error
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		removeErr = errors.Wrap(err, "failed to remove PID file")
	}

	// Closing the last descriptor drops the flock.
	closeErr := p.file.Close()
	p.file = nil

	if removeErr != nil {
		return removeErr
	}
	return errors.Wrap(closeErr, "failed to unlock PID file")
}

// Read returns the PID stored in the file.
func (p *PIDFile) Read() (int, error) {
	return ReadPID(p.path)
}

// ReadPID reads the PID from the file at path.
// Returns ErrInvalidPID if the file contains non-numeric data.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, err
		}
		return 0, errors.Wrap(err, "failed to read PID file")
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidPID, "%q", pidStr)
	}

	if pid <= 0 {
		return 0, errors.Wrapf(ErrInvalidPID, "PID must be positive, got %d", pid)
	}

	return pid, nil
}

// IsLocked reports whether some process holds the lock on the PID file at
// path. A missing file is not locked.
func IsLocked(path string) (bool, error) {
	lk := flock.New(path, flock.SetFlag(os.O_RDONLY|unix.O_NOFOLLOW))

	acquired, err := lk.TryRLock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to check lock on PID file %s", path)
	}
	if !acquired {
		return true, nil
	}

	_ = lk.Unlock()
	return false, nil
}

func writePID(f *os.File, pid int) error {
	if err := f.Truncate(0); err != nil {
		return errors.Wrap(err, "failed to truncate PID file")
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", pid)), 0); err != nil {
		return errors.Wrap(err, "failed to write PID")
	}
	return errors.Wrap(f.Sync(), "failed to sync PID file")
}

func sameFile(f *os.File, path string) (bool, error) {
	locked, err := f.Stat()
	if err != nil {
		return false, errors.Wrap(err, "failed to stat locked PID file")
	}

	named, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "failed to stat PID file")
	}

	return os.SameFile(locked, named), nil
}

// verifyDirectorySafety rejects a world-writable directory unless it has the
// sticky bit, which stops other users from replacing our file.
func verifyDirectorySafety(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "failed to stat directory")
	}

	mode := info.Mode()
	if mode&0o002 != 0 && mode&os.ModeSticky == 0 {
		return errors.Wrapf(ErrUnsafeDirectory, "%s has mode %04o", dir, mode&os.ModePerm)
	}

	return nil
}
