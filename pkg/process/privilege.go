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
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// identity is a target uid/gid; -1 leaves the id unchanged.
type identity struct {
	uid int
	gid int
}

func (id identity) empty() bool {
	return id.uid < 0 && id.gid < 0
}

// resolveIdentity turns user and group names or numeric ids into an
// identity. When only a user is given, its primary group is used, so a
// user switch always sets the group too.
func resolveIdentity(userName, groupName string) (identity, error) {
	id := identity{uid: -1, gid: -1}

	if userName != "" {
		var (
			u   *user.User
			err error
		)
		if n, convErr := strconv.Atoi(userName); convErr == nil {
			if n < 0 {
				return id, fmt.Errorf("invalid uid %d", n)
			}
			id.uid = n
			if groupName == "" {
				if u, err = user.LookupId(userName); err != nil {
					return id, fmt.Errorf("cannot find primary group of uid %d: %w", n, err)
				}
			}
		} else {
			if u, err = user.Lookup(userName); err != nil {
				return id, fmt.Errorf("unknown user %q: %w", userName, err)
			}
			if id.uid, err = strconv.Atoi(u.Uid); err != nil {
				return id, fmt.Errorf("user %q has non-numeric uid %q", userName, u.Uid)
			}
		}
		if groupName == "" {
			if id.gid, err = strconv.Atoi(u.Gid); err != nil {
				return id, fmt.Errorf("user %q has non-numeric gid %q", userName, u.Gid)
			}
		}
	}

	if groupName != "" {
		if n, err := strconv.Atoi(groupName); err == nil {
			if n < 0 {
				return id, fmt.Errorf("invalid gid %d", n)
			}
			id.gid = n
		} else {
			g, err := user.LookupGroup(groupName)
			if err != nil {
				return id, fmt.Errorf("unknown group %q: %w", groupName, err)
			}
			if id.gid, err = strconv.Atoi(g.Gid); err != nil {
				return id, fmt.Errorf("group %q has non-numeric gid %q", groupName, g.Gid)
			}
		}
	}

	return id, nil
}

// checkMonotonic enforces that only root changes identity. A non-root
// process may name its own uid and gid, which is a no-op.
func checkMonotonic(euid, egid int, target identity) error {
	if euid == 0 {
		return nil
	}
	if target.uid >= 0 && target.uid != euid {
		return fmt.Errorf("cannot switch from uid %d to uid %d without root", euid, target.uid)
	}
	if target.gid >= 0 && target.gid != egid {
		return fmt.Errorf("cannot switch from gid %d to gid %d without root", egid, target.gid)
	}
	return nil
}

// credentialCalls are the identity system calls used by dropPrivileges.
type credentialCalls struct {
	getgroups func() ([]int, error)
	getgid    func() int
	setgroups func([]int) error
	setgid    func(int) error
	setuid    func(int) error
}

var credentials = credentialCalls{
	getgroups: unix.Getgroups,
	getgid:    unix.Getgid,
	setgroups: unix.Setgroups,
	setgid:    unix.Setgid,
	setuid:    unix.Setuid,
}

// dropPrivileges applies target. Only root changes identity; for anyone
// else target must name the current identity.
// The calls apply to every thread of the process.
func dropPrivileges(target identity) error {
	if os.Geteuid() != 0 {
		return checkMonotonic(os.Geteuid(), os.Getegid(), target)
	}
	return credentials.apply(target)
}

// apply sets the supplementary groups, the gid and then the uid. If a later
// call fails the earlier ones are undone so no partial change remains.
func (c credentialCalls) apply(target identity) error {
	if target.empty() {
		return nil
	}
	if target.gid < 0 {
		return fmt.Errorf("uid %d has no group to switch to", target.uid)
	}

	prevGroups, err := c.getgroups()
	if err != nil {
		return fmt.Errorf("getgroups: %w", err)
	}
	prevGid := c.getgid()

	if err := c.setgroups([]int{target.gid}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := c.setgid(target.gid); err != nil {
		_ = c.setgroups(prevGroups)
		return fmt.Errorf("setgid %d: %w", target.gid, err)
	}
	if target.uid < 0 {
		return nil
	}
	if err := c.setuid(target.uid); err != nil {
		_ = c.setgid(prevGid)
		_ = c.setgroups(prevGroups)
		return fmt.Errorf("setuid %d: %w", target.uid, err)
	}
	return nil
}
