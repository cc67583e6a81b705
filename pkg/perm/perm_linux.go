//go:build linux

package perm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

const (
	defaultGroup = "lonip"
	groupEnv     = "LONIP_GROUP"

	dirMode      fs.FileMode = 0o770
	readableMode fs.FileMode = 0o640
)

// GroupName is the operator group, taken from LONIP_GROUP when set.
func GroupName() string {
	if g := os.Getenv(groupEnv); g != "" {
		return g
	}
	return defaultGroup
}

// lookupGID resolves the operator group. ok is false when the host has no
// such group.
func lookupGID() (gid int, ok bool, err error) {
	name := GroupName()
	grp, err := user.LookupGroup(name)
	if errors.As(err, new(user.UnknownGroupError)) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup group %s: %w", name, err)
	}
	if gid, err = strconv.Atoi(grp.Gid); err != nil {
		return 0, false, fmt.Errorf("parse gid %q of group %s: %w", grp.Gid, name, err)
	}
	return gid, true, nil
}

// share hands path to the operator group with mode, touching only what
// differs. A process that may not chown keeps the existing group.
func share(path string, mode fs.FileMode) error {
	gid, ok, err := lookupGID()
	if err != nil || !ok {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if st, isUnix := info.Sys().(*syscall.Stat_t); !isUnix || int(st.Gid) != gid {
		if err := os.Chown(path, -1, gid); err != nil && !errors.Is(err, syscall.EPERM) {
			return fmt.Errorf("chown %s: %w", path, err)
		}
	}

	if info.Mode().Perm() == mode {
		return nil
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

// SetGroupDir opens a state directory to the operator group.
func SetGroupDir(path string) error { return share(path, dirMode) }

// SetGroupReadable lets the operator group read a state file.
func SetGroupReadable(path string) error { return share(path, readableMode) }
