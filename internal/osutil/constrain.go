// osutil is a helper package to abstract OS interactions. In particular constraining a process
// via chroot, setuid and setgid after the privileged listen sockets have been opened. Most of the
// setuid/setgid functionality is disabled on Linux.

package osutil

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const me = "osutil.Constrain: "

// Constrain downgrades the abilities of the process by changing to a nominated uid/gid which
// presumably has less power and chroots to a directory that presumably has very little in it or
// below it. Each step is optional if the corresponding parameter is an empty string; all empty is
// a no-op.
//
// The order of operations matters: symbolic names convert to ids first while /etc/passwd (or the
// moral equivalent) is still reachable, then chroot runs while we still have the power to reach
// the directory, then groups go before the final setuid makes the sequence irreversible.
func Constrain(userName, groupName, chrootDir string) error {
	uid := -1
	gid := -1
	if len(userName) > 0 {
		u, err := user.Lookup(userName)
		if err != nil {
			return fmt.Errorf(me+"Lookup failed: %s", err.Error())
		}
		uid, err = strconv.Atoi(u.Uid)
		if err != nil {
			return fmt.Errorf(me+"Could not convert UID %s to an int: %s", u.Uid, err.Error())
		}
	}

	if len(groupName) > 0 {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return fmt.Errorf(me+"Could not look up group %s: %s", groupName, err.Error())
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return fmt.Errorf(me+"Could not convert GID %s to an int: %s", g.Gid, err.Error())
		}
	}

	if len(chrootDir) > 0 { // Must be root to do this, but let Chroot() do the checking
		if err := os.Chdir(chrootDir); err != nil {
			return fmt.Errorf(me+"Could not cd to %s: %s", chrootDir, err.Error())
		}
		if err := unix.Chroot(chrootDir); err != nil {
			return fmt.Errorf(me+"Could not chroot to %s: %s", chrootDir, err.Error())
		}
		if err := os.Chdir("/"); err != nil {
			return fmt.Errorf(me+"Could not cd to /: %s", err.Error())
		}
	}

	// setgid includes removing all supplementary groups.

	if gid != -1 {
		if setgidAllowed {
			if err := unix.Setgroups([]int{}); err != nil {
				return fmt.Errorf(me+"Could not clear group list: %s", err.Error())
			}
			if err := unix.Setgid(gid); err != nil {
				return fmt.Errorf(me+"Could not setgid to %d/%s: %s", gid, groupName, err.Error())
			}
		} else {
			fmt.Println("WARNING: Go setgid() disabled for this OS. This process remains privileged.")
		}
	}

	if uid != -1 {
		if setuidAllowed {
			if err := unix.Setuid(uid); err != nil {
				return fmt.Errorf(me+"Could not setuid to %d/%s: %s", uid, userName, err.Error())
			}
		} else {
			fmt.Println("WARNING: Go setuid() disabled for this OS. This process remains privileged.")
		}
	}

	return nil
}

// ConstraintReport returns a printable string showing the uid/gid/cwd of the process. Normally
// called after Constrain() to "prove" that the process has been downgraded.
func ConstraintReport() string {
	cwd, _ := os.Getwd()
	gList, _ := os.Getgroups()
	gStr := make([]string, 0, len(gList))
	for _, g := range gList {
		gStr = append(gStr, strconv.Itoa(g))
	}

	return fmt.Sprintf("uid=%d gid=%d (%s) cwd=%s", os.Getuid(), os.Getgid(), strings.Join(gStr, ","), cwd)
}
