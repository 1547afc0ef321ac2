package platform

import (
	"fmt"
	"os/user"
	"strconv"
)

// Identity is the resolved uid/gid/supplementary-groups for a User=/Group=
// pair, grounded on
// _examples/original_source/projects/systemd-rs/src/platform/grnam.rs's
// getgrnam_r/getpwnam_r pair — Go's os/user package wraps the same NSS
// lookups, so no direct libc/cgo call is needed here.
type Identity struct {
	UID               int
	GID               int
	SupplementaryGIDs []int
	HomeDir           string
}

// ResolveIdentity looks up userName (and groupName, if non-empty) the
// systemd-compatible way: an empty groupName defaults to the user's primary
// group, matching the distinction of getpwnam_r's gid field.
func ResolveIdentity(userName, groupName string) (Identity, error) {
	if userName == "" {
		return Identity{}, nil
	}
	u, err := user.Lookup(userName)
	if err != nil {
		return Identity{}, fmt.Errorf("looking up user %q: %w", userName, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return Identity{}, fmt.Errorf("user %q has non-numeric uid %q", userName, u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return Identity{}, fmt.Errorf("user %q has non-numeric gid %q", userName, u.Gid)
	}

	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return Identity{}, fmt.Errorf("looking up group %q: %w", groupName, err)
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return Identity{}, fmt.Errorf("group %q has non-numeric gid %q", groupName, g.Gid)
		}
	}

	groupIDs, err := u.GroupIds()
	if err != nil {
		return Identity{}, fmt.Errorf("listing supplementary groups for %q: %w", userName, err)
	}
	var supplementary []int
	for _, g := range groupIDs {
		if gidNum, err := strconv.Atoi(g); err == nil && gidNum != gid {
			supplementary = append(supplementary, gidNum)
		}
	}

	return Identity{UID: uid, GID: gid, SupplementaryGIDs: supplementary, HomeDir: u.HomeDir}, nil
}
