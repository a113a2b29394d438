package container

import (
	"os"
	"os/user"
	"runtime"
	"strconv"
)

// fallbackID is used when the host user cannot be determined or is root.
// Preprocessing output lands on bind mounts, so the container must never
// write files as root.
const fallbackID = "1000"

// hostUserIDs returns the host UID and GID as strings so the container can
// run as the invoking researcher and produced files stay theirs.
func hostUserIDs() (uid string, gid string) {
	uid = fallbackID
	gid = fallbackID

	if u := os.Getuid(); u > 0 {
		uid = strconv.Itoa(u)
	}
	if g := os.Getgid(); g > 0 {
		gid = strconv.Itoa(g)
	}

	// os/user catches platforms where Getuid reports 0 for a non-root user.
	if (uid == fallbackID || gid == fallbackID) && runtime.GOOS != "windows" {
		if current, err := user.Current(); err == nil {
			if current.Uid != "" && current.Uid != "0" {
				uid = current.Uid
			}
			if current.Gid != "" && current.Gid != "0" {
				gid = current.Gid
			}
		}
	}

	if uid == "0" {
		uid = fallbackID
	}
	if gid == "0" {
		gid = fallbackID
	}
	return uid, gid
}
