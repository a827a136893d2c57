package shell

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	reOwner   = regexp.MustCompile(`^[0-9]+:[0-9]+$`)
	reService = regexp.MustCompile(`^[A-Za-z0-9@._-]+$`)
	reLabel   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,16}$`)
)

// allowedCommand gates privileged execution to the argv shapes a cart build needs.
func allowedCommand(name string, args []string) bool {
	switch strings.TrimSpace(name) {
	case "wipefs":
		// wipefs -a <dev>
		return len(args) == 2 && args[0] == "-a" && validDevice(args[1])
	case "parted":
		// parted -s <dev> mklabel gpt mkpart primary ext4 <start> <end>
		if len(args) < 4 || args[0] != "-s" || !validDevice(args[1]) {
			return false
		}
		return args[2] == "mklabel" || args[2] == "mkpart"
	case "partprobe":
		return len(args) == 1 && validDevice(args[0])
	case "udevadm":
		return len(args) >= 1 && args[0] == "settle"
	case "mkfs.ext4":
		// mkfs.ext4 -F -L <label> <part>
		return len(args) == 4 && args[0] == "-F" && args[1] == "-L" && reLabel.MatchString(args[2]) && validDevice(args[3])
	case "mkdir":
		return len(args) == 2 && args[0] == "-p" && validPath(args[1])
	case "mount":
		return len(args) == 2 && validDevice(args[0]) && validPath(args[1])
	case "umount":
		if len(args) == 2 && args[0] == "-l" {
			return validPath(args[1])
		}
		return len(args) == 1 && validPath(args[0])
	case "chown":
		// chown -R uid:gid <path>
		return len(args) == 3 && args[0] == "-R" && reOwner.MatchString(args[1]) && validPath(args[2]) && args[2] != "/"
	case "systemctl":
		if len(args) != 2 {
			return false
		}
		switch args[0] {
		case "stop", "start", "is-active":
			return reService.MatchString(args[1])
		}
		return false
	case "sync":
		return len(args) == 0 || (len(args) == 2 && args[0] == "-f" && validPath(args[1]))
	default:
		return false
	}
}

func validDevice(p string) bool {
	return p != "" && strings.HasPrefix(p, "/dev/") && !strings.ContainsAny(p, " \t\n\r\x00") && filepath.Clean(p) == p
}

func validPath(p string) bool {
	return p != "" && filepath.IsAbs(p) && !strings.ContainsAny(p, "\n\r\x00")
}
