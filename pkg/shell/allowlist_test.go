package shell

import "testing"

func TestAllowedCommandDeviceSteps(t *testing.T) {
	ok := [][]string{
		{"wipefs", "-a", "/dev/sdb"},
		{"parted", "-s", "/dev/sdb", "mklabel", "gpt", "mkpart", "primary", "ext4", "1MiB", "100%"},
		{"partprobe", "/dev/sdb"},
		{"udevadm", "settle"},
		{"mkfs.ext4", "-F", "-L", "CELESTE", "/dev/sdb1"},
		{"mkdir", "-p", "/mnt/CELESTE"},
		{"mount", "/dev/sdb1", "/mnt/CELESTE"},
		{"umount", "-l", "/mnt/CELESTE"},
		{"chown", "-R", "1000:1000", "/mnt/CELESTE"},
		{"systemctl", "stop", "udisks2"},
		{"sync", "-f", "/mnt/CELESTE"},
	}
	for _, argv := range ok {
		if !allowedCommand(argv[0], argv[1:]) {
			t.Fatalf("expected allowed: %v", argv)
		}
	}
}

func TestAllowedCommandRejects(t *testing.T) {
	bad := [][]string{
		{"rm", "-rf", "/"},
		{"wipefs", "-a", "sdb"},
		{"wipefs", "-a", "/dev/../etc/passwd"},
		{"mkfs.ext4", "-F", "-L", "bad label", "/dev/sdb1"},
		{"mkfs.ext4", "-F", "-L", "WAYTOOLONGLABEL123", "/dev/sdb1"},
		{"chown", "-R", "1000:1000", "/"},
		{"chown", "-R", "root", "/mnt/X"},
		{"mount", "/dev/sdb1", "relative"},
		{"systemctl", "mask", "udisks2"},
		{"systemctl", "stop", "udisks2;reboot"},
	}
	for _, argv := range bad {
		if allowedCommand(argv[0], argv[1:]) {
			t.Fatalf("should reject: %v", argv)
		}
	}
}
