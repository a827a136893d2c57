package disks

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

// MountLister reports where a device or any of its partitions is mounted.
type MountLister interface {
	Mountpoints(ctx context.Context, device string) ([]string, error)
}

// SystemMounts reads the live mount table.
type SystemMounts struct{}

func (SystemMounts) Mountpoints(ctx context.Context, device string) ([]string, error) {
	parts, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range parts {
		if BelongsTo(p.Device, device) {
			out = append(out, p.Mountpoint)
		}
	}
	return out, nil
}

// BelongsTo reports whether node is device itself or one of its partitions
// (/dev/sdb1 for /dev/sdb, /dev/nvme0n1p2 for /dev/nvme0n1). A device whose name
// ends in a digit only has p<N> partitions, so /dev/loop10 is not part of /dev/loop1.
func BelongsTo(node, device string) bool {
	if node == device {
		return true
	}
	rest, ok := strings.CutPrefix(node, device)
	if !ok || rest == "" || device == "" {
		return false
	}
	if last := device[len(device)-1]; last >= '0' && last <= '9' {
		rest, ok = strings.CutPrefix(rest, "p")
		if !ok {
			return false
		}
	}
	return allDigits(rest)
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
