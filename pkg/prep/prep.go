// Package prep turns a raw block device into a mounted, user-owned ext4 cart root.
package prep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/internal/disks"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/shell"
)

// Runner is the slice of shell.Runner the preparer needs.
type Runner interface {
	Run(ctx context.Context, argv []string, privileged bool) ([]byte, error)
}

// FormatError marks mkfs failure. The device is left partitioned but without a filesystem.
type FormatError struct {
	Partition string
	Label     string
	Err       error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format %s as ext4 (label %s): %v", e.Partition, e.Label, e.Err)
}
func (e *FormatError) Unwrap() error { return e.Err }

// Layout directories created under the mount point.
const (
	ContentDir = "content"
	KazetaDir  = "kazeta"
)

type Options struct {
	Device    string
	Label     string
	MountBase string
	Format    bool
}

// MountState describes a prepared cart. It only lives for the duration of one build.
type MountState struct {
	Device           string `json:"device"`
	Partition        string `json:"partition"`
	MountPoint       string `json:"mountPoint"`
	ServiceWasActive bool   `json:"serviceWasActive"`
}

func (m MountState) ContentDir() string { return filepath.Join(m.MountPoint, ContentDir) }
func (m MountState) KazetaDir() string  { return filepath.Join(m.MountPoint, KazetaDir) }

type Preparer struct {
	Runner Runner
	Mounts disks.MountLister
	Logger zerolog.Logger

	getenv func(string) string
	euid   func() int
}

func New(r Runner, mounts disks.MountLister, logger zerolog.Logger) *Preparer {
	if mounts == nil {
		mounts = disks.SystemMounts{}
	}
	return &Preparer{
		Runner: r,
		Mounts: mounts,
		Logger: logger.With().Str("component", "prep").Logger(),
		getenv: os.Getenv,
		euid:   os.Geteuid,
	}
}

// PartitionPath names the first partition of device: /dev/sdb -> /dev/sdb1,
// /dev/nvme0n1 -> /dev/nvme0n1p1. Kernel names ending in a digit take a "p".
func PartitionPath(device string) string {
	if device == "" {
		return ""
	}
	last := rune(device[len(device)-1])
	if unicode.IsDigit(last) {
		return device + "p1"
	}
	return device + "1"
}

// Prepare unmounts the device, optionally repartitions and formats it, then mounts
// the first partition at <MountBase>/<Label>, hands it to the invoking user and
// creates the cart directories. guard may be nil.
func (p *Preparer) Prepare(ctx context.Context, opts Options, guard *ServiceGuard) (MountState, error) {
	part := PartitionPath(opts.Device)
	st := MountState{Device: opts.Device, Partition: part, ServiceWasActive: guard.WasActive()}

	if err := p.Unmount(ctx, opts.Device); err != nil {
		return st, err
	}
	if opts.Format {
		if err := p.Partition(ctx, opts.Device); err != nil {
			return st, err
		}
		if err := p.Format(ctx, part, opts.Label); err != nil {
			return st, err
		}
	}
	mp, err := p.MountAndOwn(ctx, opts.Device, part, opts.MountBase, opts.Label)
	if err != nil {
		return st, err
	}
	st.MountPoint = mp
	return st, nil
}

// Unmount lazily unmounts every mountpoint of device and its partitions, then makes
// a best-effort attempt on the first partition node itself.
func (p *Preparer) Unmount(ctx context.Context, device string) error {
	mps, err := p.Mounts.Mountpoints(ctx, device)
	if err != nil {
		return fmt.Errorf("list mounts for %s: %w", device, err)
	}
	for _, mp := range mps {
		if _, err := p.Runner.Run(ctx, []string{"umount", "-l", mp}, true); err != nil {
			return err
		}
	}
	if _, err := p.Runner.Run(ctx, []string{"umount", "-l", PartitionPath(device)}, true); err != nil {
		if errors.Is(err, shell.ErrPrivilegeUnavailable) || errors.Is(err, shell.ErrCommandNotAllowed) {
			return err
		}
		p.Logger.Debug().Err(err).Str("device", device).Msg("partition was not mounted")
	}
	return nil
}

// Partition writes a fresh GPT with one ext4 partition spanning the device.
func (p *Preparer) Partition(ctx context.Context, device string) error {
	if _, err := p.Runner.Run(ctx, []string{"wipefs", "-a", device}, true); err != nil {
		return err
	}
	if _, err := p.Runner.Run(ctx, []string{"parted", "-s", device, "mklabel", "gpt", "mkpart", "primary", "ext4", "1MiB", "100%"}, true); err != nil {
		return err
	}
	if _, err := p.Runner.Run(ctx, []string{"partprobe", device}, true); err != nil {
		p.Logger.Warn().Err(err).Str("device", device).Msg("partprobe failed, relying on udev")
	}
	_, err := p.Runner.Run(ctx, []string{"udevadm", "settle"}, true)
	return err
}

func (p *Preparer) Format(ctx context.Context, partition, label string) error {
	if _, err := p.Runner.Run(ctx, []string{"mkfs.ext4", "-F", "-L", label, partition}, true); err != nil {
		return &FormatError{Partition: partition, Label: label, Err: err}
	}
	return nil
}

// MountAndOwn mounts partition at <base>/<label>, chowns it to the invoking user and
// creates content/ and kazeta/. It returns the mount point.
func (p *Preparer) MountAndOwn(ctx context.Context, device, partition, base, label string) (string, error) {
	mp := filepath.Join(base, label)
	if _, err := p.Runner.Run(ctx, []string{"mkdir", "-p", mp}, true); err != nil {
		return "", err
	}
	if err := p.Unmount(ctx, device); err != nil {
		return "", err
	}
	if _, err := p.Runner.Run(ctx, []string{"mount", partition, mp}, true); err != nil {
		return "", err
	}
	uid, gid := p.Owner()
	if _, err := p.Runner.Run(ctx, []string{"chown", "-R", fmt.Sprintf("%d:%d", uid, gid), mp}, true); err != nil {
		return "", err
	}
	for _, d := range []string{ContentDir, KazetaDir} {
		dir := filepath.Join(mp, d)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
		if p.euid() == 0 {
			if err := os.Chown(dir, uid, gid); err != nil {
				p.Logger.Warn().Err(err).Str("dir", dir).Msg("chown layout dir")
			}
		}
	}
	return mp, nil
}

// Owner resolves the uid/gid of the human behind the build. Under sudo or pkexec
// that is the caller recorded in the environment, not root.
func (p *Preparer) Owner() (int, int) {
	uid, gid := os.Getuid(), os.Getgid()
	if v := p.getenv("SUDO_UID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			uid = n
			gid = n
			if g, err := strconv.Atoi(p.getenv("SUDO_GID")); err == nil {
				gid = g
			}
			return uid, gid
		}
	}
	if v := strings.TrimSpace(p.getenv("PKEXEC_UID")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			uid, gid = n, n
			if u, err := user.LookupId(v); err == nil {
				if g, err := strconv.Atoi(u.Gid); err == nil {
					gid = g
				}
			}
		}
	}
	return uid, gid
}
