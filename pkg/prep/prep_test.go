package prep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/shell"
)

type call struct {
	Argv       string
	Privileged bool
}

type fakeRunner struct {
	calls []call
	fail  map[string]error // keyed by joined argv prefix
}

func (f *fakeRunner) Run(_ context.Context, argv []string, privileged bool) ([]byte, error) {
	joined := strings.Join(argv, " ")
	f.calls = append(f.calls, call{joined, privileged})
	for prefix, err := range f.fail {
		if strings.HasPrefix(joined, prefix) {
			return nil, err
		}
	}
	return nil, nil
}

func (f *fakeRunner) argv() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Argv
	}
	return out
}

type staticMounts map[string][]string

func (s staticMounts) Mountpoints(_ context.Context, device string) ([]string, error) {
	return s[device], nil
}

func newTestPreparer(r *fakeRunner, mounts staticMounts) *Preparer {
	p := New(r, mounts, zerolog.Nop())
	p.getenv = func(string) string { return "" }
	p.euid = func() int { return 1000 }
	return p
}

func TestPartitionPath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/dev/sdb", "/dev/sdb1"},
		{"/dev/nvme0n1", "/dev/nvme0n1p1"},
		{"/dev/mmcblk0", "/dev/mmcblk0p1"},
		{"/dev/loop3", "/dev/loop3p1"},
	}
	for _, c := range cases {
		if got := PartitionPath(c.in); got != c.want {
			t.Fatalf("PartitionPath(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestPrepareFormatSequence(t *testing.T) {
	r := &fakeRunner{fail: map[string]error{"umount -l /dev/sdb1": errors.New("not mounted")}}
	p := newTestPreparer(r, staticMounts{"/dev/sdb": {"/run/media/deck/OLD"}})
	base := t.TempDir()
	st, err := p.Prepare(context.Background(), Options{Device: "/dev/sdb", Label: "CELESTE", MountBase: base, Format: true}, nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	mp := filepath.Join(base, "CELESTE")
	uid, gid := p.Owner()
	owner := fmt.Sprintf("%d:%d", uid, gid)
	want := []string{
		"umount -l /run/media/deck/OLD",
		"umount -l /dev/sdb1",
		"wipefs -a /dev/sdb",
		"parted -s /dev/sdb mklabel gpt mkpart primary ext4 1MiB 100%",
		"partprobe /dev/sdb",
		"udevadm settle",
		"mkfs.ext4 -F -L CELESTE /dev/sdb1",
		"mkdir -p " + mp,
		"umount -l /run/media/deck/OLD",
		"umount -l /dev/sdb1",
		"mount /dev/sdb1 " + mp,
		"chown -R " + owner + " " + mp,
	}
	if diff := cmp.Diff(want, r.argv()); diff != "" {
		t.Fatalf("commands (-want +got):\n%s", diff)
	}
	for _, c := range r.calls {
		if !c.Privileged {
			t.Fatalf("%q ran unprivileged", c.Argv)
		}
	}
	if st.MountPoint != mp || st.Partition != "/dev/sdb1" {
		t.Fatalf("mount state: %+v", st)
	}
	for _, d := range []string{st.ContentDir(), st.KazetaDir()} {
		if fi, err := os.Stat(d); err != nil || !fi.IsDir() {
			t.Fatalf("layout dir %s: %v", d, err)
		}
	}
}

func TestPrepareSkipFormat(t *testing.T) {
	r := &fakeRunner{}
	p := newTestPreparer(r, nil)
	if _, err := p.Prepare(context.Background(), Options{Device: "/dev/sdb", Label: "GAME", MountBase: t.TempDir()}, nil); err != nil {
		t.Fatal(err)
	}
	for _, a := range r.argv() {
		for _, banned := range []string{"wipefs", "parted", "mkfs.ext4", "partprobe"} {
			if strings.HasPrefix(a, banned) {
				t.Fatalf("skip-format ran %q", a)
			}
		}
	}
}

func TestFormatFailureIsFormatError(t *testing.T) {
	cause := &shell.CommandError{Command: []string{"mkfs.ext4"}, ExitCode: 1, Output: "device busy"}
	r := &fakeRunner{fail: map[string]error{"mkfs.ext4": cause}}
	p := newTestPreparer(r, nil)
	_, err := p.Prepare(context.Background(), Options{Device: "/dev/sdb", Label: "GAME", MountBase: t.TempDir(), Format: true}, nil)
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("want FormatError, got %v", err)
	}
	var ce *shell.CommandError
	if !errors.As(err, &ce) || ce.Output != "device busy" {
		t.Fatalf("cause lost: %v", err)
	}
	for _, a := range r.argv() {
		if strings.HasPrefix(a, "mount ") {
			t.Fatal("mounted after format failure")
		}
	}
}

func TestUnmountPropagatesPrivilegeError(t *testing.T) {
	r := &fakeRunner{fail: map[string]error{"umount": &shell.PrivilegeError{Command: []string{"umount"}}}}
	p := newTestPreparer(r, nil)
	if err := p.Unmount(context.Background(), "/dev/sdb"); !errors.Is(err, shell.ErrPrivilegeUnavailable) {
		t.Fatalf("want privilege error, got %v", err)
	}
}

func TestServiceGuard(t *testing.T) {
	r := &fakeRunner{}
	p := newTestPreparer(r, nil)
	g := p.StopService(context.Background(), "udisks2")
	if !g.WasActive() {
		t.Fatal("service should be recorded active")
	}
	g.Release(context.Background())
	g.Release(context.Background())
	want := []call{
		{"systemctl is-active --quiet udisks2", false},
		{"systemctl stop udisks2", true},
		{"systemctl start udisks2", true},
	}
	if diff := cmp.Diff(want, r.calls); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
}

func TestServiceGuardInactive(t *testing.T) {
	r := &fakeRunner{fail: map[string]error{"systemctl is-active": errors.New("exit 3")}}
	p := newTestPreparer(r, nil)
	g := p.StopService(context.Background(), "udisks2")
	g.Release(context.Background())
	if g.WasActive() || len(r.calls) != 1 {
		t.Fatalf("inactive service touched: %v", r.argv())
	}
	var nilGuard *ServiceGuard
	nilGuard.Release(context.Background())
}

func TestOwnerFromSudo(t *testing.T) {
	p := newTestPreparer(&fakeRunner{}, nil)
	env := map[string]string{"SUDO_UID": "1000", "SUDO_GID": "1001"}
	p.getenv = func(k string) string { return env[k] }
	if uid, gid := p.Owner(); uid != 1000 || gid != 1001 {
		t.Fatalf("owner = %d:%d", uid, gid)
	}
}
