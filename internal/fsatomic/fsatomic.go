// Package fsatomic holds the two filesystem primitives cart builds rely on: crash-safe
// replacement of small files on the cart, and per-device advisory locks.
package fsatomic

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// WriteFile replaces path with data through a uniquely named temp file in the same
// directory, then syncs the directory so the rename survives a yanked drive.
// Parent directories are created. A zero perm means 0644.
func WriteFile(path string, data []byte, perm fs.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, perm, renameio.WithTempDir(dir)); err != nil {
		return err
	}
	return FsyncDir(dir)
}

// ReadFile is os.ReadFile that reports a missing file as exists=false instead of an error.
func ReadFile(path string) (data []byte, exists bool, err error) {
	data, err = os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return data, true, nil
}

// LockPath maps a device path like /dev/sdb to <dir>/dev_sdb.lock.
func LockPath(dir, device string) string {
	name := strings.Trim(strings.ReplaceAll(device, "/", "_"), "_")
	return filepath.Join(dir, name+".lock")
}

// FsyncDir persists directory entries (renames, creates) of dir.
func FsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
