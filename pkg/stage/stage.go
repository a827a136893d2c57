// Package stage copies a game's source tree into the cart content area.
package stage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// SourceNotFoundError means the staging source is missing or not a directory.
type SourceNotFoundError struct {
	Path string
	Err  error
}

func (e *SourceNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source dir not found: %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("source dir not found: %s", e.Path)
}

func (e *SourceNotFoundError) Unwrap() error { return e.Err }

const maxLinks = 40

type Stager struct {
	FS afero.Fs
}

func New(fs afero.Fs) *Stager {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Stager{FS: fs}
}

// Stage recursively copies src into dst, preserving mode and modification time.
// onProgress receives copied*100/total after each file; total comes from a full
// pre-scan, so values never decrease and the last one is 100.
func (s *Stager) Stage(src, dst string, onProgress func(pct int)) error {
	info, err := s.FS.Stat(src)
	if err != nil {
		return &SourceNotFoundError{Path: src, Err: err}
	}
	if !info.IsDir() {
		return &SourceNotFoundError{Path: src}
	}
	if err := s.FS.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	// Walk lstats its root, so a symlinked source would be copied as nothing.
	root, err := s.resolveRoot(src)
	if err != nil {
		return &SourceNotFoundError{Path: src, Err: err}
	}
	src = root

	total := 0
	err = afero.Walk(s.FS, src, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if s.isFile(p, fi) {
			total++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", src, err)
	}

	copied := 0
	report := func() {
		if onProgress == nil {
			return
		}
		pct := 100
		if total > 0 {
			pct = copied * 100 / total
		}
		onProgress(pct)
	}
	err = afero.Walk(s.FS, src, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if fi.IsDir() {
			if err := s.FS.MkdirAll(target, fi.Mode().Perm()|0o700); err != nil {
				return err
			}
			return s.FS.Chtimes(target, fi.ModTime(), fi.ModTime())
		}
		if !s.isFile(p, fi) {
			return nil
		}
		if err := s.copyFile(p, target); err != nil {
			return fmt.Errorf("copy %s: %w", rel, err)
		}
		copied++
		report()
		return nil
	})
	if err != nil {
		return err
	}
	if total == 0 {
		report()
	}
	return nil
}

// resolveRoot follows symlinks on the last element of root until it names a real
// directory. Filesystems without symlink support return root unchanged.
func (s *Stager) resolveRoot(root string) (string, error) {
	lst, ok := s.FS.(afero.Lstater)
	if !ok {
		return root, nil
	}
	lr, ok := s.FS.(afero.LinkReader)
	if !ok {
		return root, nil
	}
	for i := 0; i < maxLinks; i++ {
		fi, _, err := lst.LstatIfPossible(root)
		if err != nil {
			return "", err
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			return root, nil
		}
		target, err := lr.ReadlinkIfPossible(root)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(root), target)
		}
		root = target
	}
	return "", fmt.Errorf("%s: too many levels of symbolic links", root)
}

// isFile reports whether p counts as a copyable file. Symlinks are followed;
// links to directories are skipped.
func (s *Stager) isFile(p string, fi os.FileInfo) bool {
	if fi.IsDir() {
		return false
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		target, err := s.FS.Stat(p)
		return err == nil && target.Mode().IsRegular()
	}
	return fi.Mode().IsRegular()
}

func (s *Stager) copyFile(src, dst string) error {
	info, err := s.FS.Stat(src)
	if err != nil {
		return err
	}
	in, err := s.FS.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := s.FS.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := s.FS.Chmod(dst, info.Mode().Perm()); err != nil {
		return err
	}
	return s.FS.Chtimes(dst, info.ModTime(), info.ModTime())
}

// MarkExecutable adds the owner execute bit to p.
func (s *Stager) MarkExecutable(p string) error {
	info, err := s.FS.Stat(p)
	if err != nil {
		return err
	}
	return s.FS.Chmod(p, info.Mode().Perm()|0o100)
}
