// Package resolve guesses the launch binary inside staged cart content.
package resolve

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// Kind mirrors the cart runtime tag; resolve only branches on it.
type Kind string

const (
	Linux   Kind = "linux"
	Windows Kind = "windows"
)

// Resolve returns candidate launch paths under contentDir, best first, as
// slash-separated paths relative to contentDir. An empty result is not an error.
//
// windows: every *.exe anywhere in the tree.
// linux: extension-less files carrying an exec bit anywhere in the tree; when there
// are none, extension-less regular files at the top level regardless of mode.
//
// Ordering is by path depth, then basename length, so a top-level "run" beats both
// "runner" and "sub/run". Ties keep walk (lexical) order.
func Resolve(fs afero.Fs, contentDir string, kind Kind) ([]string, error) {
	var candidates []string
	err := afero.Walk(fs, contentDir, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		name := fi.Name()
		switch kind {
		case Windows:
			if strings.HasSuffix(strings.ToLower(name), ".exe") {
				candidates = append(candidates, rel(contentDir, p))
			}
		default:
			if !strings.Contains(name, ".") && fi.Mode().Perm()&0o111 != 0 {
				candidates = append(candidates, rel(contentDir, p))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if kind != Windows && len(candidates) == 0 {
		entries, err := afero.ReadDir(fs, contentDir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Mode().IsRegular() && !strings.Contains(e.Name(), ".") {
				candidates = append(candidates, e.Name())
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		di, dj := strings.Count(candidates[i], "/"), strings.Count(candidates[j], "/")
		if di != dj {
			return di < dj
		}
		return len(path.Base(candidates[i])) < len(path.Base(candidates[j]))
	})
	return candidates, nil
}

func rel(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(r)
}
