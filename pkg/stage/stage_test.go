package stage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func writeTree(t *testing.T, fs afero.Fs, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := afero.WriteFile(fs, p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestStageCopiesTreeAndReportsMonotonicProgress(t *testing.T) {
	fs := afero.NewMemMapFs()
	files := map[string]string{
		"Game.exe":             "MZ",
		"data/level1.pak":      "1",
		"data/level2.pak":      "2",
		"data/audio/music.ogg": "ogg",
		"readme.txt":           "hi",
		"bin/x64/helper.dll":   "dll",
		"saves/.keep":          "",
	}
	writeTree(t, fs, "/src", files)

	var seen []int
	if err := New(fs).Stage("/src", "/cart/content", func(p int) { seen = append(seen, p) }); err != nil {
		t.Fatal(err)
	}
	if len(seen) != len(files) {
		t.Fatalf("want %d progress reports, got %v", len(files), seen)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("progress decreased: %v", seen)
		}
	}
	if seen[len(seen)-1] != 100 {
		t.Fatalf("progress must end at 100: %v", seen)
	}
	for rel, body := range files {
		got, err := afero.ReadFile(fs, filepath.Join("/cart/content", filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("%s not copied: %v", rel, err)
		}
		if string(got) != body {
			t.Fatalf("%s content %q", rel, got)
		}
	}
}

func TestStagePreservesModTimeAndMode(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTree(t, fs, "/src", map[string]string{"run": "#!/bin/sh"})
	mt := time.Date(2020, 5, 17, 12, 0, 0, 0, time.UTC)
	if err := fs.Chtimes("/src/run", mt, mt); err != nil {
		t.Fatal(err)
	}
	if err := fs.Chmod("/src/run", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := New(fs).Stage("/src", "/dst", nil); err != nil {
		t.Fatal(err)
	}
	fi, err := fs.Stat("/dst/run")
	if err != nil {
		t.Fatal(err)
	}
	if !fi.ModTime().Equal(mt) {
		t.Fatalf("mtime not preserved: %v", fi.ModTime())
	}
	if fi.Mode().Perm() != 0o755 {
		t.Fatalf("mode not preserved: %v", fi.Mode())
	}
}

func TestStageEmptyTreeReportsHundred(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/src/empty/dir", 0o755); err != nil {
		t.Fatal(err)
	}
	var seen []int
	if err := New(fs).Stage("/src", "/dst", func(p int) { seen = append(seen, p) }); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] != 100 {
		t.Fatalf("got %v", seen)
	}
	if ok, _ := afero.DirExists(fs, "/dst/empty/dir"); !ok {
		t.Fatalf("empty dirs should be recreated")
	}
}

func TestStageMissingSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	err := New(fs).Stage("/nope", "/dst", nil)
	var snf *SourceNotFoundError
	if !errors.As(err, &snf) {
		t.Fatalf("want SourceNotFoundError, got %v", err)
	}
	if err := afero.WriteFile(fs, "/file", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := New(fs).Stage("/file", "/dst", nil); !errors.As(err, &snf) {
		t.Fatalf("file source should be SourceNotFoundError, got %v", err)
	}
}

func TestMarkExecutable(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/c/game", []byte("ELF"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(fs)
	if err := s.MarkExecutable("/c/game"); err != nil {
		t.Fatal(err)
	}
	fi, _ := fs.Stat("/c/game")
	if fi.Mode().Perm()&0o100 == 0 {
		t.Fatalf("u+x missing: %v", fi.Mode())
	}
	if err := s.MarkExecutable("/c/missing"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("want not-exist, got %v", err)
	}
}

func TestStageFollowsSymlinkedSourceRoot(t *testing.T) {
	dir := t.TempDir()
	fs := afero.NewOsFs()
	gameDir := filepath.Join(dir, "data", "Games", "Celeste")
	writeTree(t, fs, gameDir, map[string]string{
		"Celeste.exe":     "MZ",
		"Content/map.bin": "map",
	})
	link := filepath.Join(dir, "Celeste")
	if err := os.Symlink("data/Games/Celeste", link); err != nil {
		t.Fatal(err)
	}
	chain := filepath.Join(dir, "current")
	if err := os.Symlink(link, chain); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(dir, "cart", "content")
	var seen []int
	if err := New(fs).Stage(chain, dst, func(p int) { seen = append(seen, p) }); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[1] != 100 {
		t.Fatalf("progress %v, want two reports ending at 100", seen)
	}
	for rel, body := range map[string]string{"Celeste.exe": "MZ", "Content/map.bin": "map"} {
		got, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("%s not staged: %v", rel, err)
		}
		if string(got) != body {
			t.Fatalf("%s content %q", rel, got)
		}
	}
}
