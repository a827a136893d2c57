package resolve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
)

func put(t *testing.T, fs afero.Fs, p string, mode os.FileMode) {
	t.Helper()
	if err := fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, p, []byte("x"), mode); err != nil {
		t.Fatal(err)
	}
	if err := fs.Chmod(p, mode); err != nil {
		t.Fatal(err)
	}
}

func TestLinuxPrefersShorterBasename(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/c/runner", 0o755)
	put(t, fs, "/c/run", 0o755)
	got, err := Resolve(fs, "/c", Linux)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"run", "runner"}, got); diff != "" {
		t.Fatalf("candidates (-want +got):\n%s", diff)
	}
}

func TestLinuxPrefersTopLevel(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/c/sub/run", 0o755)
	put(t, fs, "/c/run", 0o755)
	got, err := Resolve(fs, "/c", Linux)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"run", "sub/run"}, got); diff != "" {
		t.Fatalf("candidates (-want +got):\n%s", diff)
	}
}

func TestLinuxSkipsExtensionsAndNonExecutables(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/c/lib/libfoo.so", 0o755)
	put(t, fs, "/c/start.sh", 0o755)
	put(t, fs, "/c/README", 0o644)
	put(t, fs, "/c/bin/game", 0o755)
	got, err := Resolve(fs, "/c", Linux)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"bin/game"}, got); diff != "" {
		t.Fatalf("candidates (-want +got):\n%s", diff)
	}
}

func TestLinuxFallsBackToTopLevelNonExecutable(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/c/Celeste", 0o644)
	put(t, fs, "/c/Celeste.dll", 0o644)
	put(t, fs, "/c/deep/tool", 0o644)
	got, err := Resolve(fs, "/c", Linux)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Celeste"}, got); diff != "" {
		t.Fatalf("candidates (-want +got):\n%s", diff)
	}
}

func TestWindowsFindsExeAnywhere(t *testing.T) {
	fs := afero.NewMemMapFs()
	put(t, fs, "/c/bin/x64/Launcher.exe", 0o644)
	put(t, fs, "/c/Game.EXE", 0o644)
	put(t, fs, "/c/UnityCrashHandler64.exe", 0o644)
	put(t, fs, "/c/game", 0o755)
	got, err := Resolve(fs, "/c", Windows)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Game.EXE", "UnityCrashHandler64.exe", "bin/x64/Launcher.exe"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("candidates (-want +got):\n%s", diff)
	}
}

func TestNoCandidatesIsNotAnError(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/c", 0o755); err != nil {
		t.Fatal(err)
	}
	for _, k := range []Kind{Linux, Windows} {
		got, err := Resolve(fs, "/c", k)
		if err != nil || len(got) != 0 {
			t.Fatalf("%s: got %v, %v", k, got, err)
		}
	}
}
