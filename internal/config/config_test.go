package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/cart"
)

func TestDefaults(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("explicit missing config should fail")
	}
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.File != "" {
		t.Fatalf("no file should be used, got %s", cfg.File)
	}
	if cfg.MountBase != "/mnt" || cfg.Service != "udisks2" || cfg.IconSize != 64 {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.FetchTimeout != 30*time.Minute || cfg.Bind != "127.0.0.1:9780" || cfg.LogLevel != zerolog.InfoLevel {
		t.Fatalf("defaults: %+v", cfg)
	}
	if len(cfg.Escalation) != 2 || cfg.Escalation[0] != "pkexec" {
		t.Fatalf("escalation %v", cfg.Escalation)
	}
	if cfg.Runtimes[cart.Windows].URL != "https://runtimes.kazeta.org/windows-1.0.kzr" || len(cfg.Runtimes[cart.Linux].SHA256) != 64 {
		t.Fatalf("runtimes %+v", cfg.Runtimes)
	}
}

func TestYAMLAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "cart.yaml")
	data := []byte("" +
		"log:\n  level: debug\n" +
		"mount_base: /media/carts\n" +
		"icon_size: 128\n" +
		"fetch_timeout: 5m\n" +
		"escalation: [sudo]\n" +
		"runtimes:\n  linux:\n    url: https://mirror.example/linux.kzr\n    sha256: abc\n" +
		"server:\n  bind: 127.0.0.1:9999\n")
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.File != cfgPath {
		t.Fatalf("file used: %s", cfg.File)
	}
	if cfg.LogLevel != zerolog.DebugLevel || cfg.MountBase != "/media/carts" || cfg.IconSize != 128 {
		t.Fatalf("from yaml: %+v", cfg)
	}
	if cfg.FetchTimeout != 5*time.Minute || cfg.Bind != "127.0.0.1:9999" {
		t.Fatalf("from yaml: %+v", cfg)
	}
	if len(cfg.Escalation) != 1 || cfg.Escalation[0] != "sudo" {
		t.Fatalf("escalation %v", cfg.Escalation)
	}
	if cfg.Runtimes[cart.Linux].URL != "https://mirror.example/linux.kzr" || cfg.Runtimes[cart.Linux].SHA256 != "abc" {
		t.Fatalf("runtime override %+v", cfg.Runtimes[cart.Linux])
	}

	// env overrides file
	t.Setenv("KAZETA_MOUNT_BASE", "/run/media/carts")
	t.Setenv("KAZETA_SERVER_BIND", "0.0.0.0:8080")
	t.Setenv("KAZETA_LOG", "warn")
	t.Setenv("STEAMGRIDDB_API_KEY", " sgdb-key ")
	cfg, err = Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MountBase != "/run/media/carts" || cfg.Bind != "0.0.0.0:8080" {
		t.Fatalf("env override: %+v", cfg)
	}
	if cfg.LogLevel != zerolog.WarnLevel {
		t.Fatalf("log level %s", cfg.LogLevel)
	}
	if cfg.SteamGridDBKey != "sgdb-key" || cfg.ArtOptions().SteamGridDBKey != "sgdb-key" {
		t.Fatalf("steamgriddb key %q", cfg.SteamGridDBKey)
	}
	if cfg.BuilderOptions().IconSize != 128 {
		t.Fatal("builder options lost icon size")
	}
}
