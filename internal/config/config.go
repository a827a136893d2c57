package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/artwork"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/cart"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/steam"
)

const EnvPrefix = "KAZETA"

type Config struct {
	File string

	LogLevel      zerolog.Level
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	MountBase    string
	Service      string
	Escalation   []string
	IconSize     int
	FetchTimeout time.Duration
	Runtimes     map[cart.RuntimeKind]cart.RuntimeDefault

	SteamCommunityURL string
	SteamStoreURL     string
	SteamAssetURL     string
	SteamGridDBURL    string
	SteamGridDBKey    string

	Bind        string
	CORSOrigins []string

	StateDir        string
	LockDir         string
	HistoryDB       string
	MetricsTextfile string
}

func stateDir() string {
	if d := os.Getenv("XDG_STATE_HOME"); d != "" {
		return filepath.Join(d, "kazeta")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "kazeta")
	}
	return filepath.Join(os.TempDir(), "kazeta")
}

// DefaultPath is $XDG_CONFIG_HOME/kazeta/cart.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "kazeta", "cart.yaml")
}

func setDefaults(v *viper.Viper) {
	sd := stateDir()
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", filepath.Join(sd, "build.log"))
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("mount_base", "/mnt")
	v.SetDefault("service", "udisks2")
	v.SetDefault("escalation", []string{"pkexec", "sudo"})
	v.SetDefault("icon_size", artwork.DefaultIconSize)
	v.SetDefault("fetch_timeout", "30m")
	v.SetDefault("runtimes.linux.url", "https://runtimes.kazeta.org/linux-1.0.kzr")
	v.SetDefault("runtimes.linux.sha256", "9edbd30da69a04770b2780f30e86b74d162279f0cfb1650faf383dd86301a1dc")
	v.SetDefault("runtimes.windows.url", "https://runtimes.kazeta.org/windows-1.0.kzr")
	v.SetDefault("runtimes.windows.sha256", "9e9baca24ee10c042fb26d344ea9fd78d99321d2ec950624522431f032245cab")

	v.SetDefault("steam.community_url", steam.DefaultCommunityURL)
	v.SetDefault("steam.store_url", steam.DefaultStoreURL)
	v.SetDefault("steam.asset_url", artwork.DefaultSteamAssetURL)
	v.SetDefault("steamgriddb.url", artwork.DefaultSteamGridDB)
	v.SetDefault("steamgriddb.key", "")

	v.SetDefault("server.bind", "127.0.0.1:9780")
	v.SetDefault("server.cors_origins", []string{"http://127.0.0.1:9780", "http://localhost:9780"})

	v.SetDefault("state_dir", sd)
	v.SetDefault("lock_dir", filepath.Join(os.TempDir(), "kazeta-cart"))
	v.SetDefault("history.db", filepath.Join(sd, "history.db"))
	v.SetDefault("metrics.textfile", "")
}

// New returns a viper instance with defaults and KAZETA_* env binding. Nested keys
// map to env with "." replaced by "_", e.g. server.bind -> KAZETA_SERVER_BIND.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// STEAMGRIDDB_API_KEY is what other SteamGridDB tools read.
	_ = v.BindEnv("steamgriddb.key", "KAZETA_STEAMGRIDDB_KEY", "STEAMGRIDDB_API_KEY")
	_ = v.BindEnv("log.level", "KAZETA_LOG_LEVEL", "KAZETA_LOG")
	return v
}

// Load reads path (or the default location, if path is empty) into a Config.
// Environment overrides the file. A missing default file is not an error; a missing
// explicit one is.
func Load(path string) (Config, error) {
	v := New()
	return FromViper(v, path)
}

// FromViper is Load for a caller-owned viper, e.g. one with cobra flags bound.
func FromViper(v *viper.Viper, path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	loaded := false
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if explicit || !(errors.As(err, &nf) || errors.Is(err, os.ErrNotExist)) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else {
			loaded = true
		}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(v.GetString("log.level")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	timeout := v.GetDuration("fetch_timeout")
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	iconSize := v.GetInt("icon_size")
	if iconSize <= 0 {
		iconSize = artwork.DefaultIconSize
	}

	cfg := Config{
		LogLevel:      level,
		LogFile:       v.GetString("log.file"),
		LogMaxSizeMB:  v.GetInt("log.max_size_mb"),
		LogMaxBackups: v.GetInt("log.max_backups"),
		LogMaxAgeDays: v.GetInt("log.max_age_days"),

		MountBase:    v.GetString("mount_base"),
		Service:      v.GetString("service"),
		Escalation:   v.GetStringSlice("escalation"),
		IconSize:     iconSize,
		FetchTimeout: timeout,
		Runtimes: map[cart.RuntimeKind]cart.RuntimeDefault{
			cart.Linux:   {URL: v.GetString("runtimes.linux.url"), SHA256: v.GetString("runtimes.linux.sha256")},
			cart.Windows: {URL: v.GetString("runtimes.windows.url"), SHA256: v.GetString("runtimes.windows.sha256")},
		},

		SteamCommunityURL: v.GetString("steam.community_url"),
		SteamStoreURL:     v.GetString("steam.store_url"),
		SteamAssetURL:     v.GetString("steam.asset_url"),
		SteamGridDBURL:    v.GetString("steamgriddb.url"),
		SteamGridDBKey:    strings.TrimSpace(v.GetString("steamgriddb.key")),

		Bind:        v.GetString("server.bind"),
		CORSOrigins: v.GetStringSlice("server.cors_origins"),

		StateDir:        v.GetString("state_dir"),
		LockDir:         v.GetString("lock_dir"),
		HistoryDB:       v.GetString("history.db"),
		MetricsTextfile: v.GetString("metrics.textfile"),
	}
	if loaded {
		cfg.File = v.ConfigFileUsed()
	}
	return cfg, nil
}

// ArtOptions adapts the config to the artwork chain.
func (c Config) ArtOptions() artwork.Options {
	return artwork.Options{
		SteamGridDBKey: c.SteamGridDBKey,
		SteamGridDBURL: c.SteamGridDBURL,
		SteamAssetURL:  c.SteamAssetURL,
	}
}

// BuilderOptions adapts the config to cart.NewBuilder.
func (c Config) BuilderOptions() cart.Options {
	return cart.Options{
		Service:      c.Service,
		IconSize:     c.IconSize,
		FetchTimeout: c.FetchTimeout,
		Art:          c.ArtOptions(),
	}
}
