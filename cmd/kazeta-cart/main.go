package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/internal/config"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/internal/logging"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/internal/observability"
)

var (
	// Global flags
	cfgFile    string
	outputJSON bool
	verbose    bool

	v = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "kazeta-cart",
	Short: "Build Kazeta game carts on removable drives",
	Long: `kazeta-cart turns a USB stick or SD card into a Kazeta cart.

It formats the drive, downloads and verifies the runtime, fetches artwork,
copies game content, and writes the cart.kzi manifest.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/kazeta/cart.yaml)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to the console")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("mount-base", "", "directory carts are mounted under")

	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("mount_base", rootCmd.PersistentFlags().Lookup("mount-base"))

	rootCmd.AddCommand(
		newBuildCmd(),
		newDevicesCmd(),
		newSearchCmd(),
		newHistoryCmd(),
		newInspectCmd(),
		newServeCmd(),
		newVersionCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is what every subcommand needs after flags are parsed.
type env struct {
	cfg    config.Config
	log    zerolog.Logger
	closer io.Closer
}

func (e *env) Close() { _ = e.closer.Close() }

// setup loads configuration and builds the logger. With quiet set the console only
// gets warnings, which keeps progress bars readable; the log file still gets everything.
func setup(quiet bool) (*env, error) {
	cfg, err := config.FromViper(v, cfgFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.LogLevel = zerolog.DebugLevel
	}
	logger, closer := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Quiet:      quiet && !verbose,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if cfg.File != "" {
		logger.Debug().Str("path", cfg.File).Msg("using config file")
	}
	return &env{cfg: cfg, log: logger, closer: closer}, nil
}

func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func printJSON(data any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func printTable(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for i, h := range headers {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, h)
	}
	fmt.Fprintln(w)
	for _, row := range rows {
		for i, col := range row {
			if i > 0 {
				fmt.Fprint(w, "\t")
			}
			fmt.Fprint(w, col)
		}
		fmt.Fprintln(w)
	}
	_ = w.Flush()
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputJSON {
				return printJSON(map[string]string{"version": observability.Version, "rev": observability.Rev})
			}
			fmt.Printf("kazeta-cart %s", observability.Version)
			if observability.Rev != "" {
				fmt.Printf(" (rev: %s)", observability.Rev)
			}
			fmt.Println()
			return nil
		},
	}
}
