package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/internal/disks"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/internal/observability"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/internal/server"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/manifest"
)

func newDevicesCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List drives that can become carts",
		RunE: func(cmd *cobra.Command, args []string) error {
			devs, err := disks.List(cmd.Context())
			if err != nil {
				return err
			}
			if !all {
				devs = disks.Removable(devs)
			}
			if outputJSON {
				return printJSON(devs)
			}
			if len(devs) == 0 {
				fmt.Println("No removable drives found.")
				return nil
			}
			rows := make([][]string, 0, len(devs))
			for _, d := range devs {
				var mps []string
				for _, p := range d.Partitions {
					if p.Mountpoint != "" {
						mps = append(mps, p.Mountpoint)
					}
				}
				mps = append(mps, d.Mountpoints...)
				rows = append(rows, []string{d.Path, formatBytes(d.SizeBytes), strings.TrimSpace(d.Model), strings.Join(mps, ",")})
			}
			printTable([]string{"DEVICE", "SIZE", "MODEL", "MOUNTED"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include non-removable disks")
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <cart mountpoint>",
		Short: "Show the cart.kzi of a mounted cart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, ok, err := manifest.Read(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s has no %s", args[0], manifest.FileName)
			}
			if outputJSON {
				return printJSON(rec)
			}
			fmt.Printf("Name:     %s\n", rec.Name)
			fmt.Printf("Id:       %s\n", rec.ID)
			fmt.Printf("Exec:     %s\n", rec.Exec)
			fmt.Printf("Icon:     %s\n", rec.Icon)
			fmt.Printf("Runtime:  %s\n", rec.Runtime)
			return nil
		},
	}
}

func newSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <term>",
		Short: "Search Steam for a game's app id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(false)
			if err != nil {
				return err
			}
			defer e.Close()
			apps, err := e.steamClient().Search(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(apps)
			}
			rows := make([][]string, 0, len(apps))
			for _, a := range apps {
				rows = append(rows, []string{a.AppID, a.Name})
			}
			printTable([]string{"APPID", "NAME"}, rows)
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var device string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show previous builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(false)
			if err != nil {
				return err
			}
			defer e.Close()
			a := e.wire()
			defer a.Close()
			if a.history == nil {
				return errors.New("history database unavailable")
			}
			entries, err := a.history.List(cmd.Context(), device, limit)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(entries)
			}
			rows := make([][]string, 0, len(entries))
			for _, en := range entries {
				rows = append(rows, []string{
					shortID(en.ID), en.FinishedAt.Local().Format("2006-01-02 15:04"), en.Device, en.Label, string(en.State), en.Error,
				})
			}
			printTable([]string{"ID", "FINISHED", "DEVICE", "LABEL", "STATE", "ERROR"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "only builds for this device")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one build in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(false)
			if err != nil {
				return err
			}
			defer e.Close()
			a := e.wire()
			defer a.Close()
			if a.history == nil {
				return errors.New("history database unavailable")
			}
			en, err := a.history.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(en)
		},
	})
	return cmd
}

func newServeCmd() *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the build API for a local front end",
		Long: `Serve the JSON API on a local address. Builds run in this process; clients
poll /api/builds/{id}/events for progress. Metrics are at /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(false)
			if err != nil {
				return err
			}
			defer e.Close()
			a := e.wire()
			defer a.Close()
			if bind == "" {
				bind = e.cfg.Bind
			}

			h := server.NewRouter(server.Deps{
				Manager:     a.manager,
				Search:      a.steam,
				History:     a.history,
				Metrics:     a.metrics.Handler(),
				Defaults:    e.defaults,
				CORSOrigins: e.cfg.CORSOrigins,
				Version:     observability.Version,
				Logger:      e.log,
			})
			srv := &http.Server{Addr: bind, Handler: h, ReadHeaderTimeout: 10 * time.Second}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			errCh := make(chan error, 1)
			go func() {
				e.log.Info().Str("addr", bind).Msg("listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			e.log.Info().Msg("shutting down; waiting for running builds")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			for _, h := range a.manager.List() {
				<-h.Done()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "listen address (default from config, 127.0.0.1:9780)")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
