package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/internal/disks"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/cart"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/manifest"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/steam"
)

type buildFlags struct {
	request  string
	search   string
	yes      bool
	noVerify bool
	runtime  string
	req      cart.Request
}

func newBuildCmd() *cobra.Command {
	var f buildFlags
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Format a drive and build a cart on it",
		Long: `Build a Kazeta cart on a removable drive.

Missing values are asked for interactively when stdin is a terminal. Without a
terminal, --device, --runtime and --name (or --request) are required, and
formatting needs --yes.`,
		Example: `  kazeta-cart build --device /dev/sdb --name Celeste --runtime windows --source ~/Games/Celeste
  kazeta-cart build --search celeste --source ~/Games/Celeste
  kazeta-cart build --request celeste.yaml --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), cmd, &f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.request, "request", "", "read the build request from a YAML or JSON file")
	fl.StringVar(&f.search, "search", "", "look the game up on Steam to fill name and app id")
	fl.BoolVarP(&f.yes, "yes", "y", false, "do not ask before erasing the device")
	fl.StringVarP(&f.req.Device, "device", "d", "", "target block device, e.g. /dev/sdb")
	fl.StringVar(&f.req.Name, "name", "", "display name of the game")
	fl.StringVar(&f.req.Label, "label", "", "filesystem label (default derived from name)")
	fl.StringVar(&f.req.ID, "id", "", "cart id slug (default derived from name)")
	fl.StringVarP(&f.runtime, "runtime", "r", "", "runtime: windows or linux")
	fl.StringVar(&f.req.RuntimeURL, "runtime-url", "", "download the runtime from this URL instead of the default")
	fl.StringVar(&f.req.RuntimeSHA256, "runtime-sha256", "", "expected SHA-256 of the runtime archive")
	fl.BoolVar(&f.noVerify, "no-verify", false, "skip runtime checksum verification")
	fl.StringVar(&f.req.AppID, "app-id", "", "Steam app id used for artwork")
	fl.StringVar(&f.req.Exe, "exe", "", "game executable relative to content/ (default: detect)")
	fl.StringVarP(&f.req.Source, "source", "s", "", "directory whose contents are copied into content/")
	fl.BoolVar(&f.req.SkipFormat, "skip-format", false, "keep the existing filesystem")
	fl.BoolVar(&f.req.Eject, "eject", false, "unmount the cart when done")
	return cmd
}

func runBuild(ctx context.Context, cmd *cobra.Command, f *buildFlags) error {
	tty := interactive() && !outputJSON
	e, err := setup(tty)
	if err != nil {
		return err
	}
	defer e.Close()

	req := f.req
	req.Runtime = cart.RuntimeKind(strings.ToLower(f.runtime))
	req.VerifyRuntime = !f.noVerify
	confirmed := f.yes
	if f.request != "" {
		data, err := os.ReadFile(f.request)
		if err != nil {
			return err
		}
		env, err := cart.DecodeRequest(data)
		if err != nil {
			return err
		}
		req = overlay(env.Request, req, cmd)
		confirmed = confirmed || env.ConfirmFormat
	}

	a := e.wire()
	defer a.Close()

	if tty {
		if err := ask(ctx, a.steam, &req, f.search); err != nil {
			return err
		}
	} else if f.search != "" && req.Name == "" {
		apps, err := a.steam.Search(ctx, f.search)
		if err != nil {
			return err
		}
		if len(apps) == 0 {
			return fmt.Errorf("no Steam results for %q", f.search)
		}
		req.Name, req.AppID = apps[0].Name, apps[0].AppID
	}

	req = e.defaults(req)
	if err := req.Validate(); err != nil {
		return err
	}
	if devs, err := disks.List(ctx); err == nil {
		if d, ok := disks.Find(devs, req.Device); !ok {
			color.Yellow("%s is not listed by lsblk", req.Device)
		} else if !d.Removable {
			color.Yellow("%s (%s) is not a removable drive", d.Path, strings.TrimSpace(d.Model))
		}
	}
	if !req.SkipFormat && !confirmed {
		if !tty {
			return fmt.Errorf("refusing to erase %s without --yes", req.Device)
		}
		ok, err := confirmDestroy(req.Device)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("aborted")
		}
	}

	h, err := a.manager.Start(ctx, req)
	if err != nil {
		return err
	}
	e.log.Info().Str("build", h.ID).Str("device", req.Device).Str("label", req.Label).Msg("building cart")

	// The build owns the device until it finishes; an interrupt only tells the user so.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for range sigs {
			color.Yellow("Interrupted. Waiting for the current step so %s is not left half-written...", req.Device)
		}
	}()

	if outputJSON {
		streamJSON(h)
	} else if tty {
		renderBar(h)
	} else {
		renderPlain(h)
	}

	res, buildErr := h.Result()
	if e.cfg.MetricsTextfile != "" {
		if err := a.metrics.WriteTextfile(e.cfg.MetricsTextfile); err != nil {
			e.log.Warn().Err(err).Str("path", e.cfg.MetricsTextfile).Msg("metrics textfile not written")
		}
	}
	if outputJSON {
		_ = printJSON(res)
	} else {
		summarize(res)
	}
	return buildErr
}

// overlay applies flags the user set explicitly on top of a request file.
func overlay(base, flags cart.Request, cmd *cobra.Command) cart.Request {
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if set("device") {
		base.Device = flags.Device
	}
	if set("name") {
		base.Name = flags.Name
	}
	if set("label") {
		base.Label = flags.Label
	}
	if set("id") {
		base.ID = flags.ID
	}
	if set("runtime") {
		base.Runtime = flags.Runtime
	}
	if set("runtime-url") {
		base.RuntimeURL = flags.RuntimeURL
	}
	if set("runtime-sha256") {
		base.RuntimeSHA256 = flags.RuntimeSHA256
	}
	if set("no-verify") {
		base.VerifyRuntime = flags.VerifyRuntime
	}
	if set("app-id") {
		base.AppID = flags.AppID
	}
	if set("exe") {
		base.Exe = flags.Exe
	}
	if set("source") {
		base.Source = flags.Source
	}
	if set("skip-format") {
		base.SkipFormat = flags.SkipFormat
	}
	if set("eject") {
		base.Eject = flags.Eject
	}
	return base
}

// ask fills whatever the request is still missing.
func ask(ctx context.Context, sc *steam.Client, req *cart.Request, term string) error {
	if req.Device == "" {
		dev, err := pickDevice(ctx)
		if err != nil {
			return err
		}
		req.Device = dev
	}

	if req.Name == "" {
		if term == "" {
			if err := survey.AskOne(&survey.Input{
				Message: "Search Steam for the game (leave empty to type a name):",
			}, &term); err != nil {
				return err
			}
		}
		if term != "" {
			if err := pickApp(ctx, sc, req, term); err != nil {
				return err
			}
		}
	}
	if req.Name == "" {
		if err := survey.AskOne(&survey.Input{Message: "Game name:"}, &req.Name, survey.WithValidator(survey.Required)); err != nil {
			return err
		}
	}

	if req.Runtime == "" {
		var rt string
		if err := survey.AskOne(&survey.Select{
			Message: "Runtime:",
			Options: []string{string(cart.Windows), string(cart.Linux)},
			Default: string(cart.Windows),
		}, &rt); err != nil {
			return err
		}
		req.Runtime = cart.RuntimeKind(rt)
	}

	if req.Source == "" {
		if err := survey.AskOne(&survey.Input{
			Message: "Game folder to copy into content/ (leave empty to skip):",
		}, &req.Source); err != nil {
			return err
		}
	}
	return nil
}

func pickDevice(ctx context.Context) (string, error) {
	devs, err := disks.List(ctx)
	if err != nil {
		return "", err
	}
	devs = disks.Removable(devs)
	if len(devs) == 0 {
		return "", errors.New("no removable drives found")
	}
	options := make([]string, len(devs))
	for idx, d := range devs {
		options[idx] = fmt.Sprintf("%s - %s (%s)", d.Path, strings.TrimSpace(d.Model), formatBytes(d.SizeBytes))
	}
	var selected string
	if err := survey.AskOne(&survey.Select{
		Message: "Select the drive to turn into a cart:",
		Options: options,
	}, &selected); err != nil {
		return "", err
	}
	for idx, opt := range options {
		if opt == selected {
			return devs[idx].Path, nil
		}
	}
	return "", errors.New("no drive selected")
}

func pickApp(ctx context.Context, sc *steam.Client, req *cart.Request, term string) error {
	apps, err := sc.Search(ctx, term)
	if err != nil {
		color.Yellow("Steam search failed: %v", err)
		return nil
	}
	if len(apps) == 0 {
		color.Yellow("No Steam results for %q", term)
		return nil
	}
	const none = "(none of these)"
	options := make([]string, 0, len(apps)+1)
	for _, a := range apps {
		options = append(options, fmt.Sprintf("%s [%s]", a.Name, a.AppID))
	}
	options = append(options, none)
	var selected string
	if err := survey.AskOne(&survey.Select{Message: "Which game?", Options: options, PageSize: 12}, &selected); err != nil {
		return err
	}
	for idx, opt := range options[:len(apps)] {
		if opt == selected {
			req.Name, req.AppID = apps[idx].Name, apps[idx].AppID
		}
	}
	return nil
}

func confirmDestroy(device string) (bool, error) {
	color.Red("\nWARNING: This will DESTROY ALL DATA on %s", device)
	confirm := false
	if err := survey.AskOne(&survey.Confirm{Message: "Do you want to continue?", Default: false}, &confirm); err != nil {
		return false, err
	}
	if !confirm {
		return false, nil
	}
	var typed string
	if err := survey.AskOne(&survey.Input{Message: "Type 'DESTROY' to confirm:"}, &typed); err != nil {
		return false, err
	}
	return typed == "DESTROY", nil
}

// follow delivers every event of h, in order, until the build finishes.
func follow(h *cart.Handle, fn func(cart.Event)) {
	var after uint64
	for {
		evs, _ := h.Events().Wait(context.Background(), after)
		if len(evs) == 0 {
			<-h.Done()
			return
		}
		for _, ev := range evs {
			fn(ev)
			after = ev.Seq
		}
	}
}

func renderBar(h *cart.Handle) {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("Preparing"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionEnableColorCodes(true),
	)
	follow(h, func(ev cart.Event) {
		switch ev.Kind {
		case cart.KindProgress:
			_ = bar.Set(ev.Percent)
		case cart.KindState:
			bar.Describe(stateLabel(ev.State))
		case cart.KindMessage:
			_ = bar.Clear()
			printMessage(ev)
			_ = bar.RenderBlank()
		}
	})
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)
}

func renderPlain(h *cart.Handle) {
	follow(h, func(ev cart.Event) {
		switch ev.Kind {
		case cart.KindProgress:
			fmt.Fprintf(os.Stderr, "[%3d%%]\n", ev.Percent)
		case cart.KindMessage:
			printMessage(ev)
		}
	})
}

func streamJSON(h *cart.Handle) {
	enc := json.NewEncoder(os.Stderr)
	follow(h, func(ev cart.Event) { _ = enc.Encode(ev) })
}

func printMessage(ev cart.Event) {
	switch ev.Level {
	case "warn":
		color.New(color.FgYellow).Fprintln(os.Stderr, ev.Message)
	case "error":
		color.New(color.FgRed, color.Bold).Fprintln(os.Stderr, ev.Message)
	default:
		if strings.HasPrefix(ev.Message, "$ ") {
			color.New(color.Faint).Fprintln(os.Stderr, ev.Message)
			return
		}
		fmt.Fprintln(os.Stderr, ev.Message)
	}
}

func stateLabel(s cart.State) string {
	if s == "" {
		return ""
	}
	words := strings.Split(string(s), "_")
	words[0] = strings.ToUpper(words[0][:1]) + words[0][1:]
	return strings.Join(words, " ")
}

func summarize(res *cart.Result) {
	if res == nil {
		return
	}
	if !res.OK() {
		color.Red("Build failed: %s", res.Error)
		return
	}
	color.Green("Cart %q is ready on %s", res.Request.Name, res.Request.Device)
	fmt.Printf("  Mount:    %s\n", res.Mount.MountPoint)
	fmt.Printf("  Runtime:  %s (%s)\n", res.RuntimePath, formatBytes(res.RuntimeSize))
	if res.ArtSource != "" {
		fmt.Printf("  Artwork:  %s\n", res.ArtSource)
	}
	if res.Exec != "" {
		fmt.Printf("  Exec:     %s\n", res.Exec)
	} else {
		color.Yellow("  Exec:     not set; edit cart.kzi before playing, e.g. Exec=%s", manifest.Hint(string(res.Request.Runtime)))
	}
	for _, w := range res.Warnings {
		color.Yellow("  ! %s", w)
	}
}
