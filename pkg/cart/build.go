package cart

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/internal/disks"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/artwork"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/fetch"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/manifest"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/prep"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/resolve"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/shell"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/stage"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/validate"
)

// Runner executes external commands; *shell.Runner in production.
type Runner interface {
	Run(ctx context.Context, argv []string, privileged bool) ([]byte, error)
}

// Artwork produces the cart icon; *artwork.Chain in production.
type Artwork interface {
	Fetch(ctx context.Context, appID string, t artwork.Target) (string, error)
}

type Options struct {
	Service      string
	IconSize     int
	FetchTimeout time.Duration
	Art          artwork.Options
	Mounts       disks.MountLister
}

// Builder runs one build at a time per call to Build. It holds no per-build state.
type Builder struct {
	Runner   Runner
	Preparer *prep.Preparer
	Fetcher  *fetch.Fetcher
	Stager   *stage.Stager
	Art      Artwork
	FS       afero.Fs
	Service  string
	IconSize int
	Logger   zerolog.Logger

	now func() time.Time
}

func NewBuilder(r Runner, opts Options, logger zerolog.Logger) *Builder {
	fs := afero.NewOsFs()
	return &Builder{
		Runner:   r,
		Preparer: prep.New(r, opts.Mounts, logger),
		Fetcher:  fetch.New(opts.FetchTimeout, logger),
		Stager:   stage.New(fs),
		Art:      artwork.NewChain(opts.Art, logger),
		FS:       fs,
		Service:  opts.Service,
		IconSize: opts.IconSize,
		Logger:   logger.With().Str("component", "cart").Logger(),
		now:      time.Now,
	}
}

const (
	stepPrepare  = "prepare"
	stepFetch    = "fetch_runtime"
	stepVerify   = "verify_runtime"
	stepArt      = "fetch_art"
	stepStage    = "stage_content"
	stepResolve  = "resolve_executable"
	stepManifest = "write_manifest"
	stepSync     = "sync"
	stepEject    = "eject"
)

var stepOrder = []string{stepPrepare, stepFetch, stepVerify, stepArt, stepStage, stepResolve, stepManifest, stepSync, stepEject}

// build is the worker-owned state of one build.
type build struct {
	b       *Builder
	req     Request
	q       *Queue
	res     *Result
	log     zerolog.Logger
	percent int
	started bool
}

// Build runs req to completion or to the first fatal error. Events go to q (which
// may be nil). The returned Result is always non-nil; on failure err is the cause and
// Result.State is StateFailed. Build does not close q.
func (b *Builder) Build(ctx context.Context, req Request, q *Queue) (*Result, error) {
	if q == nil {
		q = NewQueue()
	}
	now := b.clock()
	w := &build{
		b:   b,
		req: req,
		q:   q,
		log: b.Logger.With().Str("device", req.Device).Str("id", req.ID).Logger(),
		res: &Result{Request: req, State: StateIdle, StartedAt: now()},
	}
	for _, s := range stepOrder {
		w.res.Steps = append(w.res.Steps, Step{Name: s, Status: "pending"})
	}
	ctx = shell.WithSink(ctx, func(line string) { w.message("info", line) })

	err := w.run(ctx)

	w.res.FinishedAt = now()
	if err != nil {
		w.res.Error = err.Error()
		w.message("error", "ERROR: "+err.Error())
		w.log.Error().Err(err).Str("state", string(w.res.State)).Msg("build failed")
		w.setState(StateFailed)
		return w.res, err
	}
	w.setState(StateDone)
	w.progress(100)
	w.message("info", "Done. Kazeta cart ready.")
	w.log.Info().Str("mount", w.res.Mount.MountPoint).Dur("took", w.res.FinishedAt.Sub(w.res.StartedAt)).Msg("build done")
	return w.res, nil
}

func (b *Builder) clock() func() time.Time {
	if b.now != nil {
		return b.now
	}
	return time.Now
}

// run is the pipeline proper. The service guard is released before run returns, so
// cleanup always precedes the terminal state event.
func (w *build) run(ctx context.Context) error {
	req := w.req
	if err := req.Validate(); err != nil {
		return err
	}
	if pc, ok := w.b.Runner.(interface{ CheckPrivilege() error }); ok {
		if err := pc.CheckPrivilege(); err != nil {
			return err
		}
	}
	w.progress(0)

	var guard *prep.ServiceGuard
	if !req.SkipFormat && w.b.Service != "" {
		w.message("info", fmt.Sprintf("Checking %s …", w.b.Service))
		guard = w.b.Preparer.StopService(ctx, w.b.Service)
	}
	defer func() {
		if guard.WasActive() {
			w.message("info", fmt.Sprintf("Restarting %s …", w.b.Service))
		}
		guard.Release(ctx)
	}()

	w.setState(StatePreparing)
	if err := w.step(stepPrepare, func() error {
		if req.SkipFormat {
			w.message("info", "Skipping format; reusing the existing partition.")
		} else {
			w.message("info", fmt.Sprintf("Wiping, partitioning and formatting %s as ext4 (%s) …", req.Device, req.Label))
		}
		st, err := w.b.Preparer.Prepare(ctx, prep.Options{
			Device:    req.Device,
			Label:     req.Label,
			MountBase: req.MountBase,
			Format:    !req.SkipFormat,
		}, guard)
		w.res.Mount = st
		if err != nil {
			return err
		}
		w.message("info", "Mounted at: "+st.MountPoint)
		return nil
	}); err != nil {
		return err
	}
	w.progress(10)
	mp := w.res.Mount.MountPoint

	w.setState(StateFetchingRuntime)
	if err := w.fetchRuntime(ctx, mp); err != nil {
		return err
	}
	w.progress(20)

	w.setState(StateFetchingArt)
	w.fetchArt(ctx)
	w.progress(30)

	w.setState(StateStagingContent)
	if err := w.stage(); err != nil {
		return err
	}

	w.setState(StateResolvingExecutable)
	w.resolve()

	w.setState(StateWritingManifest)
	if err := w.step(stepManifest, func() error {
		p, err := manifest.Write(mp, manifest.Record{
			Name:    req.Name,
			ID:      req.ID,
			Exec:    w.res.Exec,
			Icon:    manifest.IconPath,
			Runtime: string(req.Runtime),
		})
		if err != nil {
			return err
		}
		w.message("info", "Wrote "+p)
		return nil
	}); err != nil {
		return err
	}
	w.progress(90)

	w.setState(StateSyncing)
	_ = w.step(stepSync, func() error {
		if _, err := w.b.Runner.Run(ctx, []string{"sync", "-f", mp}, false); err != nil {
			w.warn(fmt.Sprintf("sync -f failed (%v); flushing all filesystems", err))
			unix.Sync()
		}
		return nil
	})

	if req.Eject {
		w.setState(StateEjecting)
		w.message("info", "Unmounting card …")
		if err := w.step(stepEject, func() error {
			_, err := w.b.Runner.Run(ctx, []string{"umount", "-l", mp}, true)
			return err
		}); err != nil {
			return err
		}
		w.message("info", "Card unmounted.")
	} else {
		w.skip(stepEject)
	}
	return nil
}

func (w *build) fetchRuntime(ctx context.Context, mp string) error {
	req := w.req
	dst := filepath.Join(mp, fetch.FileName(req.RuntimeURL))
	w.res.RuntimePath = dst
	if err := w.step(stepFetch, func() error {
		w.message("info", fmt.Sprintf("Downloading runtime from %s …", req.RuntimeURL))
		n, err := w.b.Fetcher.Fetch(ctx, req.RuntimeURL, dst, func(written, total int64) {
			if total > 0 {
				w.progress(10 + int(written*10/total))
			}
		})
		w.res.RuntimeSize = n
		return err
	}); err != nil {
		return err
	}

	switch {
	case !req.VerifyRuntime:
		w.skip(stepVerify)
		w.message("info", "Runtime downloaded (verification skipped).")
	case req.RuntimeSHA256 == "":
		w.skip(stepVerify)
		w.warn("no SHA-256 known for this runtime; trusting the download")
	default:
		if err := w.step(stepVerify, func() error { return fetch.Verify(dst, req.RuntimeSHA256) }); err != nil {
			var ie *fetch.IntegrityError
			if errors.As(err, &ie) {
				w.message("error", fmt.Sprintf("Runtime SHA-256 mismatch! expected %s, got %s (file left at %s)", ie.Expected, ie.Actual, dst))
			}
			return err
		}
		w.message("info", "Runtime downloaded and verified.")
	}
	return nil
}

// fetchArt never fails the build; the chain ends in a placeholder.
func (w *build) fetchArt(ctx context.Context) {
	t := artwork.TargetIn(w.res.Mount.KazetaDir(), w.b.IconSize)
	err := w.step(stepArt, func() error {
		src, err := w.b.Art.Fetch(ctx, w.req.AppID, t)
		w.res.ArtSource = src
		return err
	})
	if err != nil {
		w.warn("could not write kazeta/icon.png: " + err.Error())
		return
	}
	w.message("info", fmt.Sprintf("Icon written from %s.", w.res.ArtSource))
}

func (w *build) stage() error {
	if w.req.Source == "" {
		w.skip(stepStage)
		w.message("info", "No source dir provided; you can copy files later to content/.")
		return nil
	}
	err := w.step(stepStage, func() error {
		w.message("info", fmt.Sprintf("Copying game files from %s …", w.req.Source))
		return w.b.Stager.Stage(w.req.Source, w.res.Mount.ContentDir(), func(pct int) {
			w.progress(30 + pct/2)
		})
	})
	if err != nil {
		return err
	}
	w.progress(80)
	return nil
}

// resolve settles the launcher path. Nothing here is fatal: a missing executable
// leaves the configured path (or an empty Exec) and a warning.
func (w *build) resolve() {
	req := w.req
	content := w.res.Mount.ContentDir()
	exe := req.Exe
	kind := resolve.Kind(req.Runtime)

	_ = w.step(stepResolve, func() error {
		if exe != "" {
			p := filepath.Join(content, filepath.FromSlash(exe))
			if err := validate.PathUnder([]string{content}, p); err != nil {
				w.warn(fmt.Sprintf("Ignoring exe %q: it is outside content/", exe))
				exe = ""
			} else if w.isFile(p) {
				if req.Runtime == Linux {
					w.markExecutable(exe)
				}
				return nil
			}
		}
		what := ".exe files"
		if req.Runtime == Linux {
			what = "Linux binaries"
		}
		if exe != "" {
			w.message("info", fmt.Sprintf("Executable not found at content/%s. Searching for %s …", exe, what))
		} else {
			w.message("info", fmt.Sprintf("Searching content/ for %s …", what))
		}
		cands, err := resolve.Resolve(w.b.FS, content, kind)
		if err != nil {
			w.warn("executable search failed: " + err.Error())
			return nil
		}
		if len(cands) == 0 {
			hint := manifest.Hint(string(req.Runtime))
			if req.Runtime == Windows {
				w.warn("No .exe found under content/. You'll need to set Exec manually later, e.g. Exec=" + hint)
			} else {
				w.warn("No likely Linux binary found under content/. You may need to adjust later, e.g. Exec=" + hint)
			}
			return nil
		}
		exe = cands[0]
		w.message("info", "Guessed executable: content/"+exe)
		if req.Runtime == Linux {
			w.markExecutable(exe)
		}
		return nil
	})

	w.res.Executable = exe
	if exe != "" {
		w.res.Exec = manifest.ExecLine(string(req.Runtime), exe)
	}
}

func (w *build) isFile(p string) bool {
	fi, err := w.b.FS.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

func (w *build) markExecutable(rel string) {
	p := filepath.Join(w.res.Mount.ContentDir(), filepath.FromSlash(path.Clean(rel)))
	if err := w.b.Stager.MarkExecutable(p); err != nil {
		w.warn(fmt.Sprintf("Could not chmod +x on %s: %v", rel, err))
	}
}

func (w *build) step(name string, fn func() error) error {
	s := w.stepRef(name)
	t := w.b.clock()()
	s.Status, s.StartedAt = "running", &t
	err := fn()
	done := w.b.clock()()
	s.FinishedAt = &done
	if err != nil {
		s.Status, s.Err = "error", err.Error()
		return err
	}
	s.Status = "ok"
	return nil
}

func (w *build) skip(name string) {
	w.stepRef(name).Status = "skipped"
}

func (w *build) stepRef(name string) *Step {
	for i := range w.res.Steps {
		if w.res.Steps[i].Name == name {
			return &w.res.Steps[i]
		}
	}
	w.res.Steps = append(w.res.Steps, Step{Name: name, Status: "pending"})
	return &w.res.Steps[len(w.res.Steps)-1]
}

func (w *build) setState(s State) {
	w.res.State = s
	w.q.Push(Event{Kind: KindState, State: s})
	w.log.Debug().Str("state", string(s)).Msg("state")
}

// progress only ever moves forward.
func (w *build) progress(pct int) {
	if pct > 100 {
		pct = 100
	}
	if w.started && pct <= w.percent {
		return
	}
	w.started, w.percent = true, pct
	w.q.Push(Event{Kind: KindProgress, Percent: pct})
}

func (w *build) message(level, msg string) {
	w.q.Push(Event{Kind: KindMessage, Level: level, Message: msg})
}

func (w *build) warn(msg string) {
	w.res.Warnings = append(w.res.Warnings, msg)
	w.message("warn", "WARNING: "+msg)
	w.log.Warn().Msg(msg)
}
