package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/internal/disks"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/internal/history"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/cart"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/steam"
)

const (
	maxRequestBytes = 64 << 10
	maxPollWait     = 30 * time.Second
)

type Searcher interface {
	Search(ctx context.Context, term string) ([]steam.App, error)
}

// Deps is everything the router serves. History and Metrics may be nil.
type Deps struct {
	Manager     *cart.Manager
	Devices     func(ctx context.Context) ([]disks.Device, error)
	Search      Searcher
	History     *history.Store
	Metrics     http.Handler
	Defaults    func(cart.Request) cart.Request
	CORSOrigins []string
	Version     string
	Logger      zerolog.Logger
}

type api struct {
	Deps
}

func NewRouter(d Deps) http.Handler {
	if d.Devices == nil {
		d.Devices = disks.List
	}
	if d.Defaults == nil {
		d.Defaults = func(r cart.Request) cart.Request { return r }
	}
	a := &api{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(d.Logger.With().Str("component", "http").Logger()))

	c := cors.New(cors.Options{
		AllowedOrigins: d.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	r.Use(c.Handler)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true, "version": d.Version})
	})
	r.Get("/api/devices", a.listDevices)
	r.Get("/api/search", a.search)
	r.Route("/api/builds", func(br chi.Router) {
		br.Get("/", a.listBuilds)
		br.Post("/", a.startBuild)
		br.Get("/{id}", a.getBuild)
		br.Get("/{id}/events", a.buildEvents)
	})
	r.Get("/api/history", a.listHistory)
	r.Get("/api/history/{id}", a.getHistory)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	return r
}

func (a *api) listDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := a.Devices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "devices.unavailable", err.Error(), nil)
		return
	}
	if r.URL.Query().Get("all") != "1" {
		devs = disks.Removable(devs)
	}
	writeJSON(w, devs)
}

func (a *api) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "search.query_required", "q is required", nil)
		return
	}
	if a.Search == nil {
		writeError(w, http.StatusServiceUnavailable, "search.disabled", "search is not configured", nil)
		return
	}
	apps, err := a.Search.Search(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusBadGateway, "search.failed", err.Error(), nil)
		return
	}
	writeJSON(w, apps)
}

type buildView struct {
	ID      string       `json:"id"`
	Device  string       `json:"device"`
	Name    string       `json:"name"`
	Started time.Time    `json:"started"`
	Running bool         `json:"running"`
	Events  int          `json:"events"`
	Result  *cart.Result `json:"result,omitempty"`
	Error   string       `json:"error,omitempty"`
}

func view(h *cart.Handle) buildView {
	v := buildView{ID: h.ID, Device: h.Request.Device, Name: h.Request.Name, Started: h.Started, Running: h.Running(), Events: h.Events().Len()}
	if res, err := h.Result(); res != nil {
		v.Result = res
		if err != nil {
			v.Error = err.Error()
		}
	}
	return v
}

func (a *api) listBuilds(w http.ResponseWriter, r *http.Request) {
	out := []buildView{}
	for _, h := range a.Manager.List() {
		out = append(out, view(h))
	}
	writeJSON(w, out)
}

func (a *api) startBuild(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "build.body", err.Error(), nil)
		return
	}
	env, err := cart.DecodeRequest(body)
	if err != nil {
		var se *cart.SchemaError
		if errors.As(err, &se) {
			writeError(w, http.StatusBadRequest, "build.invalid", "request failed validation", se.Problems)
			return
		}
		writeError(w, http.StatusBadRequest, "build.invalid", err.Error(), nil)
		return
	}
	if !env.SkipFormat && !env.ConfirmFormat {
		writeError(w, http.StatusPreconditionRequired, "build.confirm_format",
			"this erases "+env.Device+"; resend with confirmFormat=true or skipFormat=true", nil)
		return
	}
	req := a.Defaults(env.Request)
	h, err := a.Manager.Start(r.Context(), req)
	switch {
	case errors.Is(err, cart.ErrDeviceBusy):
		writeError(w, http.StatusConflict, "build.device_busy", err.Error(), nil)
		return
	case errors.Is(err, cart.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "build.invalid", err.Error(), nil)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "build.start_failed", err.Error(), nil)
		return
	}
	w.Header().Set("Location", "/api/builds/"+h.ID)
	writeJSONStatus(w, http.StatusAccepted, view(h))
}

func (a *api) handle(w http.ResponseWriter, r *http.Request) (*cart.Handle, bool) {
	h, err := a.Manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "build.not_found", "no such build", nil)
		return nil, false
	}
	return h, true
}

func (a *api) getBuild(w http.ResponseWriter, r *http.Request) {
	if h, ok := a.handle(w, r); ok {
		writeJSON(w, view(h))
	}
}

// buildEvents long-polls: ?after=<seq>&wait=<duration>. It returns as soon as there
// are events past after, the build has finished, or wait elapses.
func (a *api) buildEvents(w http.ResponseWriter, r *http.Request) {
	h, ok := a.handle(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var after uint64
	if s := q.Get("after"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "events.after", "after must be a sequence number", nil)
			return
		}
		after = n
	}
	var wait time.Duration
	if s := q.Get("wait"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "events.wait", "wait must be a duration like 10s", nil)
			return
		}
		wait = min(d, maxPollWait)
	}

	events := h.Events().Since(after)
	if len(events) == 0 && wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		evs, err := h.Events().Wait(ctx, after)
		if err == nil {
			events = evs
		}
	}
	if events == nil {
		events = []cart.Event{}
	}
	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	writeJSON(w, map[string]any{
		"events": events,
		"next":   next,
		"done":   !h.Running() && uint64(h.Events().Len()) == next,
	})
}

func (a *api) listHistory(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		writeJSON(w, []history.Entry{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := a.History.List(r.Context(), r.URL.Query().Get("device"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history.failed", err.Error(), nil)
		return
	}
	writeJSON(w, entries)
}

func (a *api) getHistory(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		writeError(w, http.StatusNotFound, "history.not_found", "history is disabled", nil)
		return
	}
	e, err := a.History.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, cart.ErrNotFound) {
		writeError(w, http.StatusNotFound, "history.not_found", "no such build", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history.failed", err.Error(), nil)
		return
	}
	writeJSON(w, e)
}
