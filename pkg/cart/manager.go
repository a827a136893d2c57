package cart

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/internal/fsatomic"
)

// Handle is a caller's view of one build running on its own goroutine.
type Handle struct {
	ID      string
	Request Request
	Started time.Time

	events *Queue
	done   chan struct{}
	res    *Result
	err    error
}

func (h *Handle) Events() *Queue        { return h.events }
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the outcome once Done is closed, and (nil, nil) before that.
func (h *Handle) Result() (*Result, error) {
	select {
	case <-h.done:
		return h.res, h.err
	default:
		return nil, nil
	}
}

// Wait blocks until the build finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Manager serializes builds per device, inside this process and across processes.
type Manager struct {
	Builder *Builder
	LockDir string
	Logger  zerolog.Logger

	// OnStart hooks run synchronously in Start; OnFinish hooks run on the worker
	// before Done is closed.
	OnStart  []func(h *Handle)
	OnFinish []func(h *Handle, res *Result, err error)

	mu     sync.Mutex
	active map[string]*Handle
	builds map[string]*Handle
}

func NewManager(b *Builder, lockDir string, logger zerolog.Logger) *Manager {
	return &Manager{
		Builder: b,
		LockDir: lockDir,
		Logger:  logger.With().Str("component", "manager").Logger(),
		active:  map[string]*Handle{},
		builds:  map[string]*Handle{},
	}
}

// Start validates req and launches the build. It returns ErrDeviceBusy if the device
// is already being built, here or in another process. The build is not cancelled
// when ctx is; it runs to completion or to its first fatal error.
func (m *Manager) Start(ctx context.Context, req Request) (*Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.active[req.Device]; ok {
		return nil, fmt.Errorf("%w: %s (build %s)", ErrDeviceBusy, req.Device, h.ID)
	}
	unlock := func() {}
	if m.LockDir != "" {
		u, err := fsatomic.TryLock(fsatomic.LockPath(m.LockDir, req.Device))
		if errors.Is(err, fsatomic.ErrLocked) {
			return nil, fmt.Errorf("%w: %s (another process)", ErrDeviceBusy, req.Device)
		}
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", req.Device, err)
		}
		unlock = u
	}

	h := &Handle{
		ID:      uuid.NewString(),
		Request: req,
		Started: time.Now(),
		events:  NewQueue(),
		done:    make(chan struct{}),
	}
	m.active[req.Device] = h
	m.builds[h.ID] = h
	m.Logger.Info().Str("build", h.ID).Str("device", req.Device).Msg("build started")
	for _, fn := range m.OnStart {
		fn(h)
	}

	wctx := context.WithoutCancel(ctx)
	go func() {
		res, err := m.Builder.Build(wctx, req, h.events)
		res.ID = h.ID
		unlock()
		m.mu.Lock()
		delete(m.active, req.Device)
		m.mu.Unlock()
		h.res, h.err = res, err
		for _, fn := range m.OnFinish {
			fn(h, res, err)
		}
		h.events.Close()
		close(h.done)
	}()
	return h, nil
}

// Run starts a build and waits for it.
func (m *Manager) Run(ctx context.Context, req Request) (*Handle, *Result, error) {
	h, err := m.Start(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	<-h.Done()
	res, err := h.Result()
	return h, res, err
}

func (m *Manager) Get(id string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.builds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

// List returns known builds, newest first.
func (m *Manager) List() []*Handle {
	m.mu.Lock()
	out := make([]*Handle, 0, len(m.builds))
	for _, h := range m.builds {
		out = append(out, h)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	return out
}
