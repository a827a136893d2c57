package cart

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/internal/fsatomic"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManagerRejectsSecondBuildOnDevice(t *testing.T) {
	srv := upstream(t)
	r := &fakeRunner{blockOn: "mount ", released: make(chan struct{})}
	m := NewManager(newTestBuilder(t, r, srv), t.TempDir(), zerolog.Nop())
	req := baseRequest(srv, Windows, t.TempDir())
	req.SkipFormat = true

	var finished []string
	m.OnFinish = append(m.OnFinish, func(h *Handle, res *Result, err error) {
		finished = append(finished, h.ID)
	})

	h, err := m.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return r.ran("mount ") })
	if !h.Running() {
		t.Fatal("build should still be running")
	}
	if res, err := h.Result(); res != nil || err != nil {
		t.Fatal("result published before completion")
	}
	if _, err := m.Start(context.Background(), req); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("want ErrDeviceBusy, got %v", err)
	}
	close(r.released)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil || !res.OK() || res.ID != h.ID {
		t.Fatalf("result %+v err %v", res, err)
	}
	if !h.Events().Closed() {
		t.Fatal("event queue not closed after completion")
	}
	if got, err := m.Get(h.ID); err != nil || got != h {
		t.Fatalf("get: %v", err)
	}
	if _, err := m.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	r.blockOn = ""
	_, res2, err := m.Run(context.Background(), req)
	if err != nil || !res2.OK() {
		t.Fatalf("rerun: %v", err)
	}
	if len(m.List()) != 2 || len(finished) != 2 {
		t.Fatalf("list %d finished %d", len(m.List()), len(finished))
	}
}

func TestManagerHonorsCrossProcessLock(t *testing.T) {
	srv := upstream(t)
	lockDir := t.TempDir()
	m := NewManager(newTestBuilder(t, &fakeRunner{}, srv), lockDir, zerolog.Nop())
	req := baseRequest(srv, Windows, t.TempDir())

	unlock, err := fsatomic.TryLock(fsatomic.LockPath(lockDir, req.Device))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start(context.Background(), req); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("want ErrDeviceBusy, got %v", err)
	}
	unlock()
	if _, _, err := m.Run(context.Background(), req); err != nil {
		t.Fatalf("run after unlock: %v", err)
	}
}

func TestManagerRejectsInvalidRequest(t *testing.T) {
	m := NewManager(&Builder{}, "", zerolog.Nop())
	if _, err := m.Start(context.Background(), Request{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("want ErrInvalidRequest, got %v", err)
	}
}

func TestBuildIgnoresCallerCancellation(t *testing.T) {
	srv := upstream(t)
	r := &fakeRunner{blockOn: "mount ", released: make(chan struct{})}
	m := NewManager(newTestBuilder(t, r, srv), "", zerolog.Nop())
	req := baseRequest(srv, Windows, t.TempDir())
	req.SkipFormat = true

	ctx, cancel := context.WithCancel(context.Background())
	h, err := m.Start(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return r.ran("mount ") })
	cancel()
	close(r.released)
	<-h.Done()
	if res, err := h.Result(); err != nil || !res.OK() {
		t.Fatalf("build should finish despite cancel: %v", err)
	}
}
