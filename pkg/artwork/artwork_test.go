package artwork

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/shell"
)

var iconBytes = []byte("\x89PNG-from-steamgriddb")

func headerJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 460, 215))
	for x := 0; x < 460; x++ {
		for y := 0; y < 215; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0x80, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func artServer(t *testing.T, header []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sgdb/games/steam/620", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k3y" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":42,"name":"Portal 2"}}`))
	})
	var srvURL string
	mux.HandleFunc("/sgdb/icons/game/42", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":[{"id":1,"url":"` + srvURL + `/files/icon.png"}]}`))
	})
	mux.HandleFunc("/files/icon.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(iconBytes)
	})
	mux.HandleFunc("/apps/620/header.jpg", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(header)
	})
	srv := httptest.NewServer(mux)
	srvURL = srv.URL
	t.Cleanup(srv.Close)
	return srv
}

func chainFor(srv *httptest.Server, key string) *Chain {
	return NewChain(Options{
		SteamGridDBKey: key,
		SteamGridDBURL: srv.URL + "/sgdb",
		SteamAssetURL:  srv.URL + "/apps",
	}, zerolog.Nop())
}

func decodeSize(t *testing.T, p string) image.Point {
	t.Helper()
	f, err := os.Open(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("icon is not a png: %v", err)
	}
	return img.Bounds().Size()
}

func TestSteamGridDBFirst(t *testing.T) {
	srv := artServer(t, headerJPEG(t))
	tgt := TargetIn(t.TempDir(), 0)
	got, err := chainFor(srv, "k3y").Fetch(context.Background(), "620", tgt)
	if err != nil || got != "steamgriddb" {
		t.Fatalf("provider=%q err=%v", got, err)
	}
	b, _ := os.ReadFile(tgt.Icon)
	if !bytes.Equal(b, iconBytes) {
		t.Fatalf("icon bytes = %q", b)
	}
}

func TestSteamHeaderWithoutKey(t *testing.T) {
	srv := artServer(t, headerJPEG(t))
	tgt := TargetIn(t.TempDir(), 64)
	got, err := chainFor(srv, "").Fetch(context.Background(), "620", tgt)
	if err != nil || got != "steam-header" {
		t.Fatalf("provider=%q err=%v", got, err)
	}
	if _, err := os.Stat(tgt.Header); err != nil {
		t.Fatalf("header not saved: %v", err)
	}
	if sz := decodeSize(t, tgt.Icon); sz != (image.Point{64, 64}) {
		t.Fatalf("icon size %v", sz)
	}
}

func TestBadKeyFallsThroughToHeader(t *testing.T) {
	srv := artServer(t, headerJPEG(t))
	var lines []string
	ctx := shell.WithSink(context.Background(), func(s string) { lines = append(lines, s) })
	got, err := chainFor(srv, "wrong").Fetch(ctx, "620", TargetIn(t.TempDir(), 32))
	if err != nil || got != "steam-header" {
		t.Fatalf("provider=%q err=%v", got, err)
	}
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "steamgriddb artwork failed") {
		t.Fatalf("sink lines %q", lines)
	}
}

func TestPlaceholderWhenOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	tgt := TargetIn(t.TempDir(), 48)
	got, err := chainFor(srv, "k3y").Fetch(context.Background(), "620", tgt)
	if err != nil || got != "placeholder" {
		t.Fatalf("provider=%q err=%v", got, err)
	}
	if sz := decodeSize(t, tgt.Icon); sz != (image.Point{48, 48}) {
		t.Fatalf("icon size %v", sz)
	}
	if _, err := os.Stat(tgt.Header); !os.IsNotExist(err) {
		t.Fatalf("header should not exist: %v", err)
	}
}

func TestPlaceholderWithoutAppID(t *testing.T) {
	var lines []string
	ctx := shell.WithSink(context.Background(), func(s string) { lines = append(lines, s) })
	c := NewChain(Options{SteamGridDBKey: "k3y"}, zerolog.Nop())
	got, err := c.Fetch(ctx, "", TargetIn(t.TempDir(), 0))
	if err != nil || got != "placeholder" || len(lines) != 0 {
		t.Fatalf("provider=%q err=%v lines=%q", got, err, lines)
	}
}

func TestPlaceholderWriteFailure(t *testing.T) {
	c := NewChain(Options{PlaceholderOnly: true}, zerolog.Nop())
	if _, err := c.Fetch(context.Background(), "", TargetIn("/nonexistent/kazeta", 0)); err == nil {
		t.Fatal("expected error writing into a missing directory")
	}
}
