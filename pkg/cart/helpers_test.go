package cart

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/artwork"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/shell"
)

// fakeRunner records argv instead of executing anything. It echoes each command to the
// context sink the way shell.Runner does.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []string
	fail     map[string]error
	privErr  error
	blockOn  string
	released chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, argv []string, privileged bool) ([]byte, error) {
	joined := strings.Join(argv, " ")
	f.mu.Lock()
	f.calls = append(f.calls, joined)
	block := f.blockOn != "" && strings.HasPrefix(joined, f.blockOn)
	f.mu.Unlock()
	shell.SinkFrom(ctx)("$ " + joined)
	if block {
		<-f.released
	}
	for prefix, err := range f.fail {
		if strings.HasPrefix(joined, prefix) {
			return nil, err
		}
	}
	return nil, nil
}

func (f *fakeRunner) CheckPrivilege() error { return f.privErr }

func (f *fakeRunner) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRunner) ran(prefix string) bool {
	for _, c := range f.history() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

type noMounts struct{}

func (noMounts) Mountpoints(context.Context, string) ([]string, error) { return nil, nil }

var runtimeBytes = []byte("kazeta runtime image v1.0\n")

func runtimeDigest() string {
	sum := sha256.Sum256(runtimeBytes)
	return hex.EncodeToString(sum[:])
}

// upstream serves the runtime archive; every artwork endpoint fails.
func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/runtimes/windows-1.0.kzr", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(runtimeBytes)
	})
	mux.HandleFunc("/runtimes/linux-1.0.kzr", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(runtimeBytes)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestBuilder(t *testing.T, r Runner, srv *httptest.Server) *Builder {
	t.Helper()
	return NewBuilder(r, Options{
		Service:  "udisks2",
		IconSize: 64,
		Art: artwork.Options{
			SteamGridDBKey: "test-key",
			SteamGridDBURL: srv.URL + "/sgdb",
			SteamAssetURL:  srv.URL + "/apps",
		},
		Mounts: noMounts{},
	}, zerolog.Nop())
}

func baseRequest(srv *httptest.Server, kind RuntimeKind, mountBase string) Request {
	return Request{
		Device:        "/dev/sdz",
		Label:         "CELESTE",
		Runtime:       kind,
		RuntimeURL:    srv.URL + "/runtimes/" + string(kind) + "-1.0.kzr",
		RuntimeSHA256: runtimeDigest(),
		VerifyRuntime: true,
		Name:          "Celeste",
		ID:            "celeste",
		AppID:         "504230",
		MountBase:     mountBase,
	}
}

func eventsOf(q *Queue, kind EventKind) []Event {
	var out []Event
	for _, e := range q.Since(0) {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func messages(q *Queue) []string {
	var out []string
	for _, e := range eventsOf(q, KindMessage) {
		out = append(out, e.Message)
	}
	return out
}
