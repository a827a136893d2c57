// Package cart sequences a cart build: prepare the device, fetch and verify the
// runtime, fetch art, stage content, resolve the launcher and write cart.kzi.
package cart

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/prep"
	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/validate"
)

type RuntimeKind string

const (
	Linux   RuntimeKind = "linux"
	Windows RuntimeKind = "windows"
)

func (k RuntimeKind) Valid() bool { return k == Linux || k == Windows }

var (
	ErrInvalidRequest = errors.New("invalid build request")
	ErrDeviceBusy     = errors.New("a build is already running on this device")
	ErrNotFound       = errors.New("build not found")
)

// Request is the input to one build. It is copied into the worker and never mutated.
type Request struct {
	Device        string      `json:"device"`
	Label         string      `json:"label"`
	Runtime       RuntimeKind `json:"runtime"`
	RuntimeURL    string      `json:"runtimeUrl"`
	RuntimeSHA256 string      `json:"runtimeSha256,omitempty"`
	VerifyRuntime bool        `json:"verifyRuntime"`
	Name          string      `json:"name"`
	ID            string      `json:"id"`
	AppID         string      `json:"appId,omitempty"`
	Exe           string      `json:"exe,omitempty"`
	Source        string      `json:"source,omitempty"`
	MountBase     string      `json:"mountBase,omitempty"`
	SkipFormat    bool        `json:"skipFormat"`
	Eject         bool        `json:"eject"`
}

// RuntimeDefault is the known-good runtime archive for one runtime kind.
type RuntimeDefault struct {
	URL    string `mapstructure:"url" json:"url"`
	SHA256 string `mapstructure:"sha256" json:"sha256"`
}

// WithDefaults fills empty fields: label and slug from the display name, the runtime
// URL (and its digest) from defaults, and the mount base. A custom runtime URL never
// inherits the default digest.
func (r Request) WithDefaults(mountBase string, runtimes map[RuntimeKind]RuntimeDefault) Request {
	if r.Label == "" {
		r.Label = validate.Label(r.Name)
	}
	if r.ID == "" {
		r.ID = validate.Slug(r.Name)
	}
	if r.MountBase == "" {
		r.MountBase = mountBase
	}
	if d, ok := runtimes[r.Runtime]; ok {
		if r.RuntimeURL == "" {
			r.RuntimeURL = d.URL
		}
		if r.RuntimeSHA256 == "" && r.RuntimeURL == d.URL {
			r.RuntimeSHA256 = d.SHA256
		}
	}
	r.Exe = strings.TrimPrefix(strings.ReplaceAll(strings.TrimSpace(r.Exe), "\\", "/"), "./")
	return r
}

func invalid(field, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidRequest, field, fmt.Sprintf(format, args...))
}

// Validate checks the request before anything touches the device.
func (r Request) Validate() error {
	if !strings.HasPrefix(r.Device, "/dev/") || path.Clean(r.Device) != r.Device {
		return invalid("device", "%q is not a /dev path", r.Device)
	}
	if strings.TrimSpace(r.Name) == "" {
		return invalid("name", "required")
	}
	if err := validate.CheckLabel(r.Label); err != nil {
		return invalid("label", "%q must be 1-%d of A-Z 0-9 _ -", r.Label, validate.MaxLabelLen)
	}
	if err := validate.CheckSlug(r.ID); err != nil {
		return invalid("id", "%q must be lowercase a-z 0-9 separated by single hyphens", r.ID)
	}
	if !r.Runtime.Valid() {
		return invalid("runtime", "%q must be linux or windows", r.Runtime)
	}
	u, err := url.Parse(r.RuntimeURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("runtimeUrl", "%q must be an http(s) URL", r.RuntimeURL)
	}
	if !path.IsAbs(r.MountBase) {
		return invalid("mountBase", "%q must be absolute", r.MountBase)
	}
	if r.Exe != "" {
		if path.IsAbs(r.Exe) || path.Clean(r.Exe) == ".." || strings.HasPrefix(path.Clean(r.Exe), "../") {
			return invalid("exe", "%q must stay inside content/", r.Exe)
		}
	}
	return nil
}

type State string

const (
	StateIdle                State = "idle"
	StatePreparing           State = "preparing"
	StateFetchingRuntime     State = "fetching_runtime"
	StateFetchingArt         State = "fetching_art"
	StateStagingContent      State = "staging_content"
	StateResolvingExecutable State = "resolving_executable"
	StateWritingManifest     State = "writing_manifest"
	StateSyncing             State = "syncing"
	StateEjecting            State = "ejecting"
	StateDone                State = "done"
	StateFailed              State = "failed"
)

func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

type EventKind string

const (
	KindMessage  EventKind = "message"
	KindProgress EventKind = "progress"
	KindState    EventKind = "state"
)

// Event is one item of the ordered stream a build emits. Seq starts at 1.
type Event struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Kind    EventKind `json:"kind"`
	Level   string    `json:"level,omitempty"`
	Message string    `json:"message,omitempty"`
	Percent int       `json:"percent,omitempty"`
	State   State     `json:"state,omitempty"`
}

type Step struct {
	Name       string     `json:"name"`
	Status     string     `json:"status"` // pending|running|ok|error|skipped
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Err        string     `json:"err,omitempty"`
}

// Result is the outcome of one build, successful or not.
type Result struct {
	ID          string          `json:"id"`
	Request     Request         `json:"request"`
	State       State           `json:"state"`
	Mount       prep.MountState `json:"mount"`
	RuntimePath string          `json:"runtimePath,omitempty"`
	RuntimeSize int64           `json:"runtimeBytes,omitempty"`
	ArtSource   string          `json:"artSource,omitempty"`
	Executable  string          `json:"executable,omitempty"`
	Exec        string          `json:"exec"`
	Warnings    []string        `json:"warnings,omitempty"`
	Steps       []Step          `json:"steps"`
	StartedAt   time.Time       `json:"startedAt"`
	FinishedAt  time.Time       `json:"finishedAt"`
	Error       string          `json:"error,omitempty"`
}

func (r *Result) OK() bool { return r != nil && r.State == StateDone }
