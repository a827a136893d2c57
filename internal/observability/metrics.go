package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/cart"
)

// Version and Rev can be overridden at build time via -ldflags.
var (
	Version = "dev"
	Rev     = ""
)

// Metrics owns a private registry so the CLI can dump it to a node_exporter
// textfile and the server can expose it without touching the global registry.
type Metrics struct {
	Registry *prometheus.Registry

	builds       *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	stepDuration *prometheus.HistogramVec
	runtimeBytes prometheus.Counter
	artSource    *prometheus.CounterVec
	warnings     prometheus.Counter
	active       prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazeta_cart_builds_total",
			Help: "Cart builds by runtime and terminal state.",
		}, []string{"runtime", "state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kazeta_cart_build_duration_seconds",
			Help:    "Wall time of cart builds.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"state"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kazeta_cart_step_duration_seconds",
			Help:    "Wall time of individual build steps.",
			Buckets: prometheus.ExponentialBuckets(0.05, 3, 10),
		}, []string{"step", "status"}),
		runtimeBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kazeta_cart_runtime_bytes_total",
			Help: "Bytes of runtime archives downloaded.",
		}),
		artSource: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazeta_cart_artwork_total",
			Help: "Icons written, by the provider that produced them.",
		}, []string{"source"}),
		warnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kazeta_cart_warnings_total",
			Help: "Non-fatal warnings raised during builds.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kazeta_cart_builds_active",
			Help: "Builds currently running.",
		}),
	}
	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "kazeta_cart_build_info",
		Help:        "Build info of kazeta-cart.",
		ConstLabels: prometheus.Labels{"version": Version, "rev": Rev},
	})
	info.Set(1)
	m.Registry.MustRegister(m.builds, m.duration, m.stepDuration, m.runtimeBytes, m.artSource, m.warnings, m.active, info)
	return m
}

func (m *Metrics) Started(*cart.Handle) { m.active.Inc() }

// Finished has the shape of a cart.Manager OnFinish hook.
func (m *Metrics) Finished(_ *cart.Handle, res *cart.Result, _ error) {
	m.active.Dec()
	m.Observe(res)
}

// Observe records a finished build.
func (m *Metrics) Observe(res *cart.Result) {
	if res == nil {
		return
	}
	m.builds.WithLabelValues(string(res.Request.Runtime), string(res.State)).Inc()
	if !res.FinishedAt.IsZero() {
		m.duration.WithLabelValues(string(res.State)).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	}
	for _, s := range res.Steps {
		if s.StartedAt == nil || s.FinishedAt == nil {
			continue
		}
		m.stepDuration.WithLabelValues(s.Name, s.Status).Observe(s.FinishedAt.Sub(*s.StartedAt).Seconds())
	}
	if res.RuntimeSize > 0 {
		m.runtimeBytes.Add(float64(res.RuntimeSize))
	}
	if res.ArtSource != "" {
		m.artSource.WithLabelValues(res.ArtSource).Inc()
	}
	m.warnings.Add(float64(len(res.Warnings)))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// WriteTextfile dumps the registry in the node_exporter textfile format, atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
