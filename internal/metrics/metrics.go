// Package metrics exposes Prometheus counters and gauges for the host: frames,
// connections, hooks, commands, linked sessions and tracked apps.
package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/tchow-twistedxcom/termbridge/internal/logging"
)

const namespace = "termbridge"

var metricsLog = logging.ForComponent(logging.CompHost)

// Metrics holds all host metrics on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	reg       *prometheus.Registry
	startTime time.Time

	FramesTotal       *prometheus.CounterVec
	FrameErrors       *prometheus.CounterVec
	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	HooksTotal        *prometheus.CounterVec
	CommandsTotal     *prometheus.CounterVec
	CommandDuration   *prometheus.HistogramVec
	WindowChanges     prometheus.Counter
	SessionsLinked    prometheus.Gauge
	TrackedApps       prometheus.Gauge
}

// New creates the metrics collector with Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		reg:       reg,
		startTime: time.Now(),

		FramesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Frames and legacy lines received, by socket flavor and encoding",
			},
			[]string{"flavor", "encoding"},
		),
		FrameErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frame_errors_total",
				Help:      "Frames dropped because they could not be parsed",
			},
			[]string{"flavor", "reason"},
		),
		ConnectionsActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections_active",
				Help:      "Open client connections",
			},
			[]string{"flavor"},
		),
		ConnectionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Accepted client connections",
			},
			[]string{"flavor"},
		),
		HooksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hooks_total",
				Help:      "Hooks dispatched to subscribers",
			},
			[]string{"kind"},
		),
		CommandsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Commands handled, by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		CommandDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Command handler duration in seconds",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"kind"},
		),
		WindowChanges: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "window_changes_total",
				Help:      "Topmost window changes observed",
			},
		),
		SessionsLinked: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_linked",
				Help:      "Terminal sessions currently linked to a window",
			},
		),
		TrackedApps: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tracked_apps",
				Help:      "Applications registered with the window observer",
			},
		),
	}

	f.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Host uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry returns the private registry, for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Uptime is the time since New.
func (m *Metrics) Uptime() time.Duration {
	if m == nil {
		return 0
	}
	return time.Since(m.startTime)
}

// RecordFrame counts one received frame.
func (m *Metrics) RecordFrame(flavor, encoding string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(flavor, encoding).Inc()
}

// RecordFrameError counts one dropped frame.
func (m *Metrics) RecordFrameError(flavor, reason string) {
	if m == nil {
		return
	}
	m.FrameErrors.WithLabelValues(flavor, reason).Inc()
}

// ConnOpened tracks an accepted connection.
func (m *Metrics) ConnOpened(flavor string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(flavor).Inc()
	m.ConnectionsActive.WithLabelValues(flavor).Inc()
}

// ConnClosed tracks a removed connection.
func (m *Metrics) ConnClosed(flavor string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(flavor).Dec()
}

// RecordHook counts one dispatched hook.
func (m *Metrics) RecordHook(kind string) {
	if m == nil {
		return
	}
	m.HooksTotal.WithLabelValues(kind).Inc()
}

// RecordCommand counts one handled command and its duration.
func (m *Metrics) RecordCommand(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(kind, status).Inc()
	m.CommandDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordWindowChange counts one topmost window change.
func (m *Metrics) RecordWindowChange() {
	if m == nil {
		return
	}
	m.WindowChanges.Inc()
}

// SetSessionsLinked sets the linked session gauge.
func (m *Metrics) SetSessionsLinked(n int) {
	if m == nil {
		return
	}
	m.SessionsLinked.Set(float64(n))
}

// SetTrackedApps sets the tracked app gauge.
func (m *Metrics) SetTrackedApps(n int) {
	if m == nil {
		return
	}
	m.TrackedApps.Set(float64(n))
}

// Snapshot holds summed metric values for the diagnostics command and CLI.
type Snapshot struct {
	Frames      uint64 `json:"frames"`
	FrameErrors uint64 `json:"frame_errors"`
	Connections uint64 `json:"connections_total"`
	Hooks       uint64 `json:"hooks"`
	Commands    uint64 `json:"commands"`
	Windows     uint64 `json:"window_changes"`
}

// Snapshot gathers the registry and sums every series of the host counters.
func (m *Metrics) Snapshot() Snapshot {
	var s Snapshot
	if m == nil {
		return s
	}
	families, err := m.reg.Gather()
	if err != nil {
		metricsLog.Warn("metrics_gather_failed", slog.String("error", err.Error()))
	}
	for _, fam := range families {
		total := sumCounter(fam)
		switch fam.GetName() {
		case namespace + "_frames_total":
			s.Frames = total
		case namespace + "_frame_errors_total":
			s.FrameErrors = total
		case namespace + "_connections_total":
			s.Connections = total
		case namespace + "_hooks_total":
			s.Hooks = total
		case namespace + "_commands_total":
			s.Commands = total
		case namespace + "_window_changes_total":
			s.Windows = total
		}
	}
	return s
}

func sumCounter(fam *dto.MetricFamily) uint64 {
	if fam.GetType() != dto.MetricType_COUNTER {
		return 0
	}
	var total float64
	for _, metric := range fam.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	return uint64(total)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
