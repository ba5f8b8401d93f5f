package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "slmgate"
	subsystem = "device"
)

// Label names for device metrics.
const (
	labelUnitID  = "unit_id"
	labelKind    = "kind"
	labelOutcome = "outcome"
	labelCycle   = "cycle"
)

// Poll outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Device Metrics
// -------------------------------------------------------------------------

// Collector holds all gateway Prometheus metrics.
//
// Command metrics come from the device client, poll metrics from the
// background poller, and cycle metrics from the orchestrator. The
// Collector satisfies the client's MetricsReporter interface.
type Collector struct {
	// CommandDuration observes the wall time of completed command
	// exchanges (lock wait, rate wait, connect, and exchange included).
	CommandDuration *prometheus.HistogramVec

	// CommandErrors counts failed command exchanges by error kind.
	CommandErrors *prometheus.CounterVec

	// StreamLines counts data lines delivered from DRD streams.
	StreamLines *prometheus.CounterVec

	// StreamActive is 1 while a DRD stream runs for the unit.
	StreamActive *prometheus.GaugeVec

	// FTPTransfers counts files retrieved over FTP.
	FTPTransfers *prometheus.CounterVec

	// Polls counts background poll executions by outcome.
	Polls *prometheus.CounterVec

	// Reachable is 1 while the device is considered reachable.
	Reachable *prometheus.GaugeVec

	// Cycles counts start/stop cycle executions by outcome.
	Cycles *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against the
// provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "slmgate_device_" prefix (namespace_subsystem).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.CommandDuration,
		c.CommandErrors,
		c.StreamLines,
		c.StreamActive,
		c.FTPTransfers,
		c.Polls,
		c.Reachable,
		c.Cycles,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	unitLabels := []string{labelUnitID}

	return &Collector{
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "command_duration_seconds",
			Help:      "Wall time of completed device command exchanges.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, unitLabels),

		CommandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "command_errors_total",
			Help:      "Total failed device command exchanges by error kind.",
		}, []string{labelUnitID, labelKind}),

		StreamLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_lines_total",
			Help:      "Total data lines delivered from DRD streams.",
		}, unitLabels),

		StreamActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_active",
			Help:      "Whether a DRD stream is currently running for the unit.",
		}, unitLabels),

		FTPTransfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ftp_transfers_total",
			Help:      "Total files retrieved from device FTP servers.",
		}, unitLabels),

		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "polls_total",
			Help:      "Total background poll executions by outcome.",
		}, []string{labelUnitID, labelOutcome}),

		Reachable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reachable",
			Help:      "Whether the device is currently considered reachable.",
		}, unitLabels),

		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cycles_total",
			Help:      "Total start/stop cycle executions by outcome.",
		}, []string{labelUnitID, labelCycle, labelOutcome}),
	}
}

// -------------------------------------------------------------------------
// Command Exchange (client MetricsReporter)
// -------------------------------------------------------------------------

// ObserveCommand records one completed command exchange.
func (c *Collector) ObserveCommand(unitID string, d time.Duration) {
	c.CommandDuration.WithLabelValues(unitID).Observe(d.Seconds())
}

// IncCommandError records one failed command exchange by error kind.
func (c *Collector) IncCommandError(unitID, kind string) {
	c.CommandErrors.WithLabelValues(unitID, kind).Inc()
}

// IncStreamLines adds delivered DRD stream lines.
func (c *Collector) IncStreamLines(unitID string, n int) {
	c.StreamLines.WithLabelValues(unitID).Add(float64(n))
}

// SetStreamActive flags whether a DRD stream is running for the unit.
func (c *Collector) SetStreamActive(unitID string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	c.StreamActive.WithLabelValues(unitID).Set(v)
}

// IncFTPTransfers adds completed FTP file retrievals.
func (c *Collector) IncFTPTransfers(unitID string, n int) {
	c.FTPTransfers.WithLabelValues(unitID).Add(float64(n))
}

// -------------------------------------------------------------------------
// Poller
// -------------------------------------------------------------------------

// IncPoll records one background poll execution.
func (c *Collector) IncPoll(unitID, outcome string) {
	c.Polls.WithLabelValues(unitID, outcome).Inc()
}

// SetReachable flags the device's reachability as seen by the poller.
func (c *Collector) SetReachable(unitID string, reachable bool) {
	v := 0.0
	if reachable {
		v = 1.0
	}
	c.Reachable.WithLabelValues(unitID).Set(v)
}

// -------------------------------------------------------------------------
// Cycles
// -------------------------------------------------------------------------

// IncCycle records one start or stop cycle execution.
func (c *Collector) IncCycle(unitID, cycle, outcome string) {
	c.Cycles.WithLabelValues(unitID, cycle, outcome).Inc()
}

// ForgetUnit drops all per-unit series. Called when a device is removed
// from the registry so stale series do not linger in scrapes.
func (c *Collector) ForgetUnit(unitID string) {
	labels := prometheus.Labels{labelUnitID: unitID}
	c.CommandDuration.DeletePartialMatch(labels)
	c.CommandErrors.DeletePartialMatch(labels)
	c.StreamLines.DeletePartialMatch(labels)
	c.StreamActive.DeletePartialMatch(labels)
	c.FTPTransfers.DeletePartialMatch(labels)
	c.Polls.DeletePartialMatch(labels)
	c.Reachable.DeletePartialMatch(labels)
	c.Cycles.DeletePartialMatch(labels)
}
