// Package gateway is the service layer between the HTTP surface, the
// background poller, and the device protocol core. It owns the shared
// per-unit Governor and LockTable, builds device clients from registry
// rows, and composes multi-command operations: the start/stop automation
// cycles and FTP-based start-time recovery.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldacoustics/slmgate/internal/nl43"
	"github.com/fieldacoustics/slmgate/internal/store"
)

// ErrTCPDisabled indicates the device's registry row has tcp_enabled off.
var ErrTCPDisabled = errors.New("tcp access disabled for unit")

// ErrFTPDisabled indicates the device's registry row has ftp_enabled off.
var ErrFTPDisabled = errors.New("ftp access disabled for unit")

// Metrics receives gateway-level events. The metrics package's Collector
// satisfies it; the default is a no-op.
type Metrics interface {
	IncCycle(unitID, cycle, outcome string)
	ForgetUnit(unitID string)
}

type noopMetrics struct{}

func (noopMetrics) IncCycle(string, string, string) {}
func (noopMetrics) ForgetUnit(string)               {}

// deviceMetrics is the per-command reporter passed down to clients.
// Satisfied by the metrics Collector.
type deviceMetrics interface {
	Metrics
	nl43.MetricsReporter
}

// -------------------------------------------------------------------------
// Service
// -------------------------------------------------------------------------

// Service mediates all device interaction. One Service per process: it
// owns the Governor and LockTable that make the per-unit serialization and
// rate discipline global.
type Service struct {
	store   *store.Store
	gov     *nl43.Governor
	locks   *nl43.LockTable
	logger  *slog.Logger
	metrics Metrics

	// clientMetrics is non-nil only when the configured Metrics also
	// implements the device client's reporter interface.
	clientMetrics nl43.MetricsReporter

	loc              *time.Location
	clockSync        bool
	maxIndexAttempts int
}

// Option configures optional Service parameters.
type Option func(*Service)

// WithMetrics attaches a metrics sink. When it also implements the device
// client's reporter interface, per-command metrics flow through as well.
func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m == nil {
			return
		}
		s.metrics = m
		if dm, ok := m.(deviceMetrics); ok {
			s.clientMetrics = dm
		}
	}
}

// WithLocation sets the device-local timezone used for FTP timestamps and
// clock sync. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClockSync controls whether start cycles set the device clock first.
func WithClockSync(enabled bool) Option {
	return func(s *Service) { s.clockSync = enabled }
}

// WithMaxIndexAttempts bounds the overwrite probes in a start cycle.
func WithMaxIndexAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxIndexAttempts = n
		}
	}
}

// DefaultMaxIndexAttempts bounds index rotation when not configured.
const DefaultMaxIndexAttempts = 100

// New creates the process-wide Service.
func New(st *store.Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:            st,
		gov:              nl43.NewGovernor(),
		locks:            nl43.NewLockTable(),
		metrics:          noopMetrics{},
		loc:              time.UTC,
		clockSync:        true,
		maxIndexAttempts: DefaultMaxIndexAttempts,
		logger:           logger.With(slog.String("component", "gateway")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the persistence layer to the HTTP surface.
func (s *Service) Store() *store.Store { return s.store }

// Client builds a device client from the unit's registry row. Returns
// store.ErrNotFound for unregistered units and ErrTCPDisabled when TCP
// access is switched off.
func (s *Service) Client(ctx context.Context, unitID string) (*nl43.Client, error) {
	cfg, err := s.store.GetConfig(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if !cfg.TCPEnabled {
		return nil, fmt.Errorf("unit %s: %w", unitID, ErrTCPDisabled)
	}
	return s.clientFor(cfg), nil
}

// FTPClient builds a device client for FTP retrieval. Returns
// store.ErrNotFound for unregistered units and ErrFTPDisabled when FTP
// access is switched off.
func (s *Service) FTPClient(ctx context.Context, unitID string) (*nl43.Client, error) {
	cfg, err := s.store.GetConfig(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if !cfg.FTPEnabled {
		return nil, fmt.Errorf("unit %s: %w", unitID, ErrFTPDisabled)
	}
	return s.clientFor(cfg), nil
}

// clientFor builds a client from an already-loaded registry row.
func (s *Service) clientFor(cfg *store.DeviceConfig) *nl43.Client {
	opts := []nl43.ClientOption{
		nl43.WithEventSink(s.store),
		nl43.WithLocation(s.loc),
	}
	if s.clientMetrics != nil {
		opts = append(opts, nl43.WithMetrics(s.clientMetrics))
	}
	return nl43.NewClient(
		nl43.ClientConfig{
			UnitID:      cfg.UnitID,
			Host:        cfg.Host,
			TCPPort:     cfg.TCPPort,
			FTPPort:     cfg.FTPPort,
			FTPUsername: cfg.FTPUsername,
			FTPPassword: cfg.FTPPassword,
		},
		s.gov, s.locks, s.logger, opts...,
	)
}

// -------------------------------------------------------------------------
// Registry Housekeeping
// -------------------------------------------------------------------------

// DeleteDevice removes a unit from the registry (cascading to status and
// logs) and drops its in-memory pacing state and metric series.
func (s *Service) DeleteDevice(ctx context.Context, unitID string) error {
	if err := s.store.DeleteConfig(ctx, unitID); err != nil {
		return err
	}
	s.gov.Forget(unitID)
	s.metrics.ForgetUnit(unitID)
	return nil
}

// -------------------------------------------------------------------------
// Live Operations
// -------------------------------------------------------------------------

// LiveSnapshot performs one DOD? exchange and merges the result into the
// status store before returning it.
func (s *Service) LiveSnapshot(ctx context.Context, unitID string) (*nl43.Snapshot, error) {
	c, err := s.Client(ctx, unitID)
	if err != nil {
		return nil, err
	}

	snap, err := c.RequestDOD(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.store.ApplySnapshot(ctx, snap, time.Now()); err != nil {
		return nil, err
	}
	return snap, nil
}

// PollDevice executes one poll exchange for an already-loaded registry row
// and merges the result. Used by the background poller.
func (s *Service) PollDevice(ctx context.Context, cfg *store.DeviceConfig) (*nl43.Snapshot, error) {
	if !cfg.TCPEnabled {
		return nil, fmt.Errorf("unit %s: %w", cfg.UnitID, ErrTCPDisabled)
	}

	snap, err := s.clientFor(cfg).RequestDOD(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.store.ApplySnapshot(ctx, snap, time.Now()); err != nil {
		return nil, err
	}
	return snap, nil
}

// -------------------------------------------------------------------------
// Streaming
// -------------------------------------------------------------------------

// StreamSample is one pushed measurement envelope.
type StreamSample struct {
	UnitID               string     `json:"unit_id"`
	Timestamp            time.Time  `json:"timestamp"`
	MeasurementState     string     `json:"measurement_state"`
	MeasurementStartTime *time.Time `json:"measurement_start_time"`
	Counter              string     `json:"counter,omitempty"`
	Lp                   string     `json:"lp,omitempty"`
	Leq                  string     `json:"leq,omitempty"`
	Lmax                 string     `json:"lmax,omitempty"`
	Lmin                 string     `json:"lmin,omitempty"`
	Lpeak                string     `json:"lpeak,omitempty"`
	RawPayload           string     `json:"raw_payload,omitempty"`
}

// Stream opens a DRD stream for the unit, merging every snapshot into the
// status store and handing the consumer an enriched sample. The stream
// holds the unit's session lock until ctx is cancelled, the device closes,
// or the quiet period expires.
func (s *Service) Stream(ctx context.Context, unitID string, fn func(StreamSample)) error {
	c, err := s.Client(ctx, unitID)
	if err != nil {
		return err
	}

	return c.Stream(ctx, func(snap *nl43.Snapshot) {
		now := time.Now().UTC()
		if err := s.store.ApplySnapshot(ctx, snap, now); err != nil {
			s.logger.Warn("stream merge failed",
				slog.String("unit_id", unitID),
				slog.String("error", err.Error()))
		}

		sample := StreamSample{
			UnitID:           unitID,
			Timestamp:        now,
			MeasurementState: snap.MeasurementState,
			Counter:          snap.Counter,
			Lp:               snap.Lp,
			Leq:              snap.Leq,
			Lmax:             snap.Lmax,
			Lmin:             snap.Lmin,
			Lpeak:            snap.Lpeak,
			RawPayload:       snap.RawPayload,
		}
		if st, err := s.store.GetStatus(ctx, unitID); err == nil {
			sample.MeasurementStartTime = st.MeasurementStartTime
		}
		fn(sample)
	})
}
