// Package poller drives the background polling loop: it sweeps the
// registry for enabled devices, performs one DOD? exchange per due unit,
// maintains reachability accounting, triggers FTP start-time recovery
// when a measurement is discovered mid-run, and purges aged device logs.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fieldacoustics/slmgate/internal/gateway"
	"github.com/fieldacoustics/slmgate/internal/nl43"
	"github.com/fieldacoustics/slmgate/internal/store"
)

const (
	// minSweepSleep and maxSweepSleep clamp the pause between sweeps.
	minSweepSleep = 30 * time.Second
	maxSweepSleep = 300 * time.Second

	// idleSleep is the pause when no device is enabled for polling.
	idleSleep = 60 * time.Second

	// sleepSlice keeps the inter-sweep pause responsive to shutdown.
	sleepSlice = time.Second

	// purgeInterval spaces device-log retention sweeps.
	purgeInterval = time.Hour

	// stopGrace bounds how long Stop waits for a clean loop exit before
	// cancelling in-flight work.
	stopGrace = 5 * time.Second

	// DefaultPollTimeout bounds one device poll end to end.
	DefaultPollTimeout = 15 * time.Second

	// DefaultLogRetention is how long device log entries are kept.
	DefaultLogRetention = 7 * 24 * time.Hour
)

// Metrics receives poll outcomes. The metrics package's Collector
// satisfies it; the default is a no-op.
type Metrics interface {
	IncPoll(unitID, outcome string)
	SetReachable(unitID string, reachable bool)
}

type noopMetrics struct{}

func (noopMetrics) IncPoll(string, string)    {}
func (noopMetrics) SetReachable(string, bool) {}

// Poll outcome labels.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeSkipped = "skipped"
)

// -------------------------------------------------------------------------
// Poller
// -------------------------------------------------------------------------

// Poller is the background polling loop. Create with New, then Start once;
// Stop waits for a bounded clean exit.
type Poller struct {
	svc     *gateway.Service
	st      *store.Store
	logger  *slog.Logger
	metrics Metrics

	pollTimeout  time.Duration
	logRetention time.Duration

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures optional Poller parameters.
type Option func(*Poller)

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(p *Poller) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithPollTimeout bounds one device poll end to end.
func WithPollTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.pollTimeout = d
		}
	}
}

// WithLogRetention sets how long device log entries are kept before the
// hourly purge removes them.
func WithLogRetention(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.logRetention = d
		}
	}
}

// New creates a Poller over the gateway service.
func New(svc *gateway.Service, logger *slog.Logger, opts ...Option) *Poller {
	p := &Poller{
		svc:          svc,
		st:           svc.Store(),
		logger:       logger.With(slog.String("component", "poller")),
		metrics:      noopMetrics{},
		pollTimeout:  DefaultPollTimeout,
		logRetention: DefaultLogRetention,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the polling loop. Subsequent calls are no-ops.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(ctx)

	p.logger.Info("poller started",
		slog.Duration("poll_timeout", p.pollTimeout),
		slog.Duration("log_retention", p.logRetention))
}

// Stop requests a clean loop exit and waits up to the grace period, then
// cancels in-flight work and waits for the loop to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	stopCh, cancel, done := p.stopCh, p.cancel, p.done
	p.started = false
	p.mu.Unlock()

	close(stopCh)
	select {
	case <-done:
	case <-time.After(stopGrace):
		cancel()
		<-done
	}
	cancel()
	p.logger.Info("poller stopped")
}

// -------------------------------------------------------------------------
// Loop
// -------------------------------------------------------------------------

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	var lastPurge time.Time
	for {
		if time.Since(lastPurge) >= purgeInterval {
			p.purge(ctx)
			lastPurge = time.Now()
		}

		pause := p.sweep(ctx)
		if !p.sleep(ctx, pause) {
			return
		}
	}
}

// sweep polls every enabled, due device once and returns the pause before
// the next sweep.
func (p *Poller) sweep(ctx context.Context) time.Duration {
	configs, err := p.st.ListConfigs(ctx)
	if err != nil {
		p.logger.Error("registry sweep failed", slog.String("error", err.Error()))
		return minSweepSleep
	}

	minInterval := time.Duration(0)
	for i := range configs {
		cfg := &configs[i]
		if !cfg.PollEnabled || !cfg.TCPEnabled {
			continue
		}

		interval := time.Duration(cfg.PollIntervalSeconds) * time.Second
		if minInterval == 0 || interval < minInterval {
			minInterval = interval
		}

		select {
		case <-ctx.Done():
			return minSweepSleep
		default:
		}

		if p.isDue(ctx, cfg.UnitID, interval) {
			p.pollOne(ctx, cfg)
		}
	}

	if minInterval == 0 {
		return idleSleep
	}
	return clampSleep(minInterval / 2)
}

// isDue reports whether the unit's poll interval has elapsed since the
// last attempt. Units never polled are due immediately.
func (p *Poller) isDue(ctx context.Context, unitID string, interval time.Duration) bool {
	st, err := p.st.GetStatus(ctx, unitID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("status read failed",
				slog.String("unit_id", unitID),
				slog.String("error", err.Error()))
		}
		return true
	}
	if st.LastPollAttempt == nil {
		return true
	}
	return time.Since(*st.LastPollAttempt) >= interval
}

// pollOne performs one bounded poll of a single device. The attempt is
// stamped before the exchange so a hung device still advances the
// schedule.
func (p *Poller) pollOne(ctx context.Context, cfg *store.DeviceConfig) {
	now := time.Now().UTC()
	if err := p.st.MarkPollAttempt(ctx, cfg.UnitID, now); err != nil {
		p.logger.Warn("poll attempt not recorded",
			slog.String("unit_id", cfg.UnitID),
			slog.String("error", err.Error()))
	}

	pollCtx, cancel := context.WithTimeout(ctx, p.pollTimeout)
	_, err := p.svc.PollDevice(pollCtx, cfg)
	cancel()

	switch {
	case err == nil:
		p.recordSuccess(ctx, cfg)

	case errors.Is(err, nl43.ErrDeviceBusy):
		// Another session (typically a live stream) holds the device.
		// Not a reachability signal either way.
		p.metrics.IncPoll(cfg.UnitID, outcomeSkipped)
		p.logger.Debug("poll skipped, device busy",
			slog.String("unit_id", cfg.UnitID))

	default:
		p.recordFailure(ctx, cfg.UnitID, err)
	}
}

func (p *Poller) recordSuccess(ctx context.Context, cfg *store.DeviceConfig) {
	now := time.Now().UTC()
	recovered, err := p.st.MarkPollSuccess(ctx, cfg.UnitID, now)
	if err != nil {
		p.logger.Warn("poll success not recorded",
			slog.String("unit_id", cfg.UnitID),
			slog.String("error", err.Error()))
	}
	p.metrics.IncPoll(cfg.UnitID, outcomeSuccess)
	p.metrics.SetReachable(cfg.UnitID, true)
	if recovered {
		p.logger.Info("device recovered",
			slog.String("unit_id", cfg.UnitID))
	}

	p.maybeSyncStartTime(ctx, cfg)
}

func (p *Poller) recordFailure(ctx context.Context, unitID string, cause error) {
	now := time.Now().UTC()
	failures, becameUnreachable, err := p.st.MarkPollFailure(ctx, unitID, now, cause.Error())
	if err != nil {
		p.logger.Warn("poll failure not recorded",
			slog.String("unit_id", unitID),
			slog.String("error", err.Error()))
		p.metrics.IncPoll(unitID, outcomeFailure)
		return
	}

	p.metrics.IncPoll(unitID, outcomeFailure)
	if failures >= store.UnreachableThreshold {
		p.metrics.SetReachable(unitID, false)
	}
	if becameUnreachable {
		p.logger.Warn("device unreachable",
			slog.String("unit_id", unitID),
			slog.Int("consecutive_failures", failures),
			slog.String("error", cause.Error()))
	}
}

// maybeSyncStartTime runs FTP start-time recovery when a measurement is
// observed mid-run with no known start time. Failures are swallowed: the
// attempt flag prevents a retry storm and the next session resets it.
func (p *Poller) maybeSyncStartTime(ctx context.Context, cfg *store.DeviceConfig) {
	st, err := p.st.GetStatus(ctx, cfg.UnitID)
	if err != nil {
		return
	}
	if !gateway.NeedsStartTimeSync(cfg, st) {
		return
	}

	if _, err := p.svc.SyncStartTime(ctx, cfg.UnitID); err != nil {
		p.logger.Warn("start time sync failed",
			slog.String("unit_id", cfg.UnitID),
			slog.String("error", err.Error()))
	}
}

// purge removes device log entries older than the retention window.
func (p *Poller) purge(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.logRetention)
	n, err := p.st.PurgeLogs(ctx, cutoff)
	if err != nil {
		p.logger.Error("log purge failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		p.logger.Info("device logs purged",
			slog.Int64("removed", n),
			slog.Time("cutoff", cutoff))
	}
}

// sleep pauses between sweeps in short slices so shutdown stays prompt.
// Returns false when the loop should exit.
func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		slice := sleepSlice
		if remain := time.Until(deadline); remain < slice {
			slice = remain
		}
		select {
		case <-ctx.Done():
			return false
		case <-p.stopCh:
			return false
		case <-time.After(slice):
		}
	}
	return true
}

func clampSleep(d time.Duration) time.Duration {
	if d < minSweepSleep {
		return minSweepSleep
	}
	if d > maxSweepSleep {
		return maxSweepSleep
	}
	return d
}
