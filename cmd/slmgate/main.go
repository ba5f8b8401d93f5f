// Command slmgate runs the sound-level-meter gateway daemon: REST and
// WebSocket API, background poller, and Prometheus metrics endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/fieldacoustics/slmgate/internal/api"
	"github.com/fieldacoustics/slmgate/internal/config"
	"github.com/fieldacoustics/slmgate/internal/gateway"
	"github.com/fieldacoustics/slmgate/internal/metrics"
	"github.com/fieldacoustics/slmgate/internal/poller"
	"github.com/fieldacoustics/slmgate/internal/store"
	appversion "github.com/fieldacoustics/slmgate/internal/version"
)

// shutdownTimeout bounds graceful HTTP shutdown after a termination signal.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("slmgate"))
		return 0
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)
	slog.SetDefault(logger)

	logger.Info("starting slmgate",
		slog.String("version", appversion.Version),
		slog.String("commit", appversion.GitCommit))

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Error("failed to open store",
			slog.String("path", cfg.Database.Path),
			slog.String("error", err.Error()))
		return 1
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("store close failed", slog.String("error", err.Error()))
		}
	}()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	svc := gateway.New(st, logger,
		gateway.WithMetrics(collector),
		gateway.WithLocation(cfg.Gateway.Location()),
		gateway.WithClockSync(cfg.Gateway.ClockSync),
		gateway.WithMaxIndexAttempts(cfg.Gateway.MaxIndexAttempts),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := seedDevices(ctx, st, cfg.Devices, logger); err != nil {
		logger.Error("device seeding failed", slog.String("error", err.Error()))
		return 1
	}

	if err := runServers(ctx, cfg, svc, collector, reg, logger, logLevel, *configPath); err != nil {
		logger.Error("daemon exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("slmgate stopped")
	return 0
}

// runServers starts the API server, the metrics server, and the poller, and
// blocks until the context is cancelled and shutdown completes.
func runServers(
	ctx context.Context,
	cfg *config.Config,
	svc *gateway.Service,
	collector *metrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	logLevel *slog.LevelVar,
	configPath string,
) error {
	g, gCtx := errgroup.WithContext(ctx)

	apiSrv := newAPIServer(cfg.HTTP, svc, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	var lc net.ListenConfig
	g.Go(func() error {
		logger.Info("api server listening", slog.String("addr", cfg.HTTP.Addr))
		return listenAndServe(gCtx, &lc, apiSrv, cfg.HTTP.Addr)
	})
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path))
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	p := poller.New(svc, logger,
		poller.WithMetrics(collector),
		poller.WithLogRetention(time.Duration(cfg.Gateway.LogRetentionDays)*24*time.Hour),
	)
	p.Start(gCtx)

	g.Go(func() error {
		return handleSIGHUP(gCtx, logger, logLevel, configPath)
	})
	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	// Shutdown sequencing: stop the poller first so no new device sessions
	// begin mid-teardown, then drain the HTTP servers.
	g.Go(func() error {
		<-gCtx.Done()
		notifyStopping(logger)
		p.Stop()
		return gracefulShutdown(logger, apiSrv, metricsSrv)
	})

	notifyReady(logger)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// seedDevices upserts the declarative devices[] entries into the registry.
// Existing entries are updated in place; removal is not implied by absence.
func seedDevices(ctx context.Context, st *store.Store, seeds []config.DeviceSeed, logger *slog.Logger) error {
	for _, seed := range seeds {
		upd := store.ConfigUpdate{Host: &seed.Host}
		if seed.TCPPort != 0 {
			port := seed.TCPPort
			upd.TCPPort = &port
		}
		if seed.FTPPort != 0 {
			port := seed.FTPPort
			upd.FTPPort = &port
		}
		if seed.PollIntervalSeconds != 0 {
			interval := seed.PollIntervalSeconds
			upd.PollIntervalSeconds = &interval
		}
		if seed.PollEnabled != nil {
			upd.PollEnabled = seed.PollEnabled
		}

		if _, err := st.ApplyConfig(ctx, seed.UnitID, upd); err != nil {
			return fmt.Errorf("seed device %s: %w", seed.UnitID, err)
		}
		logger.Info("registered device from config",
			slog.String("unit_id", seed.UnitID),
			slog.String("host", seed.Host))
	}
	return nil
}

// gracefulShutdown drains all HTTP servers within shutdownTimeout. The parent
// context is already cancelled, so the timeout rides on a detached context.
func gracefulShutdown(logger *slog.Logger, servers ...*http.Server) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("shutting down", slog.Duration("timeout", shutdownTimeout))

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}

// listenAndServe binds addr with lc and serves srv until the server is shut
// down. http.ErrServerClosed is the normal shutdown result and is not an
// error.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return nil
}

func newAPIServer(cfg config.HTTPConfig, svc *gateway.Service, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.New(svc, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// notifyReady tells systemd the daemon is up. A no-op outside systemd.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("sd_notify READY failed", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Debug("sd_notify READY sent")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("sd_notify STOPPING failed", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Debug("sd_notify STOPPING sent")
	}
}

// runWatchdog pets the systemd watchdog at half the configured interval.
// Returns nil immediately when no watchdog is configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("watchdog query: %w", err)
	}
	if interval == 0 {
		return nil
	}

	tick := interval / 2
	logger.Info("systemd watchdog enabled", slog.Duration("interval", tick))

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("watchdog notify failed", slog.String("error", err.Error()))
			}
		}
	}
}

// handleSIGHUP reloads the configuration file on SIGHUP and applies the log
// level. Listener addresses and device policy require a restart; only the
// log level changes live.
func handleSIGHUP(ctx context.Context, logger *slog.Logger, logLevel *slog.LevelVar, configPath string) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if configPath == "" {
				logger.Info("SIGHUP received but no config file to reload")
				continue
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				logger.Error("config reload failed, keeping previous configuration",
					slog.String("path", configPath),
					slog.String("error", err.Error()))
				continue
			}
			newLevel := config.ParseLogLevel(cfg.Log.Level)
			if newLevel != logLevel.Level() {
				logger.Info("log level changed",
					slog.String("old", logLevel.Level().String()),
					slog.String("new", newLevel.String()))
				logLevel.Set(newLevel)
			}
			logger.Info("configuration reloaded", slog.String("path", configPath))
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// newLoggerWithLevel builds the process logger on the shared LevelVar so
// SIGHUP reloads can adjust verbosity without replacing handlers.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
