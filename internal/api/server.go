// Package api is the HTTP and WebSocket surface of the gateway. It is a
// thin mapping layer: handlers decode requests, call the gateway service,
// and translate results and the device error taxonomy onto HTTP.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/fieldacoustics/slmgate/internal/gateway"
)

// Server holds the handler set.
type Server struct {
	svc      *gateway.Service
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates the API server over the gateway service.
func New(svc *gateway.Service, logger *slog.Logger) *Server {
	return &Server{
		svc:    svc,
		logger: logger.With(slog.String("component", "api")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser dashboards connect from arbitrary origins; auth is
			// out of scope for this deployment model.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", s.handleListDevices)
		r.Get("/status", s.handleListStatuses)

		r.Route("/devices/{unit_id}", func(r chi.Router) {
			r.Get("/config", s.handleGetConfig)
			r.Put("/config", s.handlePutConfig)
			r.Delete("/config", s.handleDeleteConfig)

			r.Get("/status", s.handleGetStatus)
			r.Post("/status", s.handlePostStatus)

			r.Get("/live", s.handleLive)
			r.Get("/stream", s.handleStream)

			r.Post("/start", s.handleStartCycle)
			r.Post("/stop", s.handleStopCycle)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/reset", s.handleReset)
			r.Post("/store", s.handleManualStore)
			r.Post("/sleep", s.handleSleep)
			r.Post("/wake", s.handleWake)

			r.Get("/measurement-state", s.handleMeasurementState)
			r.Get("/battery", s.handleBattery)
			r.Get("/sleep/status", s.handleSleepStatus)

			r.Get("/clock", s.handleGetClock)
			r.Put("/clock", s.handlePutClock)
			r.Get("/frequency-weighting", s.handleGetFreqWeighting)
			r.Put("/frequency-weighting", s.handlePutFreqWeighting)
			r.Get("/time-weighting", s.handleGetTimeWeighting)
			r.Put("/time-weighting", s.handlePutTimeWeighting)
			r.Get("/measurement-time", s.handleGetMeasurementTime)
			r.Put("/measurement-time", s.handlePutMeasurementTime)
			r.Get("/leq-interval", s.handleGetLeqInterval)
			r.Put("/leq-interval", s.handlePutLeqInterval)
			r.Get("/lp-interval", s.handleGetLpInterval)
			r.Put("/lp-interval", s.handlePutLpInterval)
			r.Get("/index-number", s.handleGetIndex)
			r.Put("/index-number", s.handlePutIndex)

			r.Get("/overwrite-check", s.handleOverwriteCheck)
			r.Get("/results", s.handleResults)
			r.Get("/settings", s.handleSettings)
			r.Get("/diagnostics", s.handleDiagnostics)

			r.Get("/ftp/status", s.handleFTPStatus)
			r.Get("/ftp/files", s.handleFTPFiles)
			r.Get("/ftp/latest-measurement-time", s.handleFTPLatestTime)
			r.Post("/ftp/enable", s.handleFTPEnable)
			r.Post("/ftp/disable", s.handleFTPDisable)
			r.Post("/ftp/download", s.handleFTPDownload)
			r.Post("/ftp/download-folder", s.handleFTPDownloadFolder)

			r.Post("/sync-start-time", s.handleSyncStartTime)

			r.Get("/logs", s.handleLogs)
			r.Get("/logs/stats", s.handleLogStats)
		})
	})

	return r
}

// logRequests logs one line per request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}
