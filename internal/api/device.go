package api

import (
	"context"
	"net/http"
	"time"

	"github.com/fieldacoustics/slmgate/internal/nl43"
)

// client resolves the device client for the request's unit, writing the
// error response itself on failure.
func (s *Server) client(w http.ResponseWriter, r *http.Request) (*nl43.Client, bool) {
	c, err := s.svc.Client(r.Context(), unitID(r))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return c, true
}

// deviceQuery runs one query command and responds {"unit_id": ..., key: value}.
func (s *Server) deviceQuery(w http.ResponseWriter, r *http.Request, key string,
	q func(context.Context, *nl43.Client) (string, error)) {

	c, ok := s.client(w, r)
	if !ok {
		return
	}
	v, err := q(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"unit_id": unitID(r), key: v})
}

// deviceCommand runs one setter command and responds with a confirmation.
func (s *Server) deviceCommand(w http.ResponseWriter, r *http.Request, action string,
	cmd func(context.Context, *nl43.Client) error) {

	c, ok := s.client(w, r)
	if !ok {
		return
	}
	if err := cmd(r.Context(), c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"unit_id": unitID(r), "action": action})
}

// valueBody is the request body for the single-value setters.
type valueBody struct {
	Value string `json:"value"`
}

func readValue(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body valueBody
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return "", false
	}
	if body.Value == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "value is required"})
		return "", false
	}
	return body.Value, true
}

// -------------------------------------------------------------------------
// Live Measurement
// -------------------------------------------------------------------------

// snapshotDTO is the JSON shape of one live snapshot.
type snapshotDTO struct {
	UnitID           string    `json:"unit_id"`
	Timestamp        time.Time `json:"timestamp"`
	MeasurementState string    `json:"measurement_state"`
	Counter          string    `json:"counter,omitempty"`
	Lp               string    `json:"lp,omitempty"`
	Leq              string    `json:"leq,omitempty"`
	Lmax             string    `json:"lmax,omitempty"`
	Lmin             string    `json:"lmin,omitempty"`
	Lpeak            string    `json:"lpeak,omitempty"`
	RawPayload       string    `json:"raw_payload,omitempty"`
}

func snapshotToDTO(snap *nl43.Snapshot, ts time.Time) snapshotDTO {
	return snapshotDTO{
		UnitID:           snap.UnitID,
		Timestamp:        ts.UTC(),
		MeasurementState: snap.MeasurementState,
		Counter:          snap.Counter,
		Lp:               snap.Lp,
		Leq:              snap.Leq,
		Lmax:             snap.Lmax,
		Lmin:             snap.Lmin,
		Lpeak:            snap.Lpeak,
		RawPayload:       snap.RawPayload,
	}
}

// handleLive performs one DOD? exchange and merges it into the status store.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.LiveSnapshot(r.Context(), unitID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotToDTO(snap, time.Now()))
}

// -------------------------------------------------------------------------
// Run-State Commands
// -------------------------------------------------------------------------

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.deviceCommand(w, r, "pause", func(ctx context.Context, c *nl43.Client) error {
		return c.Pause(ctx, true)
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.deviceCommand(w, r, "resume", func(ctx context.Context, c *nl43.Client) error {
		return c.Pause(ctx, false)
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.deviceCommand(w, r, "reset", func(ctx context.Context, c *nl43.Client) error { return c.Reset(ctx) })
}

func (s *Server) handleManualStore(w http.ResponseWriter, r *http.Request) {
	s.deviceCommand(w, r, "store", func(ctx context.Context, c *nl43.Client) error { return c.ManualStore(ctx) })
}

func (s *Server) handleSleep(w http.ResponseWriter, r *http.Request) {
	s.deviceCommand(w, r, "sleep", func(ctx context.Context, c *nl43.Client) error {
		return c.SetSleepMode(ctx, true)
	})
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	s.deviceCommand(w, r, "wake", func(ctx context.Context, c *nl43.Client) error {
		return c.SetSleepMode(ctx, false)
	})
}

// -------------------------------------------------------------------------
// Scalar Queries
// -------------------------------------------------------------------------

func (s *Server) handleMeasurementState(w http.ResponseWriter, r *http.Request) {
	s.deviceQuery(w, r, "measurement_state", func(ctx context.Context, c *nl43.Client) (string, error) { return c.MeasurementState(ctx) })
}

func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	s.deviceQuery(w, r, "battery_level", func(ctx context.Context, c *nl43.Client) (string, error) { return c.BatteryLevel(ctx) })
}

func (s *Server) handleSleepStatus(w http.ResponseWriter, r *http.Request) {
	s.deviceQuery(w, r, "sleep_mode", func(ctx context.Context, c *nl43.Client) (string, error) { return c.SleepMode(ctx) })
}

func (s *Server) handleGetClock(w http.ResponseWriter, r *http.Request) {
	s.deviceQuery(w, r, "clock", func(ctx context.Context, c *nl43.Client) (string, error) { return c.ReadClock(ctx) })
}

// handlePutClock sets the device clock. An empty body syncs to now; a body
// {"time": "<RFC3339>"} sets an explicit instant.
func (s *Server) handlePutClock(w http.ResponseWriter, r *http.Request) {
	target := time.Now()
	if r.ContentLength > 0 {
		var body struct {
			Time string `json:"time"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
			return
		}
		if body.Time != "" {
			t, err := time.Parse(time.RFC3339, body.Time)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid time: " + err.Error()})
				return
			}
			target = t
		}
	}

	s.deviceCommand(w, r, "clock-set", func(ctx context.Context, c *nl43.Client) error {
		return c.SetClock(ctx, target)
	})
}

// -------------------------------------------------------------------------
// Measurement Parameters
// -------------------------------------------------------------------------

func (s *Server) handleGetFreqWeighting(w http.ResponseWriter, r *http.Request) {
	s.deviceQuery(w, r, "frequency_weighting", func(ctx context.Context, c *nl43.Client) (string, error) { return c.FrequencyWeighting(ctx) })
}

func (s *Server) handlePutFreqWeighting(w http.ResponseWriter, r *http.Request) {
	v, ok := readValue(w, r)
	if !ok {
		return
	}
	s.deviceCommand(w, r, "frequency-weighting-set", func(ctx context.Context, c *nl43.Client) error {
		return c.SetFrequencyWeighting(ctx, v)
	})
}

func (s *Server) handleGetTimeWeighting(w http.ResponseWriter, r *http.Request) {
	s.deviceQuery(w, r, "time_weighting", func(ctx context.Context, c *nl43.Client) (string, error) { return c.TimeWeighting(ctx) })
}

func (s *Server) handlePutTimeWeighting(w http.ResponseWriter, r *http.Request) {
	v, ok := readValue(w, r)
	if !ok {
		return
	}
	s.deviceCommand(w, r, "time-weighting-set", func(ctx context.Context, c *nl43.Client) error {
		return c.SetTimeWeighting(ctx, v)
	})
}

func (s *Server) handleGetMeasurementTime(w http.ResponseWriter, r *http.Request) {
	s.deviceQuery(w, r, "measurement_time", func(ctx context.Context, c *nl43.Client) (string, error) { return c.MeasurementTime(ctx) })
}

func (s *Server) handlePutMeasurementTime(w http.ResponseWriter, r *http.Request) {
	v, ok := readValue(w, r)
	if !ok {
		return
	}
	s.deviceCommand(w, r, "measurement-time-set", func(ctx context.Context, c *nl43.Client) error {
		return c.SetMeasurementTime(ctx, v)
	})
}

func (s *Server) handleGetLeqInterval(w http.ResponseWriter, r *http.Request) {
	s.deviceQuery(w, r, "leq_interval", func(ctx context.Context, c *nl43.Client) (string, error) { return c.LeqInterval(ctx) })
}

func (s *Server) handlePutLeqInterval(w http.ResponseWriter, r *http.Request) {
	v, ok := readValue(w, r)
	if !ok {
		return
	}
	s.deviceCommand(w, r, "leq-interval-set", func(ctx context.Context, c *nl43.Client) error {
		return c.SetLeqInterval(ctx, v)
	})
}

func (s *Server) handleGetLpInterval(w http.ResponseWriter, r *http.Request) {
	s.deviceQuery(w, r, "lp_interval", func(ctx context.Context, c *nl43.Client) (string, error) { return c.LpInterval(ctx) })
}

func (s *Server) handlePutLpInterval(w http.ResponseWriter, r *http.Request) {
	v, ok := readValue(w, r)
	if !ok {
		return
	}
	s.deviceCommand(w, r, "lp-interval-set", func(ctx context.Context, c *nl43.Client) error {
		return c.SetLpInterval(ctx, v)
	})
}

func (s *Server) handleGetIndex(w http.ResponseWriter, r *http.Request) {
	c, ok := s.client(w, r)
	if !ok {
		return
	}
	idx, err := c.StoreIndex(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unit_id": unitID(r), "index": idx})
}

func (s *Server) handlePutIndex(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Index *int `json:"index"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Index == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must carry an index"})
		return
	}
	if *body.Index < 0 || *body.Index > 9999 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "index must be 0..9999"})
		return
	}

	s.deviceCommand(w, r, "index-set", func(ctx context.Context, c *nl43.Client) error {
		return c.SetStoreIndex(ctx, *body.Index)
	})
}

// -------------------------------------------------------------------------
// Composite Queries
// -------------------------------------------------------------------------

func (s *Server) handleOverwriteCheck(w http.ResponseWriter, r *http.Request) {
	c, ok := s.client(w, r)
	if !ok {
		return
	}
	exists, err := c.OverwriteExists(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unit_id": unitID(r), "exists": exists})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	s.deviceQuery(w, r, "results", func(ctx context.Context, c *nl43.Client) (string, error) { return c.RequestDLC(ctx) })
}

// handleSettings reads the full parameter set. Six commands, spaced by the
// rate governor, so this takes several seconds against a real device.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	c, ok := s.client(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	out := map[string]any{"unit_id": unitID(r)}
	reads := []struct {
		key string
		q   func(context.Context) (string, error)
	}{
		{"frequency_weighting", c.FrequencyWeighting},
		{"time_weighting", c.TimeWeighting},
		{"measurement_time", c.MeasurementTime},
		{"leq_interval", c.LeqInterval},
		{"lp_interval", c.LpInterval},
	}
	for _, rd := range reads {
		v, err := rd.q(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		out[rd.key] = v
	}

	idx, err := c.StoreIndex(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	out["index"] = idx

	writeJSON(w, http.StatusOK, out)
}

// handleDiagnostics combines live device reads with the stored status row.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	c, ok := s.client(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	battery, err := c.BatteryLevel(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	clock, err := c.ReadClock(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	state, err := c.MeasurementState(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	out := map[string]any{
		"unit_id":           unitID(r),
		"battery_level":     battery,
		"clock":             clock,
		"measurement_state": state,
	}
	if st, err := s.svc.Store().GetStatus(ctx, unitID(r)); err == nil {
		out["status"] = st
	}
	writeJSON(w, http.StatusOK, out)
}
