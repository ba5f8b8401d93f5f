package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldacoustics/slmgate/internal/nl43"
	"github.com/fieldacoustics/slmgate/internal/store"
)

// -------------------------------------------------------------------------
// Automation Cycles
// -------------------------------------------------------------------------

const (
	// indexSpace is the store index modulus (0000..9999).
	indexSpace = 10000

	// ftpReadyTimeout bounds the wait for the device FTP server to report
	// On after a restart.
	ftpReadyTimeout = 30 * time.Second

	// ftpReadyPollInterval spaces FTP? probes during the readiness wait.
	ftpReadyPollInterval = 2 * time.Second
)

// Cycle name labels used for metrics and reports.
const (
	cycleStart = "start"
	cycleStop  = "stop"
)

// StartReport records the progress of one start cycle. On error the report
// still carries everything completed before the failure.
type StartReport struct {
	UnitID      string `json:"unit_id"`
	ClockSynced bool   `json:"clock_synced"`
	OldIndex    int    `json:"old_index"`
	NewIndex    int    `json:"new_index"`
	Attempts    int    `json:"attempts"`
	Started     bool   `json:"started"`
}

// StopReport records the progress of one stop cycle. Download problems are
// reported in DownloadError and do not fail the cycle.
type StopReport struct {
	UnitID        string `json:"unit_id"`
	Stopped       bool   `json:"stopped"`
	FTPVerified   bool   `json:"ftp_verified"`
	Index         int    `json:"index"`
	Folder        string `json:"folder,omitempty"`
	Archive       []byte `json:"-"`
	ArchiveBytes  int    `json:"archive_bytes"`
	DownloadError string `json:"download_error,omitempty"`
}

// StartCycle prepares a free storage slot and begins measurement:
// optional clock sync, then index rotation with overwrite probing, then
// Measure,Start. Attempts counts the overwrite probes performed. When the
// probe index wraps back to the starting index, or the configured probe
// budget runs out, the device storage is declared full.
//
// There is no rollback: on error the returned report shows how far the
// cycle got.
func (s *Service) StartCycle(ctx context.Context, unitID string) (*StartReport, error) {
	c, err := s.Client(ctx, unitID)
	if err != nil {
		return nil, err
	}

	rep := &StartReport{UnitID: unitID, OldIndex: -1, NewIndex: -1}
	fail := func(err error) (*StartReport, error) {
		s.metrics.IncCycle(unitID, cycleStart, "failure")
		return rep, err
	}

	if s.clockSync {
		if err := c.SetClock(ctx, time.Now()); err != nil {
			return fail(err)
		}
		rep.ClockSynced = true
	}

	cur, err := c.StoreIndex(ctx)
	if err != nil {
		return fail(err)
	}
	rep.OldIndex = cur

	test := (cur + 1) % indexSpace
	for {
		if rep.Attempts >= s.maxIndexAttempts {
			return fail(nl43.NewStorageFull(unitID,
				fmt.Errorf("no free store index within %d probes: %w",
					rep.Attempts, nl43.ErrStorageFull)))
		}

		if err := c.SetStoreIndex(ctx, test); err != nil {
			return fail(err)
		}
		exists, err := c.OverwriteExists(ctx)
		if err != nil {
			return fail(err)
		}
		rep.Attempts++

		if !exists {
			rep.NewIndex = test
			break
		}

		test = (test + 1) % indexSpace
		if test == cur {
			return fail(nl43.NewStorageFull(unitID, nil))
		}
	}

	if err := c.StartMeasurement(ctx); err != nil {
		return fail(err)
	}
	rep.Started = true

	s.metrics.IncCycle(unitID, cycleStart, "success")
	s.logger.Info("start cycle completed",
		slog.String("unit_id", unitID),
		slog.Int("old_index", rep.OldIndex),
		slog.Int("new_index", rep.NewIndex),
		slog.Int("attempts", rep.Attempts))
	s.store.DeviceEvent(unitID, store.LevelInfo, store.CategoryCommand,
		fmt.Sprintf("start cycle: index %d -> %d in %d probes",
			rep.OldIndex, rep.NewIndex, rep.Attempts))

	return rep, nil
}

// StopCycle ends measurement and retrieves the corresponding recording
// folder: Measure,Stop, then an FTP server restart, then a recursive ZIP
// download of Auto_NNNN for the current index. Only the stop itself can
// fail the cycle; retrieval problems are carried in the report.
func (s *Service) StopCycle(ctx context.Context, unitID string) (*StopReport, error) {
	c, err := s.Client(ctx, unitID)
	if err != nil {
		return nil, err
	}

	rep := &StopReport{UnitID: unitID, Index: -1}

	if err := c.StopMeasurement(ctx); err != nil {
		s.metrics.IncCycle(unitID, cycleStop, "failure")
		return rep, err
	}
	rep.Stopped = true

	rep.FTPVerified = s.restartFTP(ctx, c)

	idx, err := c.StoreIndex(ctx)
	if err != nil {
		rep.DownloadError = err.Error()
		s.metrics.IncCycle(unitID, cycleStop, "success")
		return rep, nil
	}
	rep.Index = idx
	rep.Folder = fmt.Sprintf("Auto_%04d", idx)

	blob, err := c.DownloadRecordingZIP(ctx, rep.Folder)
	if err != nil {
		rep.DownloadError = err.Error()
	} else {
		rep.Archive = blob
		rep.ArchiveBytes = len(blob)
	}

	s.metrics.IncCycle(unitID, cycleStop, "success")
	s.logger.Info("stop cycle completed",
		slog.String("unit_id", unitID),
		slog.String("folder", rep.Folder),
		slog.Int("archive_bytes", rep.ArchiveBytes),
		slog.Bool("ftp_verified", rep.FTPVerified))

	return rep, nil
}

// restartFTP toggles the device FTP server off and on, then polls FTP?
// until it reports On or the readiness window closes. The off toggle and
// verification are best-effort; callers proceed either way.
func (s *Service) restartFTP(ctx context.Context, c *nl43.Client) bool {
	// Ignore the off-toggle result: a device that was already off answers
	// with a state error.
	_ = c.SetFTP(ctx, false)

	if err := c.SetFTP(ctx, true); err != nil {
		s.logger.Warn("ftp enable failed",
			slog.String("unit_id", c.UnitID()),
			slog.String("error", err.Error()))
		return false
	}

	deadline := time.Now().Add(ftpReadyTimeout)
	for time.Now().Before(deadline) {
		state, err := c.FTPState(ctx)
		if err == nil && state == "On" {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(ftpReadyPollInterval):
		}
	}

	s.logger.Warn("ftp server did not report ready",
		slog.String("unit_id", c.UnitID()))
	return false
}
