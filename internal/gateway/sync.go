package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldacoustics/slmgate/internal/store"
)

// -------------------------------------------------------------------------
// Start-Time Synchronizer
// -------------------------------------------------------------------------

// NeedsStartTimeSync evaluates the synchronizer precondition against a
// status row: the device is measuring, no start time is recorded, no sync
// has been tried for this session, and FTP access is enabled.
func NeedsStartTimeSync(cfg *store.DeviceConfig, st *store.DeviceStatus) bool {
	return st.MeasurementState == "Start" &&
		st.MeasurementStartTime == nil &&
		!st.StartTimeSyncAttempted &&
		cfg.FTPEnabled
}

// SyncStartTime reconstructs the running measurement's start time from the
// modification timestamp of the newest recording folder on the device.
//
// The sync-attempted flag is set before anything touches the device, so a
// failure is not retried within the same measurement session; the flag
// resets when the session ends. Failures are recorded on the status row
// and returned; callers in the poll loop swallow them.
func (s *Service) SyncStartTime(ctx context.Context, unitID string) (time.Time, error) {
	cfg, err := s.store.GetConfig(ctx, unitID)
	if err != nil {
		return time.Time{}, err
	}
	if !cfg.FTPEnabled {
		return time.Time{}, fmt.Errorf("unit %s: %w", unitID, ErrFTPDisabled)
	}

	if err := s.store.SetSyncAttempted(ctx, unitID, true); err != nil {
		return time.Time{}, err
	}

	c := s.clientFor(cfg)

	// Restart the embedded FTP server first: it wedges across long
	// measurement sessions and a toggle resets it.
	if cfg.TCPEnabled {
		s.restartFTP(ctx, c)
	}

	ts, err := c.NewestRecordingTime(ctx)
	if err != nil {
		s.recordSyncFailure(ctx, unitID, err)
		return time.Time{}, err
	}

	if err := s.store.SetStartTime(ctx, unitID, ts); err != nil {
		s.recordSyncFailure(ctx, unitID, err)
		return time.Time{}, err
	}

	s.logger.Info("start time recovered",
		slog.String("unit_id", unitID),
		slog.Time("start_time", ts))
	s.store.DeviceEvent(unitID, store.LevelInfo, store.CategorySync,
		"start time recovered from FTP: "+ts.Format(time.RFC3339))

	return ts, nil
}

func (s *Service) recordSyncFailure(ctx context.Context, unitID string, cause error) {
	if err := s.store.RecordLastError(ctx, unitID, cause.Error()); err != nil {
		s.logger.Warn("sync failure not recorded",
			slog.String("unit_id", unitID),
			slog.String("error", err.Error()))
	}
	s.store.DeviceEvent(unitID, store.LevelError, store.CategorySync,
		"start time sync failed: "+cause.Error())
}
