package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldacoustics/slmgate/internal/nl43"
)

// -------------------------------------------------------------------------
// Status Store — device_status row operations
// -------------------------------------------------------------------------

// UnreachableThreshold is the consecutive-failure count at which a device
// is marked unreachable.
const UnreachableThreshold = 3

// maxLastErrorBytes caps the stored last_error string.
const maxLastErrorBytes = 500

const statusColumns = `unit_id, last_seen, measurement_state, measurement_start_time,
	counter, lp, leq, lmax, lmin, lpeak,
	battery_level, power_source, sd_remaining_mb, sd_free_ratio, raw_payload,
	is_reachable, consecutive_failures, last_poll_attempt, last_success,
	last_error, start_time_sync_attempted`

// GetStatus returns one device's status row, or ErrNotFound.
func (s *Store) GetStatus(ctx context.Context, unitID string) (*DeviceStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+statusColumns+` FROM device_status WHERE unit_id = ?`, unitID)

	st, err := scanStatus(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("status %s: %w", unitID, ErrNotFound)
		}
		return nil, fmt.Errorf("get status %s: %w", unitID, err)
	}
	return st, nil
}

// ListStatuses returns every status row ordered by unit_id.
func (s *Store) ListStatuses(ctx context.Context) ([]DeviceStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+statusColumns+` FROM device_status ORDER BY unit_id`)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()

	var statuses []DeviceStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("list statuses: %w", err)
		}
		statuses = append(statuses, *st)
	}
	return statuses, rows.Err()
}

// ensureStatus lazily creates the status row inside tx.
func ensureStatus(ctx context.Context, tx *sql.Tx, unitID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO device_status (unit_id) VALUES (?)`, unitID)
	if err != nil {
		return fmt.Errorf("ensure status %s: %w", unitID, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Snapshot Merge
// -------------------------------------------------------------------------

// ApplySnapshot merges one parsed snapshot onto the device's status row in
// a single transaction.
//
// Transition rule: observing Stop followed by Start stamps
// measurement_start_time = now; leaving Start clears it and resets the
// sync-attempted flag. A Start first observed from the unknown state does
// NOT stamp: the measurement began before this process was watching, and
// the start-time synchronizer recovers the real time from the device's FTP
// listing. The measurement scalars, raw payload, and last_seen are
// overwritten unconditionally. On any persistence failure no fields change.
func (s *Store) ApplySnapshot(ctx context.Context, snap *nl43.Snapshot, now time.Time) error {
	now = now.UTC()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureStatus(ctx, tx, snap.UnitID); err != nil {
			return err
		}

		var prev string
		if err := tx.QueryRowContext(ctx,
			`SELECT measurement_state FROM device_status WHERE unit_id = ?`,
			snap.UnitID).Scan(&prev); err != nil {
			return fmt.Errorf("read prior state %s: %w", snap.UnitID, err)
		}

		next := snap.MeasurementState

		_, err := tx.ExecContext(ctx, `
			UPDATE device_status SET
				last_seen = ?, measurement_state = ?,
				counter = ?, lp = ?, leq = ?, lmax = ?, lmin = ?, lpeak = ?,
				raw_payload = ?
			WHERE unit_id = ?`,
			now, next,
			nullStr(snap.Counter), nullStr(snap.Lp), nullStr(snap.Leq),
			nullStr(snap.Lmax), nullStr(snap.Lmin), nullStr(snap.Lpeak),
			nullStr(snap.RawPayload),
			snap.UnitID)
		if err != nil {
			return fmt.Errorf("merge snapshot %s: %w", snap.UnitID, err)
		}

		switch {
		case prev != nl43.StateStart && next == nl43.StateStart:
			if prev == nl43.StateStop {
				if _, err := tx.ExecContext(ctx,
					`UPDATE device_status SET measurement_start_time = ? WHERE unit_id = ?`,
					now, snap.UnitID); err != nil {
					return fmt.Errorf("stamp start time %s: %w", snap.UnitID, err)
				}
			}
			if err := addLogTx(ctx, tx, snap.UnitID, now, LevelInfo, CategoryState,
				"measurement started"); err != nil {
				return err
			}
			s.logger.Info("measurement started", slog.String("unit_id", snap.UnitID))

		case prev == nl43.StateStart && next != nl43.StateStart:
			if _, err := tx.ExecContext(ctx, `
				UPDATE device_status SET
					measurement_start_time = NULL,
					start_time_sync_attempted = 0
				WHERE unit_id = ?`, snap.UnitID); err != nil {
				return fmt.Errorf("clear start time %s: %w", snap.UnitID, err)
			}
			if err := addLogTx(ctx, tx, snap.UnitID, now, LevelInfo, CategoryState,
				"measurement stopped"); err != nil {
				return err
			}
			s.logger.Info("measurement stopped", slog.String("unit_id", snap.UnitID))
		}

		return nil
	})
}

// ApplyStatusUpdate applies a partial external status write: only provided
// fields change, and last_seen is stamped. The row is created if absent.
func (s *Store) ApplyStatusUpdate(ctx context.Context, unitID string, upd StatusUpdate, now time.Time) error {
	now = now.UTC()

	set := "last_seen = ?"
	args := []any{now}

	add := func(col string, v *string) {
		if v != nil {
			set += ", " + col + " = ?"
			args = append(args, nullStr(*v))
		}
	}
	if upd.MeasurementState != nil {
		set += ", measurement_state = ?"
		args = append(args, *upd.MeasurementState)
	}
	add("counter", upd.Counter)
	add("lp", upd.Lp)
	add("leq", upd.Leq)
	add("lmax", upd.Lmax)
	add("lmin", upd.Lmin)
	add("lpeak", upd.Lpeak)
	add("battery_level", upd.BatteryLevel)
	add("power_source", upd.PowerSource)
	add("sd_remaining_mb", upd.SDRemainingMB)
	add("sd_free_ratio", upd.SDFreeRatio)
	add("raw_payload", upd.RawPayload)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureStatus(ctx, tx, unitID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE device_status SET `+set+` WHERE unit_id = ?`,
			append(args, unitID)...); err != nil {
			return fmt.Errorf("update status %s: %w", unitID, err)
		}
		return nil
	})
}

// -------------------------------------------------------------------------
// Poll Bookkeeping
// -------------------------------------------------------------------------

// MarkPollAttempt stamps last_poll_attempt before the poll executes, so a
// hung device does not make itself due again immediately.
func (s *Store) MarkPollAttempt(ctx context.Context, unitID string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureStatus(ctx, tx, unitID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE device_status SET last_poll_attempt = ? WHERE unit_id = ?`,
			now.UTC(), unitID); err != nil {
			return fmt.Errorf("mark poll attempt %s: %w", unitID, err)
		}
		return nil
	})
}

// MarkPollSuccess records a successful poll: reachable, zero failures,
// last_success stamped, last_error cleared. Returns true when the device
// transitioned from unreachable back to reachable.
func (s *Store) MarkPollSuccess(ctx context.Context, unitID string, now time.Time) (recovered bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureStatus(ctx, tx, unitID); err != nil {
			return err
		}

		var wasReachable bool
		var failures int
		if err := tx.QueryRowContext(ctx,
			`SELECT is_reachable, consecutive_failures FROM device_status WHERE unit_id = ?`,
			unitID).Scan(&wasReachable, &failures); err != nil {
			return fmt.Errorf("read reachability %s: %w", unitID, err)
		}
		recovered = !wasReachable && failures >= UnreachableThreshold

		if _, err := tx.ExecContext(ctx, `
			UPDATE device_status SET
				is_reachable = 1,
				consecutive_failures = 0,
				last_success = ?,
				last_error = NULL
			WHERE unit_id = ?`, now.UTC(), unitID); err != nil {
			return fmt.Errorf("mark poll success %s: %w", unitID, err)
		}

		if recovered {
			if err := addLogTx(ctx, tx, unitID, now.UTC(), LevelInfo, CategoryPoll,
				"device reachable again"); err != nil {
				return err
			}
		}
		return nil
	})
	return recovered, err
}

// MarkPollFailure increments the failure counter and records the error
// (truncated to 500 bytes). The device is marked unreachable on the step
// that brings the counter to the threshold; that transition is reported
// exactly once via becameUnreachable.
func (s *Store) MarkPollFailure(ctx context.Context, unitID string, now time.Time, cause string) (failures int, becameUnreachable bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureStatus(ctx, tx, unitID); err != nil {
			return err
		}

		if err := tx.QueryRowContext(ctx,
			`SELECT consecutive_failures FROM device_status WHERE unit_id = ?`,
			unitID).Scan(&failures); err != nil {
			return fmt.Errorf("read failure count %s: %w", unitID, err)
		}

		failures++
		becameUnreachable = failures == UnreachableThreshold

		if _, err := tx.ExecContext(ctx, `
			UPDATE device_status SET
				consecutive_failures = ?,
				last_error = ?,
				is_reachable = CASE WHEN ? >= ? THEN 0 ELSE is_reachable END
			WHERE unit_id = ?`,
			failures, truncateBytes(cause, maxLastErrorBytes),
			failures, UnreachableThreshold, unitID); err != nil {
			return fmt.Errorf("mark poll failure %s: %w", unitID, err)
		}

		if becameUnreachable {
			if err := addLogTx(ctx, tx, unitID, now.UTC(), LevelWarning, CategoryPoll,
				fmt.Sprintf("device unreachable after %d consecutive failures", failures)); err != nil {
				return err
			}
		}
		return nil
	})
	return failures, becameUnreachable, err
}

// -------------------------------------------------------------------------
// Start-Time Sync Bookkeeping
// -------------------------------------------------------------------------

// SetStartTime records a recovered measurement start time (UTC).
func (s *Store) SetStartTime(ctx context.Context, unitID string, t time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureStatus(ctx, tx, unitID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE device_status SET measurement_start_time = ? WHERE unit_id = ?`,
			t.UTC(), unitID); err != nil {
			return fmt.Errorf("set start time %s: %w", unitID, err)
		}
		return nil
	})
}

// SetSyncAttempted flags whether a start-time sync has been tried for the
// current measurement session.
func (s *Store) SetSyncAttempted(ctx context.Context, unitID string, attempted bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureStatus(ctx, tx, unitID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE device_status SET start_time_sync_attempted = ? WHERE unit_id = ?`,
			attempted, unitID); err != nil {
			return fmt.Errorf("set sync attempted %s: %w", unitID, err)
		}
		return nil
	})
}

// RecordLastError stores an operation error on the status row without
// touching the failure counter. Used by the start-time synchronizer.
func (s *Store) RecordLastError(ctx context.Context, unitID, cause string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureStatus(ctx, tx, unitID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE device_status SET last_error = ? WHERE unit_id = ?`,
			truncateBytes(cause, maxLastErrorBytes), unitID); err != nil {
			return fmt.Errorf("record last error %s: %w", unitID, err)
		}
		return nil
	})
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// truncateBytes caps s at n bytes. The cut can land mid-rune; that is
// acceptable for stored error text, which is read back as-is.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// scanStatus scans one status row from either *sql.Row or *sql.Rows.
func scanStatus(row interface{ Scan(...any) error }) (*DeviceStatus, error) {
	var st DeviceStatus
	var (
		lastSeen, startTime, pollAttempt, lastSuccess     sql.NullTime
		counter, lp, leq, lmax, lmin, lpeak               sql.NullString
		battery, power, sdRemaining, sdRatio, raw, lastEr sql.NullString
	)

	if err := row.Scan(
		&st.UnitID, &lastSeen, &st.MeasurementState, &startTime,
		&counter, &lp, &leq, &lmax, &lmin, &lpeak,
		&battery, &power, &sdRemaining, &sdRatio, &raw,
		&st.IsReachable, &st.ConsecutiveFailures, &pollAttempt, &lastSuccess,
		&lastEr, &st.StartTimeSyncAttempted,
	); err != nil {
		return nil, err
	}

	st.LastSeen = timePtr(lastSeen)
	st.MeasurementStartTime = timePtr(startTime)
	st.LastPollAttempt = timePtr(pollAttempt)
	st.LastSuccess = timePtr(lastSuccess)
	st.Counter = counter.String
	st.Lp = lp.String
	st.Leq = leq.String
	st.Lmax = lmax.String
	st.Lmin = lmin.String
	st.Lpeak = lpeak.String
	st.BatteryLevel = battery.String
	st.PowerSource = power.String
	st.SDRemainingMB = sdRemaining.String
	st.SDFreeRatio = sdRatio.String
	st.RawPayload = raw.String
	st.LastError = lastEr.String
	return &st, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}
