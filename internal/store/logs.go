package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// -------------------------------------------------------------------------
// Device Log — durable per-device event trail
// -------------------------------------------------------------------------

// DefaultLogLimit is the page size when a log query gives no limit.
const DefaultLogLimit = 100

// AddLog appends one device_log row, stamped now (UTC).
func (s *Store) AddLog(ctx context.Context, unitID, level, category, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_log (unit_id, timestamp, level, category, message)
		 VALUES (?, ?, ?, ?, ?)`,
		unitID, time.Now().UTC(), level, category, message)
	if err != nil {
		return fmt.Errorf("add log %s: %w", unitID, err)
	}
	return nil
}

// addLogTx appends a log row inside an existing transaction.
func addLogTx(ctx context.Context, tx *sql.Tx, unitID string, ts time.Time, level, category, message string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO device_log (unit_id, timestamp, level, category, message)
		 VALUES (?, ?, ?, ?, ?)`,
		unitID, ts, level, category, message)
	if err != nil {
		return fmt.Errorf("add log %s: %w", unitID, err)
	}
	return nil
}

// DeviceEvent implements the device client's event sink on the store.
// Write failures are logged, never surfaced: an unloggable event must not
// fail the operation that produced it.
func (s *Store) DeviceEvent(unitID, level, category, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.AddLog(ctx, unitID, level, category, message); err != nil {
		s.logger.Warn("device event not persisted",
			slog.String("unit_id", unitID),
			slog.String("error", err.Error()))
	}
}

// QueryLogs returns a device's log rows, newest first, narrowed by the
// filter.
func (s *Store) QueryLogs(ctx context.Context, unitID string, f LogFilter) ([]LogEntry, error) {
	q := `SELECT id, unit_id, timestamp, level, category, message
	      FROM device_log WHERE unit_id = ?`
	args := []any{unitID}

	if f.Level != "" {
		q += ` AND level = ?`
		args = append(args, f.Level)
	}
	if f.Category != "" {
		q += ` AND category = ?`
		args = append(args, f.Category)
	}
	if !f.Since.IsZero() {
		q += ` AND timestamp >= ?`
		args = append(args, f.Since.UTC())
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	q += ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs %s: %w", unitID, err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.UnitID, &e.Timestamp, &e.Level,
			&e.Category, &e.Message); err != nil {
			return nil, fmt.Errorf("query logs %s: %w", unitID, err)
		}
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LogStatsFor summarizes one device's log rows: totals by level and
// category plus the time span covered.
func (s *Store) LogStatsFor(ctx context.Context, unitID string) (*LogStats, error) {
	stats := &LogStats{
		ByLevel:    make(map[string]int64),
		ByCategory: make(map[string]int64),
	}

	var oldest, newest sql.NullTime
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(timestamp), MAX(timestamp)
		 FROM device_log WHERE unit_id = ?`, unitID).
		Scan(&stats.Total, &oldest, &newest); err != nil {
		return nil, fmt.Errorf("log stats %s: %w", unitID, err)
	}
	stats.Oldest = timePtr(oldest)
	stats.Newest = timePtr(newest)

	if err := s.countsBy(ctx, unitID, "level", stats.ByLevel); err != nil {
		return nil, err
	}
	if err := s.countsBy(ctx, unitID, "category", stats.ByCategory); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) countsBy(ctx context.Context, unitID, column string, into map[string]int64) error {
	// column is one of the fixed identifiers "level"/"category", never
	// caller input.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM device_log WHERE unit_id = ? GROUP BY `+column,
		unitID)
	if err != nil {
		return fmt.Errorf("log stats %s by %s: %w", unitID, column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("log stats %s by %s: %w", unitID, column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// PurgeLogs deletes log rows older than the cutoff. Returns the number of
// rows removed.
func (s *Store) PurgeLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM device_log WHERE timestamp < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge logs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("device logs purged",
			slog.Int64("rows", n),
			slog.Time("older_than", olderThan.UTC()))
	}
	return n, nil
}
