package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// -------------------------------------------------------------------------
// Registry Errors
// -------------------------------------------------------------------------

var (
	// ErrNotFound indicates the requested unit has no row.
	ErrNotFound = errors.New("unit not found")

	// ErrInvalidPort indicates a port outside 1..65535.
	ErrInvalidPort = errors.New("port must be between 1 and 65535")

	// ErrInvalidPollInterval indicates a poll interval outside 10..3600 s.
	ErrInvalidPollInterval = errors.New("poll interval must be between 10 and 3600 seconds")

	// ErrEmptyHost indicates a config without a host.
	ErrEmptyHost = errors.New("host must not be empty")
)

// -------------------------------------------------------------------------
// Registry — device_config CRUD
// -------------------------------------------------------------------------

const configColumns = `unit_id, host, tcp_port, ftp_port, tcp_enabled, ftp_enabled,
	ftp_username, ftp_password, poll_interval_seconds, poll_enabled`

// ListConfigs returns every registered device ordered by unit_id.
func (s *Store) ListConfigs(ctx context.Context) ([]DeviceConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM device_config ORDER BY unit_id`)
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	defer rows.Close()

	var configs []DeviceConfig
	for rows.Next() {
		var c DeviceConfig
		if err := scanConfig(rows, &c); err != nil {
			return nil, fmt.Errorf("list configs: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// GetConfig returns one device's registry row, or ErrNotFound.
func (s *Store) GetConfig(ctx context.Context, unitID string) (*DeviceConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM device_config WHERE unit_id = ?`, unitID)

	var c DeviceConfig
	if err := scanConfig(row, &c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("config %s: %w", unitID, ErrNotFound)
		}
		return nil, fmt.Errorf("get config %s: %w", unitID, err)
	}
	return &c, nil
}

// ApplyConfig upserts a device's registry row. The update is partial: nil
// fields keep the current value, or the documented default when the row is
// being created.
func (s *Store) ApplyConfig(ctx context.Context, unitID string, upd ConfigUpdate) (*DeviceConfig, error) {
	cur, err := s.GetConfig(ctx, unitID)
	if errors.Is(err, ErrNotFound) {
		cur = defaultConfig(unitID)
	} else if err != nil {
		return nil, err
	}

	applyConfigUpdate(cur, upd)

	if err := validateConfig(cur); err != nil {
		return nil, fmt.Errorf("config %s: %w", unitID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO device_config (`+configColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(unit_id) DO UPDATE SET
			host = excluded.host,
			tcp_port = excluded.tcp_port,
			ftp_port = excluded.ftp_port,
			tcp_enabled = excluded.tcp_enabled,
			ftp_enabled = excluded.ftp_enabled,
			ftp_username = excluded.ftp_username,
			ftp_password = excluded.ftp_password,
			poll_interval_seconds = excluded.poll_interval_seconds,
			poll_enabled = excluded.poll_enabled`,
		cur.UnitID, cur.Host, cur.TCPPort, cur.FTPPort, cur.TCPEnabled,
		cur.FTPEnabled, cur.FTPUsername, cur.FTPPassword,
		cur.PollIntervalSeconds, cur.PollEnabled)
	if err != nil {
		return nil, fmt.Errorf("apply config %s: %w", unitID, err)
	}

	s.logger.Info("config applied",
		slog.String("unit_id", unitID),
		slog.String("host", cur.Host))
	return cur, nil
}

// DeleteConfig removes a device and cascades to its status and log rows.
func (s *Store) DeleteConfig(ctx context.Context, unitID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM device_config WHERE unit_id = ?`, unitID)
		if err != nil {
			return fmt.Errorf("delete config %s: %w", unitID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("config %s: %w", unitID, ErrNotFound)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM device_status WHERE unit_id = ?`, unitID); err != nil {
			return fmt.Errorf("delete status %s: %w", unitID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM device_log WHERE unit_id = ?`, unitID); err != nil {
			return fmt.Errorf("delete logs %s: %w", unitID, err)
		}

		s.logger.Info("device deleted", slog.String("unit_id", unitID))
		return nil
	})
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func defaultConfig(unitID string) *DeviceConfig {
	return &DeviceConfig{
		UnitID:              unitID,
		Host:                DefaultHost,
		TCPPort:             DefaultTCPPort,
		FTPPort:             DefaultFTPPort,
		TCPEnabled:          true,
		FTPEnabled:          true,
		FTPUsername:         DefaultFTPUsername,
		FTPPassword:         DefaultFTPPassword,
		PollIntervalSeconds: DefaultPollInterval,
		PollEnabled:         true,
	}
}

func applyConfigUpdate(c *DeviceConfig, upd ConfigUpdate) {
	if upd.Host != nil {
		c.Host = *upd.Host
	}
	if upd.TCPPort != nil {
		c.TCPPort = *upd.TCPPort
	}
	if upd.FTPPort != nil {
		c.FTPPort = *upd.FTPPort
	}
	if upd.TCPEnabled != nil {
		c.TCPEnabled = *upd.TCPEnabled
	}
	if upd.FTPEnabled != nil {
		c.FTPEnabled = *upd.FTPEnabled
	}
	if upd.FTPUsername != nil {
		c.FTPUsername = *upd.FTPUsername
	}
	if upd.FTPPassword != nil {
		c.FTPPassword = *upd.FTPPassword
	}
	if upd.PollIntervalSeconds != nil {
		c.PollIntervalSeconds = *upd.PollIntervalSeconds
	}
	if upd.PollEnabled != nil {
		c.PollEnabled = *upd.PollEnabled
	}
}

func validateConfig(c *DeviceConfig) error {
	if c.Host == "" {
		return ErrEmptyHost
	}
	if c.TCPPort < 1 || c.TCPPort > 65535 {
		return fmt.Errorf("tcp_port %d: %w", c.TCPPort, ErrInvalidPort)
	}
	if c.FTPPort < 1 || c.FTPPort > 65535 {
		return fmt.Errorf("ftp_port %d: %w", c.FTPPort, ErrInvalidPort)
	}
	if c.PollIntervalSeconds < MinPollInterval || c.PollIntervalSeconds > MaxPollInterval {
		return fmt.Errorf("poll_interval_seconds %d: %w",
			c.PollIntervalSeconds, ErrInvalidPollInterval)
	}
	return nil
}

// scanConfig scans one config row from either *sql.Row or *sql.Rows.
func scanConfig(row interface{ Scan(...any) error }, c *DeviceConfig) error {
	return row.Scan(
		&c.UnitID, &c.Host, &c.TCPPort, &c.FTPPort, &c.TCPEnabled,
		&c.FTPEnabled, &c.FTPUsername, &c.FTPPassword,
		&c.PollIntervalSeconds, &c.PollEnabled)
}
