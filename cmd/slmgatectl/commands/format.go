// Package commands implements the slmgatectl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNA     = "N/A"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// -------------------------------------------------------------------------
// API view types (mirror the daemon's JSON shapes)
// -------------------------------------------------------------------------

type deviceView struct {
	UnitID              string `json:"unit_id"`
	Host                string `json:"host"`
	TCPPort             int    `json:"tcp_port"`
	FTPPort             int    `json:"ftp_port"`
	TCPEnabled          bool   `json:"tcp_enabled"`
	FTPEnabled          bool   `json:"ftp_enabled"`
	FTPUsername         string `json:"ftp_username"`
	FTPPassword         string `json:"ftp_password"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	PollEnabled         bool   `json:"poll_enabled"`
}

type statusView struct {
	UnitID               string     `json:"unit_id"`
	LastSeen             *time.Time `json:"last_seen"`
	MeasurementState     string     `json:"measurement_state"`
	MeasurementStartTime *time.Time `json:"measurement_start_time"`
	Counter              string     `json:"counter,omitempty"`
	Lp                   string     `json:"lp,omitempty"`
	Leq                  string     `json:"leq,omitempty"`
	Lmax                 string     `json:"lmax,omitempty"`
	Lmin                 string     `json:"lmin,omitempty"`
	Lpeak                string     `json:"lpeak,omitempty"`
	BatteryLevel         string     `json:"battery_level,omitempty"`
	PowerSource          string     `json:"power_source,omitempty"`
	SDRemainingMB        string     `json:"sd_remaining_mb,omitempty"`
	SDFreeRatio          string     `json:"sd_free_ratio,omitempty"`
	IsReachable          bool       `json:"is_reachable"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	LastError            string     `json:"last_error,omitempty"`
}

type logView struct {
	ID        int64     `json:"id"`
	UnitID    string    `json:"unit_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
}

type sampleView struct {
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
}

type startReportView struct {
	UnitID      string `json:"unit_id"`
	ClockSynced bool   `json:"clock_synced"`
	OldIndex    int    `json:"old_index"`
	NewIndex    int    `json:"new_index"`
	Attempts    int    `json:"attempts"`
	Started     bool   `json:"started"`
}

type stopReportView struct {
	UnitID        string `json:"unit_id"`
	Stopped       bool   `json:"stopped"`
	FTPVerified   bool   `json:"ftp_verified"`
	Index         int    `json:"index"`
	Folder        string `json:"folder,omitempty"`
	ArchiveBytes  int    `json:"archive_bytes"`
	DownloadError string `json:"download_error,omitempty"`
}

// -------------------------------------------------------------------------
// Dispatchers
// -------------------------------------------------------------------------

func formatDevices(devices []deviceView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(devices)
	case formatTable:
		return formatDevicesTable(devices)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatDevice(d *deviceView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(d)
	case formatTable:
		return formatDeviceDetail(d)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatStatuses(statuses []statusView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(statuses)
	case formatTable:
		return formatStatusesTable(statuses)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatStatus(s *statusView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(s)
	case formatTable:
		return formatStatusDetail(s)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatLogs(logs []logView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(logs)
	case formatTable:
		return formatLogsTable(logs)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatSample(s *sampleView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(s)
	case formatTable:
		return formatSampleLine(s), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// -------------------------------------------------------------------------
// Table formatters
// -------------------------------------------------------------------------

func formatDevicesTable(devices []deviceView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tHOST\tTCP\tFTP\tPOLL\tINTERVAL")

	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s:%d\t%s\t%s\t%s\t%ds\n",
			d.UnitID,
			d.Host, d.TCPPort,
			onOff(d.TCPEnabled),
			onOff(d.FTPEnabled),
			onOff(d.PollEnabled),
			d.PollIntervalSeconds,
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatDeviceDetail(d *deviceView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Unit ID:\t%s\n", d.UnitID)
	fmt.Fprintf(w, "Host:\t%s\n", d.Host)
	fmt.Fprintf(w, "TCP Port:\t%d\n", d.TCPPort)
	fmt.Fprintf(w, "FTP Port:\t%d\n", d.FTPPort)
	fmt.Fprintf(w, "TCP Enabled:\t%t\n", d.TCPEnabled)
	fmt.Fprintf(w, "FTP Enabled:\t%t\n", d.FTPEnabled)
	fmt.Fprintf(w, "FTP Username:\t%s\n", d.FTPUsername)
	fmt.Fprintf(w, "Poll Interval:\t%ds\n", d.PollIntervalSeconds)
	fmt.Fprintf(w, "Poll Enabled:\t%t\n", d.PollEnabled)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatStatusesTable(statuses []statusView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tREACHABLE\tSTATE\tLEQ\tBATTERY\tLAST-SEEN")

	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\t%s\n",
			s.UnitID,
			s.IsReachable,
			orNA(s.MeasurementState),
			orNA(s.Leq),
			orNA(s.BatteryLevel),
			timeOrNA(s.LastSeen),
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatStatusDetail(s *statusView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Unit ID:\t%s\n", s.UnitID)
	fmt.Fprintf(w, "Reachable:\t%t\n", s.IsReachable)
	fmt.Fprintf(w, "Last Seen:\t%s\n", timeOrNA(s.LastSeen))
	fmt.Fprintf(w, "State:\t%s\n", orNA(s.MeasurementState))
	fmt.Fprintf(w, "Started At:\t%s\n", timeOrNA(s.MeasurementStartTime))
	fmt.Fprintf(w, "Counter:\t%s\n", orNA(s.Counter))
	fmt.Fprintf(w, "Lp:\t%s\n", orNA(s.Lp))
	fmt.Fprintf(w, "Leq:\t%s\n", orNA(s.Leq))
	fmt.Fprintf(w, "Lmax:\t%s\n", orNA(s.Lmax))
	fmt.Fprintf(w, "Lmin:\t%s\n", orNA(s.Lmin))
	fmt.Fprintf(w, "Lpeak:\t%s\n", orNA(s.Lpeak))
	fmt.Fprintf(w, "Battery:\t%s\n", orNA(s.BatteryLevel))
	fmt.Fprintf(w, "Power Source:\t%s\n", orNA(s.PowerSource))
	fmt.Fprintf(w, "SD Remaining:\t%s MB\n", orNA(s.SDRemainingMB))

	if s.ConsecutiveFailures > 0 {
		fmt.Fprintf(w, "Consecutive Failures:\t%d\n", s.ConsecutiveFailures)
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "Last Error:\t%s\n", s.LastError)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatLogsTable(logs []logView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tLEVEL\tCATEGORY\tMESSAGE")

	for _, l := range logs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			l.Timestamp.Format(time.RFC3339),
			l.Level,
			l.Category,
			l.Message,
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatSampleLine(s *sampleView) string {
	return fmt.Sprintf("[%s] %s  state=%s  counter=%s  lp=%s  leq=%s  lmax=%s  lmin=%s  lpeak=%s",
		s.Timestamp.Format(time.RFC3339),
		s.UnitID,
		orNA(s.MeasurementState),
		orNA(s.Counter),
		orNA(s.Lp),
		orNA(s.Leq),
		orNA(s.Lmax),
		orNA(s.Lmin),
		orNA(s.Lpeak),
	)
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}

	return string(data), nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func orNA(s string) string {
	if s == "" {
		return valueNA
	}
	return s
}

func timeOrNA(t *time.Time) string {
	if t == nil {
		return valueNA
	}
	return t.Format(time.RFC3339)
}
