package store

import "time"

// -------------------------------------------------------------------------
// Registry Models
// -------------------------------------------------------------------------

// Registry defaults applied when a field is omitted on create.
const (
	DefaultHost         = "127.0.0.1"
	DefaultTCPPort      = 2255
	DefaultFTPPort      = 21
	DefaultFTPUsername  = "USER"
	DefaultFTPPassword  = "0000"
	DefaultPollInterval = 60
)

// Poll interval bounds in seconds.
const (
	MinPollInterval = 10
	MaxPollInterval = 3600
)

// DeviceConfig is one registry row: how to reach a device and how to poll it.
type DeviceConfig struct {
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

// ConfigUpdate is a partial registry mutation: nil fields keep their
// current (or default) value.
type ConfigUpdate struct {
	Host                *string `json:"host"`
	TCPPort             *int    `json:"tcp_port"`
	FTPPort             *int    `json:"ftp_port"`
	TCPEnabled          *bool   `json:"tcp_enabled"`
	FTPEnabled          *bool   `json:"ftp_enabled"`
	FTPUsername         *string `json:"ftp_username"`
	FTPPassword         *string `json:"ftp_password"`
	PollIntervalSeconds *int    `json:"poll_interval_seconds"`
	PollEnabled         *bool   `json:"poll_enabled"`
}

// -------------------------------------------------------------------------
// Status Models
// -------------------------------------------------------------------------

// DeviceStatus is the last-known state of one device. Pointer fields are
// absent until first observed.
type DeviceStatus struct {
	UnitID                 string     `json:"unit_id"`
	LastSeen               *time.Time `json:"last_seen"`
	MeasurementState       string     `json:"measurement_state"`
	MeasurementStartTime   *time.Time `json:"measurement_start_time"`
	Counter                string     `json:"counter,omitempty"`
	Lp                     string     `json:"lp,omitempty"`
	Leq                    string     `json:"leq,omitempty"`
	Lmax                   string     `json:"lmax,omitempty"`
	Lmin                   string     `json:"lmin,omitempty"`
	Lpeak                  string     `json:"lpeak,omitempty"`
	BatteryLevel           string     `json:"battery_level,omitempty"`
	PowerSource            string     `json:"power_source,omitempty"`
	SDRemainingMB          string     `json:"sd_remaining_mb,omitempty"`
	SDFreeRatio            string     `json:"sd_free_ratio,omitempty"`
	RawPayload             string     `json:"raw_payload,omitempty"`
	IsReachable            bool       `json:"is_reachable"`
	ConsecutiveFailures    int        `json:"consecutive_failures"`
	LastPollAttempt        *time.Time `json:"last_poll_attempt"`
	LastSuccess            *time.Time `json:"last_success"`
	LastError              string     `json:"last_error,omitempty"`
	StartTimeSyncAttempted bool       `json:"start_time_sync_attempted"`
}

// StatusUpdate is a partial status mutation used by external writers.
// Nil fields are untouched; last_seen is stamped on every apply.
type StatusUpdate struct {
	MeasurementState *string `json:"measurement_state"`
	Counter          *string `json:"counter"`
	Lp               *string `json:"lp"`
	Leq              *string `json:"leq"`
	Lmax             *string `json:"lmax"`
	Lmin             *string `json:"lmin"`
	Lpeak            *string `json:"lpeak"`
	BatteryLevel     *string `json:"battery_level"`
	PowerSource      *string `json:"power_source"`
	SDRemainingMB    *string `json:"sd_remaining_mb"`
	SDFreeRatio      *string `json:"sd_free_ratio"`
	RawPayload       *string `json:"raw_payload"`
}

// -------------------------------------------------------------------------
// Log Models
// -------------------------------------------------------------------------

// Device log levels.
const (
	LevelDebug   = "DEBUG"
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// Device log categories.
const (
	CategoryTCP     = "TCP"
	CategoryFTP     = "FTP"
	CategoryPoll    = "POLL"
	CategoryCommand = "COMMAND"
	CategoryState   = "STATE"
	CategorySync    = "SYNC"
	CategoryGeneral = "GENERAL"
)

// LogEntry is one device_log row.
type LogEntry struct {
	ID        int64     `json:"id"`
	UnitID    string    `json:"unit_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
}

// LogFilter narrows a log query. Zero values mean "no filter"; Limit 0
// means the default page size.
type LogFilter struct {
	Level    string
	Category string
	Since    time.Time
	Limit    int
	Offset   int
}

// LogStats summarizes one device's log rows.
type LogStats struct {
	Total      int64            `json:"total"`
	ByLevel    map[string]int64 `json:"by_level"`
	ByCategory map[string]int64 `json:"by_category"`
	Oldest     *time.Time       `json:"oldest"`
	Newest     *time.Time       `json:"newest"`
}
