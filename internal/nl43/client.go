package nl43

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

const (
	// DefaultConnectTimeout bounds the TCP connect to the control port.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultExchangeTimeout bounds a single command exchange (connect
	// included) when the caller's context carries no deadline.
	DefaultExchangeTimeout = 5 * time.Second

	// DefaultTCPPort is the NL-43 control port.
	DefaultTCPPort = 2255
)

// -------------------------------------------------------------------------
// Metrics & Event Reporting
// -------------------------------------------------------------------------

// MetricsReporter receives device interaction events for monitoring.
// Implementations must be safe for concurrent use. The metrics package
// provides the Prometheus-backed implementation.
type MetricsReporter interface {
	// ObserveCommand records a completed command exchange and its duration.
	ObserveCommand(unitID string, d time.Duration)

	// IncCommandError records a failed command exchange by error kind.
	IncCommandError(unitID, kind string)

	// IncStreamLines records delivered DRD stream lines.
	IncStreamLines(unitID string, n int)

	// SetStreamActive flags whether a DRD stream is running for the unit.
	SetStreamActive(unitID string, active bool)

	// IncFTPTransfers records completed FTP file retrievals.
	IncFTPTransfers(unitID string, n int)
}

// noopMetrics is the default reporter when none is configured.
type noopMetrics struct{}

func (noopMetrics) ObserveCommand(string, time.Duration) {}
func (noopMetrics) IncCommandError(string, string)       {}
func (noopMetrics) IncStreamLines(string, int)           {}
func (noopMetrics) SetStreamActive(string, bool)         {}
func (noopMetrics) IncFTPTransfers(string, int)          {}

// EventSink receives per-device events for the durable device log.
// Implementations must never block for long; the store-backed sink writes
// asynchronously-safe single rows. A nil sink is replaced with a no-op.
type EventSink interface {
	DeviceEvent(unitID, level, category, message string)
}

// noopSink discards device events.
type noopSink struct{}

func (noopSink) DeviceEvent(string, string, string, string) {}

// -------------------------------------------------------------------------
// Client
// -------------------------------------------------------------------------

// ClientConfig carries the connection parameters for one device.
type ClientConfig struct {
	// UnitID identifies the device in the registry and on every lock and
	// rate-governor key.
	UnitID string

	// Host is the device's IP address or hostname.
	Host string

	// TCPPort is the control protocol port (default 2255).
	TCPPort int

	// FTPPort is the device FTP server port (default 21).
	FTPPort int

	// FTPUsername and FTPPassword are the FTP credentials
	// (device defaults: "USER" / "0000").
	FTPUsername string
	FTPPassword string
}

// Client issues commands to a single NL-43 device. Every TCP interaction is
// serialized behind the shared LockTable and paced by the shared Governor,
// guaranteeing at most one live session per unit and >= 1s between commands.
//
// A Client is cheap: it holds no connection. Each exchange opens a fresh
// TCP connection and closes it before returning.
type Client struct {
	cfg     ClientConfig
	gov     *Governor
	locks   *LockTable
	logger  *slog.Logger
	metrics MetricsReporter
	events  EventSink

	connectTimeout  time.Duration
	exchangeTimeout time.Duration

	// loc is the device-local timezone used to interpret FTP timestamps.
	loc *time.Location
}

// ClientOption configures optional Client parameters.
type ClientOption func(*Client)

// WithMetrics attaches a MetricsReporter. A nil reporter keeps the no-op.
func WithMetrics(mr MetricsReporter) ClientOption {
	return func(c *Client) {
		if mr != nil {
			c.metrics = mr
		}
	}
}

// WithEventSink attaches a device-event sink. A nil sink keeps the no-op.
func WithEventSink(es EventSink) ClientOption {
	return func(c *Client) {
		if es != nil {
			c.events = es
		}
	}
}

// WithTimeouts overrides the connect and exchange timeouts.
func WithTimeouts(connect, exchange time.Duration) ClientOption {
	return func(c *Client) {
		if connect > 0 {
			c.connectTimeout = connect
		}
		if exchange > 0 {
			c.exchangeTimeout = exchange
		}
	}
}

// WithLocation sets the timezone used to interpret device FTP timestamps.
// Defaults to UTC.
func WithLocation(loc *time.Location) ClientOption {
	return func(c *Client) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// NewClient creates a Client for one device. gov and locks are the shared
// process-wide Governor and LockTable owned by the application root.
func NewClient(
	cfg ClientConfig,
	gov *Governor,
	locks *LockTable,
	logger *slog.Logger,
	opts ...ClientOption,
) *Client {
	if cfg.TCPPort == 0 {
		cfg.TCPPort = DefaultTCPPort
	}
	if cfg.FTPPort == 0 {
		cfg.FTPPort = DefaultFTPPort
	}
	if cfg.FTPUsername == "" {
		cfg.FTPUsername = DefaultFTPUsername
	}
	if cfg.FTPPassword == "" {
		cfg.FTPPassword = DefaultFTPPassword
	}

	c := &Client{
		cfg:             cfg,
		gov:             gov,
		locks:           locks,
		metrics:         noopMetrics{},
		events:          noopSink{},
		connectTimeout:  DefaultConnectTimeout,
		exchangeTimeout: DefaultExchangeTimeout,
		loc:             time.UTC,
		logger: logger.With(
			slog.String("component", "nl43.client"),
			slog.String("unit_id", cfg.UnitID),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UnitID returns the device identifier this client targets.
func (c *Client) UnitID() string { return c.cfg.UnitID }

// addr returns the control endpoint host:port.
func (c *Client) addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.TCPPort))
}

// -------------------------------------------------------------------------
// Single-Command Exchange
// -------------------------------------------------------------------------

// Exchange sends one framed command and returns the data line for queries
// or the empty string for setters.
//
// Ordering: acquire the per-unit lock, then the rate governor, then open a
// fresh TCP connection, send, read the result code and (for queries) one
// data line. The connection is closed before returning. The context
// deadline covers the whole sequence; if the caller passes no deadline,
// DefaultExchangeTimeout applies.
func (c *Client) Exchange(ctx context.Context, cmd string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.exchangeTimeout)
		defer cancel()
	}

	if err := c.locks.Acquire(ctx, c.cfg.UnitID); err != nil {
		c.metrics.IncCommandError(c.cfg.UnitID, KindTimeout.String())
		return "", newErr(KindTimeout, c.cfg.UnitID, cmd,
			fmt.Errorf("%w: %w", ErrDeviceBusy, err))
	}
	defer c.locks.Release(c.cfg.UnitID)

	return c.exchangeLocked(ctx, cmd)
}

// exchangeLocked performs the exchange assuming the per-unit lock is held.
// Used directly by the DRD stream setup, which holds the lock itself.
func (c *Client) exchangeLocked(ctx context.Context, cmd string) (string, error) {
	start := time.Now()
	data, err := c.roundTrip(ctx, cmd)
	if err != nil {
		c.metrics.IncCommandError(c.cfg.UnitID, KindOf(err).String())
		c.events.DeviceEvent(c.cfg.UnitID, "ERROR", "COMMAND",
			fmt.Sprintf("%s failed: %v", cmd, err))
		return "", err
	}

	c.metrics.ObserveCommand(c.cfg.UnitID, time.Since(start))
	c.events.DeviceEvent(c.cfg.UnitID, "DEBUG", "COMMAND", cmd+" ok")
	return data, nil
}

// roundTrip performs governor wait, connect, send, and response reading.
func (c *Client) roundTrip(ctx context.Context, cmd string) (string, error) {
	// Rate pacing. The governor timestamp advances when the wait completes,
	// which is immediately before the command goes on the wire; a later
	// exchange failure still counts against the spacing.
	if err := c.gov.Acquire(ctx, c.cfg.UnitID); err != nil {
		return "", newErr(KindTimeout, c.cfg.UnitID, cmd, err)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	c.logger.Debug("command sent", slog.String("command", cmd))

	if err := c.send(ctx, conn, cmd); err != nil {
		return "", newErr(kindFromNetErr(err), c.cfg.UnitID, cmd, err)
	}

	r := bufio.NewReader(conn)

	codeLine, err := c.readLine(ctx, conn, r)
	if err != nil {
		return "", newErr(kindFromNetErr(err), c.cfg.UnitID, cmd, err)
	}
	if err := checkResultCode(c.cfg.UnitID, cmd, codeLine); err != nil {
		return "", err
	}

	if !IsQuery(cmd) {
		return "", nil
	}

	dataLine, err := c.readLine(ctx, conn, r)
	if err != nil {
		return "", newErr(kindFromNetErr(err), c.cfg.UnitID, cmd, err)
	}
	return stripPrompt(dataLine), nil
}

// dial opens the control connection, bounded by both the connect timeout
// and the caller's context.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		kind := KindConnect
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		c.events.DeviceEvent(c.cfg.UnitID, "ERROR", "TCP",
			fmt.Sprintf("connect %s failed: %v", c.addr(), err))
		return nil, newErr(kind, c.cfg.UnitID, "connect "+c.addr(), err)
	}
	return conn, nil
}

// send writes the framed ASCII command.
func (c *Client) send(ctx context.Context, conn net.Conn, cmd string) error {
	if err := applyDeadline(ctx, conn, c.exchangeTimeout); err != nil {
		return err
	}
	_, err := conn.Write([]byte(cmd + "\r\n"))
	return err
}

// readLine reads one newline-terminated response line.
func (c *Client) readLine(ctx context.Context, conn net.Conn, r *bufio.Reader) (string, error) {
	if err := applyDeadline(ctx, conn, c.exchangeTimeout); err != nil {
		return "", err
	}
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// applyDeadline sets the connection deadline from the context deadline, or
// from the fallback when the context carries none.
func applyDeadline(ctx context.Context, conn net.Conn, fallback time.Duration) error {
	if dl, ok := ctx.Deadline(); ok {
		return conn.SetDeadline(dl)
	}
	return conn.SetDeadline(time.Now().Add(fallback))
}

// kindFromNetErr maps an I/O error to a taxonomy kind: deadline and
// timeout conditions become KindTimeout, everything else KindConnect.
func kindFromNetErr(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindConnect
}

// -------------------------------------------------------------------------
// Typed Operations — command catalog
// -------------------------------------------------------------------------

// RequestDOD performs one DOD? exchange and parses the payload.
func (c *Client) RequestDOD(ctx context.Context) (*Snapshot, error) {
	data, err := c.Exchange(ctx, CmdDOD)
	if err != nil {
		return nil, err
	}
	return ParseDOD(c.cfg.UnitID, data)
}

// RequestDLC returns the final calculation payload of the last measurement.
func (c *Client) RequestDLC(ctx context.Context) (string, error) {
	return c.Exchange(ctx, CmdDLC)
}

// StartMeasurement sends Measure,Start.
func (c *Client) StartMeasurement(ctx context.Context) error {
	_, err := c.Exchange(ctx, CmdMeasureStart)
	return err
}

// StopMeasurement sends Measure,Stop.
func (c *Client) StopMeasurement(ctx context.Context) error {
	_, err := c.Exchange(ctx, CmdMeasureStop)
	return err
}

// MeasurementState reads the device's run state via Measure?.
func (c *Client) MeasurementState(ctx context.Context) (string, error) {
	return c.Exchange(ctx, CmdMeasureQuery)
}

// Pause toggles measurement pause.
func (c *Client) Pause(ctx context.Context, on bool) error {
	cmd := CmdPauseOff
	if on {
		cmd = CmdPauseOn
	}
	_, err := c.Exchange(ctx, cmd)
	return err
}

// Reset clears the current measurement data.
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.Exchange(ctx, CmdReset)
	return err
}

// ManualStore arms manual store mode and fires one store operation.
// Two commands; the governor spaces them.
func (c *Client) ManualStore(ctx context.Context) error {
	if _, err := c.Exchange(ctx, CmdStoreModeManual); err != nil {
		return err
	}
	_, err := c.Exchange(ctx, CmdManualStore)
	return err
}

// BatteryLevel reads the battery level payload.
func (c *Client) BatteryLevel(ctx context.Context) (string, error) {
	return c.Exchange(ctx, CmdBatteryQuery)
}

// ReadClock reads the device clock string.
func (c *Client) ReadClock(ctx context.Context) (string, error) {
	return c.Exchange(ctx, CmdClockQuery)
}

// SetClock writes the device clock. t is rendered in the client's
// configured location as YYYY/MM/DD HH:MM:SS.
func (c *Client) SetClock(ctx context.Context, t time.Time) error {
	stamp := t.In(c.loc).Format("2006/01/02 15:04:05")
	_, err := c.Exchange(ctx, ClockSet(stamp))
	if err == nil {
		c.events.DeviceEvent(c.cfg.UnitID, "INFO", "COMMAND", "clock set to "+stamp)
	}
	return err
}

// FrequencyWeighting reads the main-channel frequency weighting.
func (c *Client) FrequencyWeighting(ctx context.Context) (string, error) {
	return c.Exchange(ctx, CmdFreqWeightQuery)
}

// SetFrequencyWeighting writes the main-channel frequency weighting (A/C/Z).
func (c *Client) SetFrequencyWeighting(ctx context.Context, w string) error {
	_, err := c.Exchange(ctx, FreqWeightSet(w))
	return err
}

// TimeWeighting reads the main-channel time weighting.
func (c *Client) TimeWeighting(ctx context.Context) (string, error) {
	return c.Exchange(ctx, CmdTimeWeightQuery)
}

// SetTimeWeighting writes the main-channel time weighting (F/S/I).
func (c *Client) SetTimeWeighting(ctx context.Context, w string) error {
	_, err := c.Exchange(ctx, TimeWeightSet(w))
	return err
}

// MeasurementTime reads the manual measurement time preset.
func (c *Client) MeasurementTime(ctx context.Context) (string, error) {
	return c.Exchange(ctx, CmdMeasureTimeQuery)
}

// SetMeasurementTime writes the manual measurement time preset.
func (c *Client) SetMeasurementTime(ctx context.Context, v string) error {
	_, err := c.Exchange(ctx, MeasureTimeSet(v))
	return err
}

// LeqInterval reads the Leq calculation interval preset.
func (c *Client) LeqInterval(ctx context.Context) (string, error) {
	return c.Exchange(ctx, CmdLeqIntervalQuery)
}

// SetLeqInterval writes the Leq calculation interval preset.
func (c *Client) SetLeqInterval(ctx context.Context, v string) error {
	_, err := c.Exchange(ctx, LeqIntervalSet(v))
	return err
}

// LpInterval reads the Lp store interval.
func (c *Client) LpInterval(ctx context.Context) (string, error) {
	return c.Exchange(ctx, CmdLpIntervalQuery)
}

// SetLpInterval writes the Lp store interval.
func (c *Client) SetLpInterval(ctx context.Context, v string) error {
	_, err := c.Exchange(ctx, LpIntervalSet(v))
	return err
}

// StoreIndex reads the current four-digit store index as an integer.
func (c *Client) StoreIndex(ctx context.Context) (int, error) {
	data, err := c.Exchange(ctx, CmdStoreNameQuery)
	if err != nil {
		return 0, err
	}
	idx, err := strconv.Atoi(strings.TrimSpace(data))
	if err != nil {
		return 0, newErr(KindParse, c.cfg.UnitID, CmdStoreNameQuery,
			fmt.Errorf("store name %q is not numeric: %w", data, err))
	}
	return idx, nil
}

// SetStoreIndex writes the store index (0..9999).
func (c *Client) SetStoreIndex(ctx context.Context, index int) error {
	_, err := c.Exchange(ctx, StoreNameSet(index))
	return err
}

// OverwriteExists probes the currently selected store slot. True means the
// slot already holds data ("Exist"); false means free ("None").
func (c *Client) OverwriteExists(ctx context.Context) (bool, error) {
	data, err := c.Exchange(ctx, CmdOverwriteQuery)
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(data) {
	case "None":
		return false, nil
	case "Exist":
		return true, nil
	default:
		return false, newErr(KindParse, c.cfg.UnitID, CmdOverwriteQuery,
			fmt.Errorf("unexpected overwrite answer %q", data))
	}
}

// SleepMode reads the sleep mode state.
func (c *Client) SleepMode(ctx context.Context) (string, error) {
	return c.Exchange(ctx, CmdSleepQuery)
}

// SetSleepMode toggles sleep mode.
func (c *Client) SetSleepMode(ctx context.Context, on bool) error {
	_, err := c.Exchange(ctx, SleepSet(on))
	return err
}

// FTPState reads the FTP server state ("On" or "Off").
func (c *Client) FTPState(ctx context.Context) (string, error) {
	return c.Exchange(ctx, CmdFTPQuery)
}

// SetFTP toggles the device FTP server.
func (c *Client) SetFTP(ctx context.Context, on bool) error {
	_, err := c.Exchange(ctx, FTPSet(on))
	if err == nil {
		c.events.DeviceEvent(c.cfg.UnitID, "INFO", "FTP", "server set "+onOff(on))
	}
	return err
}

func onOff(on bool) string {
	if on {
		return "On"
	}
	return "Off"
}
