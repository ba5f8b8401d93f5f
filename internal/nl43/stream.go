package nl43

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// -------------------------------------------------------------------------
// DRD Streaming Session
// -------------------------------------------------------------------------

// DefaultStreamQuietPeriod is how long a stream may go without a data line
// before the session is declared dead.
const DefaultStreamQuietPeriod = 30 * time.Second

// StreamHandler receives each parsed snapshot from a DRD stream. Called
// sequentially from the stream's goroutine; a slow handler slows the read
// loop, never the device.
type StreamHandler func(*Snapshot)

// Stream opens a DRD continuous stream and delivers each parsed snapshot to
// handler until the context is cancelled, the device closes the connection,
// or the quiet period elapses without a line.
//
// The per-unit lock is held for the whole session, so no other command can
// reach the device while a stream runs. Cancellation sends the SUB
// terminator byte best-effort before closing.
//
// Returns nil on cancellation and on remote close; a StreamTimeout
// DeviceError when the quiet period expires.
func (c *Client) Stream(ctx context.Context, handler StreamHandler) error {
	if err := c.locks.Acquire(ctx, c.cfg.UnitID); err != nil {
		return newErr(KindTimeout, c.cfg.UnitID, CmdDRD,
			fmt.Errorf("%w: %w", ErrDeviceBusy, err))
	}
	defer c.locks.Release(c.cfg.UnitID)

	if err := c.gov.Acquire(ctx, c.cfg.UnitID); err != nil {
		return newErr(KindTimeout, c.cfg.UnitID, CmdDRD, err)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Watch for cancellation while the read loop blocks. SUB tells the
	// device to stop streaming; the close then unblocks the reader.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			conn.Write([]byte{SUB})
			conn.Close()
		case <-watchDone:
		}
	}()

	if err := c.send(ctx, conn, CmdDRD); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return newErr(kindFromNetErr(err), c.cfg.UnitID, CmdDRD, err)
	}

	r := bufio.NewReader(conn)

	line, err := c.readStreamLine(conn, r)
	if err != nil {
		return c.streamReadErr(ctx, err)
	}
	if err := checkResultCode(c.cfg.UnitID, CmdDRD, line); err != nil {
		return err
	}

	c.logger.Info("stream opened")
	c.events.DeviceEvent(c.cfg.UnitID, "INFO", "TCP", "DRD stream opened")
	c.metrics.SetStreamActive(c.cfg.UnitID, true)
	defer c.metrics.SetStreamActive(c.cfg.UnitID, false)
	defer c.events.DeviceEvent(c.cfg.UnitID, "INFO", "TCP", "DRD stream closed")

	for {
		line, err := c.readStreamLine(conn, r)
		if err != nil {
			return c.streamReadErr(ctx, err)
		}

		snap, perr := ParseDOD(c.cfg.UnitID, line)
		if perr != nil {
			// A garbled line is not fatal to the session.
			c.logger.Debug("stream line discarded", slog.String("error", perr.Error()))
			continue
		}

		c.metrics.IncStreamLines(c.cfg.UnitID, 1)
		handler(snap)
	}
}

// readStreamLine reads one line under the quiet-period deadline.
func (c *Client) readStreamLine(conn net.Conn, r *bufio.Reader) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(DefaultStreamQuietPeriod)); err != nil {
		return "", err
	}
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return stripPrompt(line), nil
}

// streamReadErr classifies a read-loop error: cancellation and remote close
// end the stream cleanly, a deadline becomes StreamTimeout, anything else a
// connect-level failure.
func (c *Client) streamReadErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		c.logger.Info("stream closed by device")
		return nil
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.events.DeviceEvent(c.cfg.UnitID, "WARNING", "TCP",
			"DRD stream quiet period expired")
		return newErr(KindStreamTimeout, c.cfg.UnitID, CmdDRD,
			fmt.Errorf("no data for %s: %w", DefaultStreamQuietPeriod, err))
	}
	return newErr(KindConnect, c.cfg.UnitID, CmdDRD, err)
}
