package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fieldacoustics/slmgate/internal/nl43"
	"github.com/fieldacoustics/slmgate/internal/store"
)

// fakeDevice is a scripted control-port stub: one command per connection,
// answered from the handler.
type fakeDevice struct {
	l    net.Listener
	done chan struct{}

	mu       sync.Mutex
	received []string
	handler  func(cmd string) []string
}

func startFakeDevice(t *testing.T, handler func(cmd string) []string) *fakeDevice {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	d := &fakeDevice{l: l, done: make(chan struct{}), handler: handler}
	go func() {
		defer close(d.done)
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			d.handle(conn)
		}
	}()

	t.Cleanup(func() {
		l.Close()
		<-d.done
	})
	return d
}

func (d *fakeDevice) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	cmd := strings.TrimRight(string(buf[:n]), "\r\n")

	d.mu.Lock()
	d.received = append(d.received, cmd)
	lines := d.handler(cmd)
	d.mu.Unlock()

	for _, line := range lines {
		conn.Write([]byte(line + "\r\n"))
	}
}

func (d *fakeDevice) commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.received...)
}

func (d *fakeDevice) hostPort() (string, int) {
	a := d.l.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestService wires a Service over an in-memory store with one
// registered unit pointing at the fake device.
func newTestService(t *testing.T, unitID string, d *fakeDevice, opts ...Option) (*Service, *store.Store) {
	t.Helper()

	st, err := store.Open(":memory:", discardLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if d != nil {
		host, port := d.hostPort()
		if _, err := st.ApplyConfig(context.Background(), unitID, store.ConfigUpdate{
			Host:    &host,
			TCPPort: &port,
		}); err != nil {
			t.Fatalf("ApplyConfig: %v", err)
		}
	}

	return New(st, discardLogger(), opts...), st
}

func resultOK(lines ...string) []string {
	return append([]string{"R+0000"}, lines...)
}

func TestLiveSnapshotMerges(t *testing.T) {
	t.Parallel()

	d := startFakeDevice(t, func(cmd string) []string {
		if cmd == nl43.CmdDOD {
			return resultOK("12,65.2,68.4,75.1,60.3,88.0")
		}
		return []string{"R+0001"}
	})
	svc, st := newTestService(t, "slm-01", d)

	snap, err := svc.LiveSnapshot(context.Background(), "slm-01")
	if err != nil {
		t.Fatalf("LiveSnapshot: %v", err)
	}
	if snap.Leq != "68.4" || snap.MeasurementState != nl43.StateStart {
		t.Errorf("snapshot = %+v", snap)
	}

	status, err := st.GetStatus(context.Background(), "slm-01")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Leq != "68.4" || status.MeasurementState != nl43.StateStart {
		t.Errorf("status not merged: %+v", status)
	}
	// First observation from unknown: the start time is left for FTP
	// recovery, not fabricated.
	if status.MeasurementStartTime != nil {
		t.Errorf("start time = %v, want absent", status.MeasurementStartTime)
	}
}

func TestClientUnknownUnit(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, "slm-01", nil)

	if _, err := svc.Client(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClientTCPDisabled(t *testing.T) {
	t.Parallel()

	svc, st := newTestService(t, "slm-01", nil)

	host := "127.0.0.1"
	off := false
	if _, err := st.ApplyConfig(context.Background(), "slm-01", store.ConfigUpdate{
		Host:       &host,
		TCPEnabled: &off,
	}); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	if _, err := svc.Client(context.Background(), "slm-01"); !errors.Is(err, ErrTCPDisabled) {
		t.Fatalf("err = %v, want ErrTCPDisabled", err)
	}
}

func TestDeleteDevice(t *testing.T) {
	t.Parallel()

	svc, st := newTestService(t, "slm-01", nil)
	host := "127.0.0.1"
	if _, err := st.ApplyConfig(context.Background(), "slm-01", store.ConfigUpdate{Host: &host}); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	if err := svc.DeleteDevice(context.Background(), "slm-01"); err != nil {
		t.Fatalf("DeleteDevice: %v", err)
	}
	if _, err := st.GetConfig(context.Background(), "slm-01"); !errors.Is(err, store.ErrNotFound) {
		t.Error("config row survived DeleteDevice")
	}

	if err := svc.DeleteDevice(context.Background(), "slm-01"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestStreamMergesAndEnriches(t *testing.T) {
	t.Parallel()

	// One stream connection: DRD? then two lines, then close.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))

		buf := make([]byte, 64)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write([]byte("R+0000\r\n"))
		conn.Write([]byte("1,61.0,62.0,63.0,60.0,70.0\r\n"))
		conn.Write([]byte("2,61.5,62.1,63.2,60.1,70.4\r\n"))
	}()
	t.Cleanup(func() {
		l.Close()
		<-done
	})

	st, err := store.Open(":memory:", discardLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	a := l.Addr().(*net.TCPAddr)
	host, port := a.IP.String(), a.Port
	if _, err := st.ApplyConfig(context.Background(), "slm-01", store.ConfigUpdate{
		Host:    &host,
		TCPPort: &port,
	}); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	svc := New(st, discardLogger())

	// Seed a Stop observation so the first streamed Start stamps a start
	// time for the enriched samples to carry.
	if err := st.ApplySnapshot(context.Background(), &nl43.Snapshot{
		UnitID:           "slm-01",
		MeasurementState: nl43.StateStop,
		Counter:          "0",
	}, time.Now()); err != nil {
		t.Fatalf("seed ApplySnapshot: %v", err)
	}

	var samples []StreamSample
	if err := svc.Stream(context.Background(), "slm-01", func(s StreamSample) {
		samples = append(samples, s)
	}); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if len(samples) != 2 {
		t.Fatalf("samples = %d, want 2", len(samples))
	}
	// Counter >= 1 means measuring; the merge stamps a start time that the
	// enriched sample carries.
	if samples[0].MeasurementState != nl43.StateStart {
		t.Errorf("state = %q", samples[0].MeasurementState)
	}
	if samples[0].MeasurementStartTime == nil {
		t.Error("sample missing merged start time")
	}
	if samples[1].Leq != "62.1" {
		t.Errorf("second sample = %+v", samples[1])
	}
}
