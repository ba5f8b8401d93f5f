package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fieldacoustics/slmgate/internal/nl43"
	"github.com/fieldacoustics/slmgate/internal/store"
)

// startListFTP runs a one-trick active-mode FTP stub that serves a single
// LIST of the recording root, dialing back to the client's PORT address.
func startListFTP(t *testing.T, lines []string) (string, int) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			serveListSession(conn, lines)
		}
	}()

	t.Cleanup(func() {
		l.Close()
		<-done
	})

	a := l.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

func serveListSession(conn net.Conn, lines []string) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	reply := func(code int, msg string) {
		fmt.Fprintf(conn, "%d %s\r\n", code, msg)
	}
	reply(220, "stub ready")

	var dataAddr string
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		verb, arg, _ := strings.Cut(strings.TrimRight(sc.Text(), "\r"), " ")
		switch verb {
		case "USER":
			reply(331, "need password")
		case "PASS":
			reply(230, "logged in")
		case "TYPE":
			reply(200, "type set")
		case "PORT":
			parts := strings.Split(arg, ",")
			p1, _ := strconv.Atoi(parts[4])
			p2, _ := strconv.Atoi(parts[5])
			dataAddr = net.JoinHostPort(
				strings.Join(parts[:4], "."), strconv.Itoa(p1*256+p2))
			reply(200, "port ok")
		case "LIST":
			reply(150, "opening")
			if c, err := net.DialTimeout("tcp", dataAddr, 5*time.Second); err == nil {
				c.Write([]byte(strings.Join(lines, "\r\n") + "\r\n"))
				c.Close()
			}
			reply(226, "done")
		case "QUIT":
			reply(221, "bye")
			return
		default:
			reply(502, "not implemented")
		}
	}
}

// syncTestService registers a unit with TCP disabled (the FTP restart is
// skipped) and FTP pointed at the stub.
func syncTestService(t *testing.T, unitID, ftpHost string, ftpPort int, opts ...Option) (*Service, *store.Store) {
	t.Helper()

	svc, st := newTestService(t, unitID, nil, opts...)

	tcpOff := false
	if _, err := st.ApplyConfig(context.Background(), unitID, store.ConfigUpdate{
		Host:       &ftpHost,
		FTPPort:    &ftpPort,
		TCPEnabled: &tcpOff,
	}); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	return svc, st
}

func TestNeedsStartTimeSync(t *testing.T) {
	t.Parallel()

	now := time.Now()
	base := func() (*store.DeviceConfig, *store.DeviceStatus) {
		return &store.DeviceConfig{FTPEnabled: true},
			&store.DeviceStatus{MeasurementState: nl43.StateStart}
	}

	cfg, st := base()
	if !NeedsStartTimeSync(cfg, st) {
		t.Error("measuring unit with no start time should need sync")
	}

	cfg, st = base()
	st.MeasurementState = nl43.StateStop
	if NeedsStartTimeSync(cfg, st) {
		t.Error("stopped unit should not need sync")
	}

	cfg, st = base()
	st.MeasurementStartTime = &now
	if NeedsStartTimeSync(cfg, st) {
		t.Error("known start time should not need sync")
	}

	cfg, st = base()
	st.StartTimeSyncAttempted = true
	if NeedsStartTimeSync(cfg, st) {
		t.Error("already-attempted sync should not repeat")
	}

	cfg, st = base()
	cfg.FTPEnabled = false
	if NeedsStartTimeSync(cfg, st) {
		t.Error("ftp-disabled unit should not need sync")
	}
}

func TestSyncStartTimeRecoversFromListing(t *testing.T) {
	t.Parallel()

	host, port := startListFTP(t, []string{
		"drwxr-xr-x 1 o g 0 Jan  5 2026 Auto_0007",
		"drwxr-xr-x 1 o g 0 Jan  7 2026 Auto_0010",
	})
	svc, st := syncTestService(t, "slm-10", host, port,
		WithLocation(time.FixedZone("UTC-5", -5*3600)))

	ts, err := svc.SyncStartTime(context.Background(), "slm-10")
	if err != nil {
		t.Fatalf("SyncStartTime: %v", err)
	}
	if want := time.Date(2026, 1, 7, 5, 0, 0, 0, time.UTC); !ts.Equal(want) {
		t.Errorf("start time = %v, want %v", ts, want)
	}

	status, err := st.GetStatus(context.Background(), "slm-10")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.MeasurementStartTime == nil || !status.MeasurementStartTime.Equal(ts) {
		t.Errorf("stored start time = %v, want %v", status.MeasurementStartTime, ts)
	}
	if !status.StartTimeSyncAttempted {
		t.Error("sync-attempted flag not set")
	}
}

func TestSyncStartTimeFailureMarksAttempt(t *testing.T) {
	t.Parallel()

	// Dead FTP port: the attempt flag must be set before the device is
	// touched, and the failure lands on the status row.
	svc, st := syncTestService(t, "slm-11", "127.0.0.1", 1)

	if _, err := svc.SyncStartTime(context.Background(), "slm-11"); err == nil {
		t.Fatal("SyncStartTime succeeded against a dead port")
	}

	status, err := st.GetStatus(context.Background(), "slm-11")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !status.StartTimeSyncAttempted {
		t.Error("sync-attempted flag not set on failure")
	}
	if status.LastError == "" {
		t.Error("failure not recorded on status row")
	}
	if status.MeasurementStartTime != nil {
		t.Errorf("start time = %v, want nil", status.MeasurementStartTime)
	}
}

func TestSyncStartTimeFTPDisabled(t *testing.T) {
	t.Parallel()

	svc, st := newTestService(t, "slm-12", nil)
	host := "127.0.0.1"
	ftpOff := false
	if _, err := st.ApplyConfig(context.Background(), "slm-12", store.ConfigUpdate{
		Host:       &host,
		FTPEnabled: &ftpOff,
	}); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	if _, err := svc.SyncStartTime(context.Background(), "slm-12"); !errors.Is(err, ErrFTPDisabled) {
		t.Fatalf("err = %v, want ErrFTPDisabled", err)
	}
}
