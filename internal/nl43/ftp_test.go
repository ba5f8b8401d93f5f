package nl43

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

// -------------------------------------------------------------------------
// LIST parsing
// -------------------------------------------------------------------------

func TestParseListLine(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC-5", -5*3600)

	e, ok := parseListLine("drwxr-xr-x 1 owner group 0 Jan  7 2026 Auto_0007", loc)
	if !ok {
		t.Fatal("directory line not parsed")
	}
	if !e.Dir || e.Name != "Auto_0007" {
		t.Errorf("entry = %+v", e)
	}
	if want := time.Date(2026, 1, 7, 5, 0, 0, 0, time.UTC); !e.ModTime.Equal(want) {
		t.Errorf("ModTime = %v, want %v", e.ModTime, want)
	}

	e, ok = parseListLine("-rw-r--r-- 1 owner group 51200 Jan  7 2026 Auto 0007.rnd", loc)
	if !ok {
		t.Fatal("file line not parsed")
	}
	if e.Dir || e.Name != "Auto 0007.rnd" || e.Size != 51200 {
		t.Errorf("entry = %+v", e)
	}

	for _, bad := range []string{
		"",
		"total 4",
		"garbage",
		"-rw- 1 o g 5 Nop  7 2026 x", // unparseable month
	} {
		if _, ok := parseListLine(bad, loc); ok {
			t.Errorf("line %q parsed, want skip", bad)
		}
	}
}

func TestParseListTimeClockForm(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC-5", -5*3600)
	got, ok := parseListTime("Jan", "7", "20:00", loc)
	if !ok {
		t.Fatal("clock-form time not parsed")
	}

	// 20:00 local at UTC-5 is 01:00 UTC the next day.
	if got.Hour() != 1 || got.Minute() != 0 {
		t.Errorf("UTC time = %v, want 01:00", got)
	}
	if got.After(time.Now().Add(24 * time.Hour)) {
		t.Errorf("inferred year places %v in the future", got)
	}
}

func TestParseListTimeFutureClockFormRollsBack(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC-5", -5*3600)
	// A listing stamped ahead of the gateway clock: assuming the current
	// year would place it in the future, so the previous year applies.
	local := time.Now().In(loc).Add(2 * time.Hour)

	got, ok := parseListTime(local.Format("Jan"), local.Format("2"), local.Format("15:04"), loc)
	if !ok {
		t.Fatal("clock-form time not parsed")
	}

	if want := local.Year() - 1; got.Year() != want {
		t.Errorf("year = %d, want %d for a future-dated listing", got.Year(), want)
	}
	if got.After(time.Now().UTC()) {
		t.Errorf("inferred year places %v in the future", got)
	}
}

// -------------------------------------------------------------------------
// Stub active-mode FTP server
// -------------------------------------------------------------------------

// stubFTP is a minimal scripted FTP server speaking only the verbs the
// client uses, dialing back to the client's PORT address for data.
type stubFTP struct {
	l        net.Listener
	done     chan struct{}
	dirs     map[string][]string
	files    map[string][]byte
	failRetr map[string]bool
}

func startStubFTP(t *testing.T, dirs map[string][]string, files map[string][]byte, failRetr map[string]bool) (string, int) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &stubFTP{l: l, done: make(chan struct{}), dirs: dirs, files: files, failRetr: failRetr}
	go s.serve()

	t.Cleanup(func() {
		l.Close()
		<-s.done
	})

	a := l.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

func (s *stubFTP) serve() {
	defer close(s.done)
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		s.session(conn)
	}
}

func (s *stubFTP) session(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	reply := func(code int, msg string) {
		fmt.Fprintf(conn, "%d %s\r\n", code, msg)
	}
	reply(220, "stub ready")

	var dataAddr string
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		verb, arg, _ := strings.Cut(line, " ")

		switch verb {
		case "USER":
			reply(331, "need password")
		case "PASS":
			reply(230, "logged in")
		case "TYPE":
			reply(200, "type set")
		case "PORT":
			parts := strings.Split(arg, ",")
			if len(parts) != 6 {
				reply(501, "bad port")
				continue
			}
			p1, _ := strconv.Atoi(parts[4])
			p2, _ := strconv.Atoi(parts[5])
			dataAddr = net.JoinHostPort(
				strings.Join(parts[:4], "."), strconv.Itoa(p1*256+p2))
			reply(200, "port ok")
		case "LIST":
			lines, ok := s.dirs[arg]
			if !ok {
				reply(550, "no such directory")
				continue
			}
			reply(150, "opening")
			s.sendData(dataAddr, []byte(strings.Join(lines, "\r\n")+"\r\n"))
			reply(226, "done")
		case "RETR":
			if s.failRetr[arg] {
				reply(550, "transfer failed")
				continue
			}
			data, ok := s.files[arg]
			if !ok {
				reply(550, "no such file")
				continue
			}
			reply(150, "opening")
			s.sendData(dataAddr, data)
			reply(226, "done")
		case "QUIT":
			reply(221, "bye")
			return
		default:
			reply(502, "not implemented")
		}
	}
}

func (s *stubFTP) sendData(addr string, payload []byte) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return
	}
	conn.Write(payload)
	conn.Close()
}

func ftpClient(host string, port int, loc *time.Location) *Client {
	return NewClient(
		ClientConfig{UnitID: "unit-1", Host: host, TCPPort: 2255, FTPPort: port},
		NewGovernor(), NewLockTable(), testLogger(),
		WithLocation(loc),
	)
}

// -------------------------------------------------------------------------
// FTP operations
// -------------------------------------------------------------------------

func TestNewestRecordingTime(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC-5", -5*3600)
	host, port := startStubFTP(t, map[string][]string{
		RecordingRoot: {
			"drwxr-xr-x 1 o g 0 Jan  5 2026 Auto_0007",
			"drwxr-xr-x 1 o g 0 Jan  7 2026 Auto_0010",
			"-rw-r--r-- 1 o g 9 Jan  9 2026 readme.txt", // files ignored
		},
	}, nil, nil)

	c := ftpClient(host, port, loc)

	got, err := c.NewestRecordingTime(context.Background())
	if err != nil {
		t.Fatalf("NewestRecordingTime: %v", err)
	}
	if want := time.Date(2026, 1, 7, 5, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("NewestRecordingTime = %v, want %v", got, want)
	}
}

func TestNewestRecordingTimeNoFolders(t *testing.T) {
	t.Parallel()

	host, port := startStubFTP(t, map[string][]string{
		RecordingRoot: {"-rw-r--r-- 1 o g 9 Jan  9 2026 readme.txt"},
	}, nil, nil)

	c := ftpClient(host, port, time.UTC)
	_, err := c.NewestRecordingTime(context.Background())
	if !IsKind(err, KindFTP) {
		t.Fatalf("kind = %v, want KindFTP", KindOf(err))
	}
}

func TestDownloadRecordingZIP(t *testing.T) {
	t.Parallel()

	host, port := startStubFTP(t,
		map[string][]string{
			"/NL-43/Auto_0010": {
				"-rw-r--r-- 1 o g 4 Jan  7 2026 a.bin",
				"drwxr-xr-x 1 o g 0 Jan  7 2026 b",
			},
			"/NL-43/Auto_0010/b": {
				"-rw-r--r-- 1 o g 6 Jan  7 2026 c.bin",
			},
		},
		map[string][]byte{
			"/NL-43/Auto_0010/a.bin":   []byte("AAAA"),
			"/NL-43/Auto_0010/b/c.bin": []byte("CCCCCC"),
		},
		nil,
	)

	c := ftpClient(host, port, time.UTC)

	blob, err := c.DownloadRecordingZIP(context.Background(), "Auto_0010")
	if err != nil {
		t.Fatalf("DownloadRecordingZIP: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		t.Fatalf("zip open: %v", err)
	}

	got := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("zip entry %s: %v", f.Name, err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		got[f.Name] = string(data)
	}

	want := map[string]string{
		"Auto_0010/a.bin":   "AAAA",
		"Auto_0010/b/c.bin": "CCCCCC",
	}
	if len(got) != len(want) {
		t.Fatalf("archive entries = %v, want %v", got, want)
	}
	for name, content := range want {
		if got[name] != content {
			t.Errorf("entry %s = %q, want %q", name, got[name], content)
		}
	}
}

func TestDownloadRecordingZIPSkipsFailedFiles(t *testing.T) {
	t.Parallel()

	host, port := startStubFTP(t,
		map[string][]string{
			"/NL-43/Auto_0003": {
				"-rw-r--r-- 1 o g 4 Jan  7 2026 good.bin",
				"-rw-r--r-- 1 o g 4 Jan  7 2026 bad.bin",
			},
		},
		map[string][]byte{
			"/NL-43/Auto_0003/good.bin": []byte("DATA"),
		},
		map[string]bool{"/NL-43/Auto_0003/bad.bin": true},
	)

	c := ftpClient(host, port, time.UTC)

	blob, err := c.DownloadRecordingZIP(context.Background(), "Auto_0003")
	if err != nil {
		t.Fatalf("DownloadRecordingZIP: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		t.Fatalf("zip open: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "Auto_0003/good.bin" {
		names := make([]string, 0, len(zr.File))
		for _, f := range zr.File {
			names = append(names, f.Name)
		}
		t.Errorf("archive entries = %v, want [Auto_0003/good.bin]", names)
	}
}
