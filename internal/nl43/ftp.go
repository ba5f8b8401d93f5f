package nl43

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"path"
	"strconv"
	"strings"
	"time"
)

// -------------------------------------------------------------------------
// Active-Mode FTP — device file retrieval
// -------------------------------------------------------------------------
//
// The meter's embedded FTP server only speaks active mode: the client must
// listen and announce its address with PORT. No maintained Go FTP library
// supports an active-mode client, so the handful of verbs the device needs
// (USER/PASS, TYPE, PORT, LIST, RETR) are implemented here directly on
// net and net/textproto.

const (
	// DefaultFTPPort is the device FTP control port.
	DefaultFTPPort = 21

	// DefaultFTPUsername and DefaultFTPPassword are the factory credentials.
	DefaultFTPUsername = "USER"
	DefaultFTPPassword = "0000"

	// RecordingRoot is the directory on the device holding stored
	// measurement folders (Auto_0000 .. Auto_9999).
	RecordingRoot = "/NL-43"

	// ftpConnectTimeout bounds the FTP control connect. The embedded server
	// takes longer to come up than the control port does.
	ftpConnectTimeout = 10 * time.Second

	// ftpDataTimeout bounds each data-connection accept and transfer.
	ftpDataTimeout = 30 * time.Second

	// maxListDepth caps recursive folder walks. Device folders are at most
	// two levels deep in practice.
	maxListDepth = 8
)

// FTPEntry is one parsed line of a LIST response.
type FTPEntry struct {
	// Name is the entry name without any path prefix.
	Name string

	// Dir reports whether the entry is a directory.
	Dir bool

	// Size is the reported size in bytes (0 for directories).
	Size int64

	// ModTime is the entry's modification time converted to UTC. The
	// listing carries device-local wall time; the client's configured
	// location supplies the offset.
	ModTime time.Time
}

// ftpSession is one logged-in FTP control connection.
type ftpSession struct {
	conn    net.Conn
	control *textproto.Conn
	localIP net.IP
	loc     *time.Location
}

// refreshDeadline extends the control-connection deadline before each
// command, so long multi-file sessions do not trip an early absolute
// deadline.
func (s *ftpSession) refreshDeadline() {
	s.conn.SetDeadline(time.Now().Add(ftpDataTimeout))
}

// -------------------------------------------------------------------------
// Session Setup
// -------------------------------------------------------------------------

// dialFTP connects and logs in to the device FTP server. The caller must
// hold the unit's lock.
func (c *Client) dialFTP(ctx context.Context) (*ftpSession, error) {
	d := net.Dialer{Timeout: ftpConnectTimeout}
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.FTPPort))

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newErr(KindFTP, c.cfg.UnitID, "ftp connect "+addr, err)
	}

	tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok || tcpAddr.IP.To4() == nil {
		conn.Close()
		return nil, newErr(KindFTP, c.cfg.UnitID, "ftp connect "+addr,
			fmt.Errorf("active mode requires an IPv4 local address, got %s", conn.LocalAddr()))
	}

	s := &ftpSession{
		conn:    conn,
		control: textproto.NewConn(conn),
		localIP: tcpAddr.IP.To4(),
		loc:     c.loc,
	}

	s.refreshDeadline()

	if _, _, err := s.control.ReadResponse(220); err != nil {
		conn.Close()
		return nil, newErr(KindFTP, c.cfg.UnitID, "ftp greeting", err)
	}

	code, _, err := s.cmd("USER %s", c.cfg.FTPUsername)
	if err != nil {
		conn.Close()
		return nil, newErr(KindFTP, c.cfg.UnitID, "ftp login", err)
	}
	if code == 331 {
		if _, _, err := s.cmd("PASS %s", c.cfg.FTPPassword); err != nil {
			conn.Close()
			return nil, newErr(KindFTP, c.cfg.UnitID, "ftp login", err)
		}
	}

	if _, _, err := s.cmd("TYPE I"); err != nil {
		conn.Close()
		return nil, newErr(KindFTP, c.cfg.UnitID, "ftp type", err)
	}

	return s, nil
}

// cmd sends one control command and reads its final reply, accepting any
// 2xx/3xx code. Error replies surface as *textproto.Error.
func (s *ftpSession) cmd(format string, args ...any) (int, string, error) {
	s.refreshDeadline()
	if err := s.control.PrintfLine(format, args...); err != nil {
		return 0, "", err
	}
	code, msg, err := s.control.ReadResponse(-1)
	if err != nil {
		return code, msg, err
	}
	if code >= 400 {
		return code, msg, &textproto.Error{Code: code, Msg: msg}
	}
	return code, msg, nil
}

// close sends QUIT best-effort and closes the control connection.
func (s *ftpSession) close() {
	s.control.PrintfLine("QUIT")
	s.conn.Close()
}

// -------------------------------------------------------------------------
// Active-Mode Data Connections
// -------------------------------------------------------------------------

// transfer runs one data-bearing verb: announce a listening port with PORT,
// issue the verb, accept the device's connection, drain it, and read the
// completion reply.
func (s *ftpSession) transfer(verb string) ([]byte, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(s.localIP.String(), "0"))
	if err != nil {
		return nil, fmt.Errorf("data listener: %w", err)
	}
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	ip := s.localIP
	if _, _, err := s.cmd("PORT %d,%d,%d,%d,%d,%d",
		ip[0], ip[1], ip[2], ip[3], port/256, port%256); err != nil {
		return nil, fmt.Errorf("PORT: %w", err)
	}

	code, msg, err := s.cmd("%s", verb)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", verb, err)
	}
	if code >= 200 {
		return nil, fmt.Errorf("%s: unexpected reply %d %s", verb, code, msg)
	}

	if tl, ok := l.(*net.TCPListener); ok {
		tl.SetDeadline(time.Now().Add(ftpDataTimeout))
	}
	data, err := l.Accept()
	if err != nil {
		return nil, fmt.Errorf("%s: data accept: %w", verb, err)
	}
	data.SetDeadline(time.Now().Add(ftpDataTimeout))

	payload, readErr := io.ReadAll(data)
	data.Close()

	s.refreshDeadline()
	if _, _, err := s.control.ReadResponse(-1); err != nil {
		return nil, fmt.Errorf("%s: completion: %w", verb, err)
	}
	if readErr != nil {
		return nil, fmt.Errorf("%s: data read: %w", verb, readErr)
	}
	return payload, nil
}

// list retrieves and parses a LIST of one directory.
func (s *ftpSession) list(dir string) ([]FTPEntry, error) {
	raw, err := s.transfer("LIST " + dir)
	if err != nil {
		return nil, err
	}

	var entries []FTPEntry
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		e, ok := parseListLine(line, s.loc)
		if !ok {
			continue
		}
		if e.Name == "." || e.Name == ".." {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// retr downloads one file.
func (s *ftpSession) retr(filePath string) ([]byte, error) {
	return s.transfer("RETR " + filePath)
}

// -------------------------------------------------------------------------
// LIST Parsing
// -------------------------------------------------------------------------

// parseListLine parses one Unix-style LIST line:
//
//	drwxr-xr-x 1 owner group 0 Jan  7 20:00 Auto_0007
//	-rw-r--r-- 1 owner group 51200 Jan  7 2025 Auto_0007.rnd
//
// Timestamps carry no timezone; they are interpreted in loc and converted
// to UTC. Lines that do not fit the shape are skipped.
func parseListLine(line string, loc *time.Location) (FTPEntry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return FTPEntry{}, false
	}
	mode := fields[0]
	if len(mode) < 10 {
		return FTPEntry{}, false
	}

	size, _ := strconv.ParseInt(fields[4], 10, 64)

	mod, ok := parseListTime(fields[5], fields[6], fields[7], loc)
	if !ok {
		return FTPEntry{}, false
	}

	return FTPEntry{
		Name:    strings.Join(fields[8:], " "),
		Dir:     mode[0] == 'd',
		Size:    size,
		ModTime: mod,
	}, true
}

// parseListTime parses the month/day/(year|HH:MM) triple of a LIST line.
// The HH:MM form carries no year: the current year is assumed, rolled back
// one year when that would place the entry in the future.
func parseListTime(month, day, yearOrTime string, loc *time.Location) (time.Time, bool) {
	if strings.Contains(yearOrTime, ":") {
		t, err := time.ParseInLocation("Jan 2 15:04", month+" "+day+" "+yearOrTime, loc)
		if err != nil {
			return time.Time{}, false
		}
		now := time.Now().In(loc)
		t = t.AddDate(now.Year(), 0, 0)
		if t.After(now) {
			t = t.AddDate(-1, 0, 0)
		}
		return t.UTC(), true
	}

	t, err := time.ParseInLocation("Jan 2 2006", month+" "+day+" "+yearOrTime, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// -------------------------------------------------------------------------
// Public FTP Operations
// -------------------------------------------------------------------------

// ListRecordings lists the stored measurement folders under /NL-43. The
// per-unit lock is held for the whole FTP session.
func (c *Client) ListRecordings(ctx context.Context) ([]FTPEntry, error) {
	if err := c.locks.Acquire(ctx, c.cfg.UnitID); err != nil {
		return nil, newErr(KindTimeout, c.cfg.UnitID, "ftp list",
			fmt.Errorf("%w: %w", ErrDeviceBusy, err))
	}
	defer c.locks.Release(c.cfg.UnitID)

	s, err := c.dialFTP(ctx)
	if err != nil {
		return nil, err
	}
	defer s.close()

	entries, err := s.list(RecordingRoot)
	if err != nil {
		return nil, newErr(KindFTP, c.cfg.UnitID, "ftp list "+RecordingRoot, err)
	}
	return entries, nil
}

// NewestRecordingTime returns the modification time (UTC) of the most
// recently modified directory under /NL-43. A listing with no directories
// returns an FTPError.
func (c *Client) NewestRecordingTime(ctx context.Context) (time.Time, error) {
	entries, err := c.ListRecordings(ctx)
	if err != nil {
		return time.Time{}, err
	}

	var newest time.Time
	found := false
	for _, e := range entries {
		if !e.Dir {
			continue
		}
		if !found || e.ModTime.After(newest) {
			newest = e.ModTime
			found = true
		}
	}
	if !found {
		return time.Time{}, newErr(KindFTP, c.cfg.UnitID, "ftp list "+RecordingRoot,
			fmt.Errorf("no recording folders on device"))
	}
	return newest, nil
}

// DownloadFile retrieves one file from the device by absolute path.
func (c *Client) DownloadFile(ctx context.Context, filePath string) ([]byte, error) {
	if err := c.locks.Acquire(ctx, c.cfg.UnitID); err != nil {
		return nil, newErr(KindTimeout, c.cfg.UnitID, "ftp download",
			fmt.Errorf("%w: %w", ErrDeviceBusy, err))
	}
	defer c.locks.Release(c.cfg.UnitID)

	s, err := c.dialFTP(ctx)
	if err != nil {
		return nil, err
	}
	defer s.close()

	data, err := s.retr(filePath)
	if err != nil {
		return nil, newErr(KindFTP, c.cfg.UnitID, "ftp download "+filePath, err)
	}
	c.metrics.IncFTPTransfers(c.cfg.UnitID, 1)
	return data, nil
}

// DownloadRecordingZIP downloads the folder /NL-43/<folder> recursively and
// returns it as a ZIP archive. Entry names inside the archive are prefixed
// with the folder name (Auto_0010/a.bin). Individual files that fail to
// transfer are logged and skipped; the archive still carries the rest.
func (c *Client) DownloadRecordingZIP(ctx context.Context, folder string) ([]byte, error) {
	if err := c.locks.Acquire(ctx, c.cfg.UnitID); err != nil {
		return nil, newErr(KindTimeout, c.cfg.UnitID, "ftp download",
			fmt.Errorf("%w: %w", ErrDeviceBusy, err))
	}
	defer c.locks.Release(c.cfg.UnitID)

	s, err := c.dialFTP(ctx)
	if err != nil {
		return nil, err
	}
	defer s.close()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	root := path.Join(RecordingRoot, folder)
	n, err := c.addFolderToZip(ctx, s, zw, root, folder, 0)
	if err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, newErr(KindFTP, c.cfg.UnitID, "ftp download "+root, err)
	}

	c.logger.Info("recording downloaded",
		slog.String("folder", folder),
		slog.Int("files", n),
		slog.Int("bytes", buf.Len()))
	c.events.DeviceEvent(c.cfg.UnitID, "INFO", "FTP",
		fmt.Sprintf("downloaded %s (%d files)", folder, n))
	c.metrics.IncFTPTransfers(c.cfg.UnitID, n)

	return buf.Bytes(), nil
}

// addFolderToZip walks one device directory, writing files into the
// archive under arcPrefix. Returns the number of files archived.
func (c *Client) addFolderToZip(
	ctx context.Context,
	s *ftpSession,
	zw *zip.Writer,
	dir, arcPrefix string,
	depth int,
) (int, error) {
	if depth > maxListDepth {
		return 0, newErr(KindFTP, c.cfg.UnitID, "ftp download "+dir,
			fmt.Errorf("folder nesting exceeds %d levels", maxListDepth))
	}
	if err := ctx.Err(); err != nil {
		return 0, newErr(KindTimeout, c.cfg.UnitID, "ftp download "+dir, err)
	}

	entries, err := s.list(dir)
	if err != nil {
		return 0, newErr(KindFTP, c.cfg.UnitID, "ftp list "+dir, err)
	}

	files := 0
	for _, e := range entries {
		full := path.Join(dir, e.Name)
		arc := path.Join(arcPrefix, e.Name)

		if e.Dir {
			n, err := c.addFolderToZip(ctx, s, zw, full, arc, depth+1)
			if err != nil {
				return files, err
			}
			files += n
			continue
		}

		data, err := s.retr(full)
		if err != nil {
			c.logger.Warn("file skipped",
				slog.String("path", full),
				slog.String("error", err.Error()))
			c.events.DeviceEvent(c.cfg.UnitID, "WARNING", "FTP",
				fmt.Sprintf("skipped %s: %v", full, err))
			continue
		}

		hdr := &zip.FileHeader{
			Name:     arc,
			Method:   zip.Deflate,
			Modified: e.ModTime,
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return files, newErr(KindFTP, c.cfg.UnitID, "ftp download "+dir, err)
		}
		if _, err := w.Write(data); err != nil {
			return files, newErr(KindFTP, c.cfg.UnitID, "ftp download "+dir, err)
		}
		files++
	}
	return files, nil
}
