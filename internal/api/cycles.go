package api

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/fieldacoustics/slmgate/internal/nl43"
)

// -------------------------------------------------------------------------
// Automation Cycles
// -------------------------------------------------------------------------

// handleStartCycle runs the full start cycle: clock sync (if configured),
// index rotation, Measure,Start. On failure the partial report rides along
// in the error body.
func (s *Server) handleStartCycle(w http.ResponseWriter, r *http.Request) {
	rep, err := s.svc.StartCycle(r.Context(), unitID(r))
	if err != nil {
		writeErrorReport(w, err, rep)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleStopCycle runs the stop cycle. The default response is the JSON
// report; with ?download=true and a successful retrieval, the recording
// archive is returned directly as a ZIP.
func (s *Server) handleStopCycle(w http.ResponseWriter, r *http.Request) {
	rep, err := s.svc.StopCycle(r.Context(), unitID(r))
	if err != nil {
		writeErrorReport(w, err, rep)
		return
	}

	wantZip, _ := strconv.ParseBool(r.URL.Query().Get("download"))
	if wantZip && len(rep.Archive) > 0 {
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", rep.Folder+".zip"))
		w.Header().Set("Content-Length", strconv.Itoa(len(rep.Archive)))
		w.Write(rep.Archive)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleSyncStartTime(w http.ResponseWriter, r *http.Request) {
	ts, err := s.svc.SyncStartTime(r.Context(), unitID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unit_id":                unitID(r),
		"measurement_start_time": ts,
	})
}

// -------------------------------------------------------------------------
// FTP
// -------------------------------------------------------------------------

func (s *Server) handleFTPStatus(w http.ResponseWriter, r *http.Request) {
	s.deviceQuery(w, r, "ftp_state", func(ctx context.Context, c *nl43.Client) (string, error) { return c.FTPState(ctx) })
}

func (s *Server) handleFTPEnable(w http.ResponseWriter, r *http.Request) {
	s.deviceCommand(w, r, "ftp-enable", func(ctx context.Context, c *nl43.Client) error {
		return c.SetFTP(ctx, true)
	})
}

func (s *Server) handleFTPDisable(w http.ResponseWriter, r *http.Request) {
	s.deviceCommand(w, r, "ftp-disable", func(ctx context.Context, c *nl43.Client) error {
		return c.SetFTP(ctx, false)
	})
}

// ftpEntryDTO is the JSON shape of one FTP listing entry.
type ftpEntryDTO struct {
	Name    string    `json:"name"`
	Dir     bool      `json:"dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ftpClient resolves the device client for FTP retrieval endpoints, which
// gate on ftp_enabled rather than tcp_enabled.
func (s *Server) ftpClient(w http.ResponseWriter, r *http.Request) (*nl43.Client, bool) {
	c, err := s.svc.FTPClient(r.Context(), unitID(r))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return c, true
}

func (s *Server) handleFTPFiles(w http.ResponseWriter, r *http.Request) {
	c, ok := s.ftpClient(w, r)
	if !ok {
		return
	}
	entries, err := c.ListRecordings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]ftpEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, ftpEntryDTO{
			Name: e.Name, Dir: e.Dir, Size: e.Size, ModTime: e.ModTime,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unit_id": unitID(r),
		"root":    nl43.RecordingRoot,
		"entries": out,
		"count":   len(out),
	})
}

func (s *Server) handleFTPLatestTime(w http.ResponseWriter, r *http.Request) {
	c, ok := s.ftpClient(w, r)
	if !ok {
		return
	}
	ts, err := c.NewestRecordingTime(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unit_id":                 unitID(r),
		"latest_measurement_time": ts,
	})
}

// handleFTPDownload retrieves one file by path relative to the recording
// root (or absolute, if it starts with /).
func (s *Server) handleFTPDownload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must carry a path"})
		return
	}

	filePath := body.Path
	if !strings.HasPrefix(filePath, "/") {
		filePath = path.Join(nl43.RecordingRoot, filePath)
	}

	c, ok := s.ftpClient(w, r)
	if !ok {
		return
	}
	data, err := c.DownloadFile(r.Context(), filePath)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", path.Base(filePath)))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// handleFTPDownloadFolder retrieves one recording folder as a ZIP archive.
func (s *Server) handleFTPDownloadFolder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Folder string `json:"folder"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Folder == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must carry a folder"})
		return
	}

	c, ok := s.ftpClient(w, r)
	if !ok {
		return
	}
	blob, err := c.DownloadRecordingZIP(r.Context(), body.Folder)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", body.Folder+".zip"))
	w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
	w.Write(blob)
}
