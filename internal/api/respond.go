package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fieldacoustics/slmgate/internal/gateway"
	"github.com/fieldacoustics/slmgate/internal/nl43"
	"github.com/fieldacoustics/slmgate/internal/store"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	// Report carries the partial progress of a failed automation cycle.
	Report any `json:"report,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorReport(w, err, nil)
}

func writeErrorReport(w http.ResponseWriter, err error, report any) {
	body := errorBody{Error: err.Error(), Report: report}
	if k := nl43.KindOf(err); k != 0 {
		body.Kind = k.String()
	}
	writeJSON(w, statusFor(err), body)
}

// statusFor maps the device error taxonomy and store sentinels onto HTTP
// status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, nl43.ErrDeviceBusy):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrTCPDisabled),
		errors.Is(err, gateway.ErrFTPDisabled):
		return http.StatusConflict
	case errors.Is(err, store.ErrEmptyHost),
		errors.Is(err, store.ErrInvalidPort),
		errors.Is(err, store.ErrInvalidPollInterval):
		return http.StatusBadRequest
	}

	switch nl43.KindOf(err) {
	case nl43.KindParameter:
		return http.StatusBadRequest
	case nl43.KindTimeout, nl43.KindStreamTimeout:
		return http.StatusGatewayTimeout
	case nl43.KindStorageFull:
		return http.StatusConflict
	case nl43.KindConnect, nl43.KindFTP, nl43.KindCommand,
		nl43.KindSpec, nl43.KindState, nl43.KindProtocol, nl43.KindParse:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a JSON request body into v. An empty body is an error;
// endpoints with optional bodies check ContentLength first.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
