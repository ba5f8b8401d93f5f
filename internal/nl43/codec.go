package nl43

import (
	"fmt"
	"strconv"
	"strings"
)

// -------------------------------------------------------------------------
// Result Codes — R+NNNN
// -------------------------------------------------------------------------

// Result codes returned by the device on the first response line.
const (
	resultSuccess   = "R+0000"
	resultCommand   = "R+0001"
	resultParameter = "R+0002"
	resultSpec      = "R+0003"
	resultState     = "R+0004"
)

// stripPrompt removes the optional leading '$' prompt from a response line.
func stripPrompt(line string) string {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "$") {
		line = strings.TrimSpace(line[1:])
	}
	return line
}

// checkResultCode validates the first response line for the given unit and
// command. A nil return means success; otherwise the mapped DeviceError.
func checkResultCode(unitID, cmd, line string) error {
	code := stripPrompt(line)

	switch code {
	case resultSuccess:
		return nil
	case resultCommand:
		return newErr(KindCommand, unitID, cmd, fmt.Errorf("device did not recognize command (%s)", code))
	case resultParameter:
		return newErr(KindParameter, unitID, cmd, fmt.Errorf("invalid parameter value (%s)", code))
	case resultSpec:
		return newErr(KindSpec, unitID, cmd, fmt.Errorf("command not supported by this model (%s)", code))
	case resultState:
		return newErr(KindState, unitID, cmd, fmt.Errorf("device in wrong state (%s)", code))
	default:
		return newErr(KindProtocol, unitID, cmd, fmt.Errorf("unknown result code %q", code))
	}
}

// -------------------------------------------------------------------------
// Snapshot — one DOD/DRD observation
// -------------------------------------------------------------------------

// Measurement states as carried in device_status.measurement_state.
const (
	StateStart   = "Start"
	StateStop    = "Stop"
	StateUnknown = "unknown"
)

// Snapshot is a single parsed DOD/DRD observation. Scalars are kept as
// decimal strings to avoid precision loss; an empty string means the field
// was absent from the payload.
type Snapshot struct {
	// UnitID identifies the device; set by the caller, not the codec.
	UnitID string

	// MeasurementState is Start, Stop, or unknown, derived from the
	// interval counter (see dodFieldOrder).
	MeasurementState string

	// Counter is the device's interval counter d0 (1..600 while running).
	Counter string

	// Measurement scalars in dB, as reported.
	Lp    string
	Leq   string
	Lmax  string
	Lmin  string
	Lpeak string

	// RawPayload is the full data line as received, after prompt stripping.
	RawPayload string
}

// LeadingFields returns the first six positional payload fields in wire
// order: counter, lp, leq, lmax, lmin, lpeak.
func (s *Snapshot) LeadingFields() []string {
	return []string{s.Counter, s.Lp, s.Leq, s.Lmax, s.Lmin, s.Lpeak}
}

// -------------------------------------------------------------------------
// DOD Payload Parsing
// -------------------------------------------------------------------------

// dodFieldOrder is the single authoritative positional field map for DOD and
// DRD payloads, matching the DRD documentation: index 0 is the interval
// counter d0, then Lp, Leq, Lmax, Lmin, Lpeak. Validate against a known-good
// device capture before changing.
//
// Some firmware revisions were believed to emit Lp first; the counter-first
// order is what current devices produce.
var dodFieldOrder = [...]string{"counter", "lp", "leq", "lmax", "lmin", "lpeak"}

// ParseDOD parses a comma-separated DOD/DRD data line into a Snapshot.
//
// Fewer than six fields is tolerated (unassigned scalars stay empty); an
// empty or single-field payload is a ParseError. The measurement state is
// derived from the counter: >= 1 means a measurement is running.
func ParseDOD(unitID, payload string) (*Snapshot, error) {
	raw := stripPrompt(payload)
	if raw == "" {
		return nil, newErr(KindParse, unitID, CmdDOD, ErrEmptyPayload)
	}

	parts := splitPayload(raw)
	if len(parts) < 2 {
		return nil, newErr(KindParse, unitID, CmdDOD,
			fmt.Errorf("%w: %q", ErrShortPayload, raw))
	}

	snap := &Snapshot{
		UnitID:           unitID,
		MeasurementState: StateUnknown,
		RawPayload:       raw,
	}

	assign := [...]*string{&snap.Counter, &snap.Lp, &snap.Leq, &snap.Lmax, &snap.Lmin, &snap.Lpeak}
	for i := range dodFieldOrder {
		if i < len(parts) {
			*assign[i] = parts[i]
		}
	}

	snap.MeasurementState = stateFromCounter(snap.Counter)

	return snap, nil
}

// splitPayload splits a data line on commas, trimming whitespace and
// dropping empty fields.
func splitPayload(raw string) []string {
	fields := strings.Split(raw, ",")
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			parts = append(parts, f)
		}
	}
	return parts
}

// stateFromCounter derives the run state from the interval counter d0.
// The counter is nonzero only while a measurement is running.
func stateFromCounter(counter string) string {
	if counter == "" {
		return StateUnknown
	}
	n, err := strconv.Atoi(counter)
	if err != nil {
		return StateUnknown
	}
	if n >= 1 {
		return StateStart
	}
	return StateStop
}
