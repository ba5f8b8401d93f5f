package nl43

import (
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Error Kinds — closed taxonomy
// -------------------------------------------------------------------------

// Kind classifies a device interaction failure. The set is closed: every
// error surfaced by this package carries exactly one of these kinds.
type Kind uint8

const (
	// KindConnect indicates the TCP connection to the device failed.
	KindConnect Kind = iota + 1

	// KindTimeout indicates a bounded wait was exceeded (connect, exchange,
	// lock acquisition, or rate-governor wait pre-empted by a deadline).
	KindTimeout

	// KindCommand indicates the device did not recognize the command (R+0001).
	KindCommand

	// KindParameter indicates the device rejected a parameter value (R+0002).
	KindParameter

	// KindSpec indicates the command is not supported by this device model (R+0003).
	KindSpec

	// KindState indicates the device is in the wrong state for the command (R+0004).
	KindState

	// KindProtocol indicates an unknown or malformed result code.
	KindProtocol

	// KindParse indicates a data payload could not be interpreted.
	KindParse

	// KindStreamTimeout indicates the DRD per-line quiet period was exceeded.
	KindStreamTimeout

	// KindStorageFull indicates a start cycle could not find a free index.
	KindStorageFull

	// KindFTP indicates a failure in any FTP phase (connect, auth, listing, data).
	KindFTP
)

// String returns the human-readable name for the error kind.
func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "ConnectError"
	case KindTimeout:
		return "TimeoutError"
	case KindCommand:
		return "CommandError"
	case KindParameter:
		return "ParameterError"
	case KindSpec:
		return "SpecError"
	case KindState:
		return "StateError"
	case KindProtocol:
		return "ProtocolError"
	case KindParse:
		return "ParseError"
	case KindStreamTimeout:
		return "StreamTimeout"
	case KindStorageFull:
		return "StorageFullError"
	case KindFTP:
		return "FTPError"
	default:
		return "unknown"
	}
}

// -------------------------------------------------------------------------
// DeviceError
// -------------------------------------------------------------------------

// DeviceError is the concrete error type for all device interaction
// failures. It carries the unit, the operation that failed, and the kind.
type DeviceError struct {
	// Kind is the taxonomy classification.
	Kind Kind

	// UnitID identifies the device the operation targeted.
	UnitID string

	// Op names the failed operation (e.g., "exchange", "ftp list").
	Op string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: unit %s: %s: %v", e.Kind, e.UnitID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: unit %s: %s", e.Kind, e.UnitID, e.Op)
}

// Unwrap returns the underlying cause for errors.Is / errors.As chains.
func (e *DeviceError) Unwrap() error { return e.Err }

// newErr builds a DeviceError for the given unit and operation.
func newErr(kind Kind, unitID, op string, err error) *DeviceError {
	return &DeviceError{Kind: kind, UnitID: unitID, Op: op, Err: err}
}

// NewStorageFull builds the DeviceError reported when a start cycle's
// index rotation finds no free store slot.
func NewStorageFull(unitID string, cause error) *DeviceError {
	if cause == nil {
		cause = ErrStorageFull
	}
	return newErr(KindStorageFull, unitID, "index rotation", cause)
}

// KindOf returns the Kind carried by err, or zero if err is not a DeviceError.
func KindOf(err error) Kind {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

// IsKind reports whether err is a DeviceError of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrDeviceBusy indicates the per-device lock could not be acquired
	// within the caller's deadline, typically because a long-lived DRD
	// stream holds it. The background poller treats this as a skip, not a
	// failure.
	ErrDeviceBusy = errors.New("device busy: exclusive session held by another operation")

	// ErrEmptyPayload indicates a query returned no data line content.
	ErrEmptyPayload = errors.New("empty data payload")

	// ErrShortPayload indicates a DOD/DRD payload had fewer than two fields.
	ErrShortPayload = errors.New("payload has fewer than two fields")

	// ErrStorageFull indicates every storage index from the current position
	// wrapped back around without finding a free slot.
	ErrStorageFull = errors.New("device storage full: no free store index")
)
