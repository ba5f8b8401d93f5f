package nl43

import (
	"fmt"
	"strings"
)

// -------------------------------------------------------------------------
// Command Catalog — NL-43 communication guide wire forms
// -------------------------------------------------------------------------

// Canonical wire forms for the NL-43 command set. All commands are ASCII
// and terminated with CRLF on the wire (the Client appends the terminator).
const (
	// CmdDOD requests one immediate snapshot of live measurement values.
	CmdDOD = "DOD?"

	// CmdDLC requests the final calculation results of the last measurement.
	CmdDLC = "DLC?"

	// CmdDRD opens a continuous snapshot stream, terminated by SUB (0x1A).
	CmdDRD = "DRD?"

	// CmdMeasureStart / CmdMeasureStop control the measurement run state.
	CmdMeasureStart = "Measure,Start"
	CmdMeasureStop  = "Measure,Stop"

	// CmdMeasureQuery reads the current measurement run state.
	CmdMeasureQuery = "Measure?"

	// CmdPauseOn / CmdPauseOff pause and resume a running measurement.
	CmdPauseOn  = "Pause,On"
	CmdPauseOff = "Pause,Off"

	// CmdReset clears the current measurement data.
	CmdReset = "Reset"

	// CmdStoreModeManual / CmdManualStore arm and fire a manual store.
	CmdStoreModeManual = "Store Mode,Manual"
	CmdManualStore     = "Manual Store,Start"

	// CmdBatteryQuery reads the battery level.
	CmdBatteryQuery = "Battery Level?"

	// CmdClockQuery reads the device clock.
	CmdClockQuery = "Clock?"

	// CmdFreqWeightQuery / CmdTimeWeightQuery read the main channel weightings.
	CmdFreqWeightQuery = "Frequency Weighting (Main)?"
	CmdTimeWeightQuery = "Time Weighting (Main)?"

	// Preset queries for measurement and interval timing.
	CmdMeasureTimeQuery = "Measurement Time Preset Manual?"
	CmdLeqIntervalQuery = "Leq Calculation Interval Preset?"
	CmdLpIntervalQuery  = "Lp Store Interval?"

	// CmdStoreNameQuery reads the four-digit store index.
	CmdStoreNameQuery = "Store Name?"

	// CmdOverwriteQuery probes whether the selected store slot holds data.
	// The device answers "None" or "Exist".
	CmdOverwriteQuery = "Overwrite?"

	// CmdSleepQuery reads the sleep mode state.
	CmdSleepQuery = "Sleep Mode?"

	// CmdFTPQuery reads the FTP server state ("On" or "Off").
	CmdFTPQuery = "FTP?"
)

// Setter builders for commands that take a parameter.

// ClockSet formats a clock setter: Clock,YYYY/MM/DD HH:MM:SS.
func ClockSet(stamp string) string { return "Clock," + stamp }

// FreqWeightSet formats a frequency weighting setter (A, C, or Z).
func FreqWeightSet(w string) string { return "Frequency Weighting (Main)," + w }

// TimeWeightSet formats a time weighting setter (F, S, or I).
func TimeWeightSet(w string) string { return "Time Weighting (Main)," + w }

// MeasureTimeSet formats a measurement time preset setter.
func MeasureTimeSet(v string) string { return "Measurement Time Preset Manual," + v }

// LeqIntervalSet formats a Leq calculation interval preset setter.
func LeqIntervalSet(v string) string { return "Leq Calculation Interval Preset," + v }

// LpIntervalSet formats an Lp store interval setter.
func LpIntervalSet(v string) string { return "Lp Store Interval," + v }

// StoreNameSet formats a store index setter, zero-padded to four digits.
func StoreNameSet(index int) string { return fmt.Sprintf("Store Name,%04d", index) }

// SleepSet formats a sleep mode setter ("On" or "Off").
func SleepSet(on bool) string {
	if on {
		return "Sleep Mode,On"
	}
	return "Sleep Mode,Off"
}

// FTPSet formats an FTP server toggle ("On" or "Off").
func FTPSet(on bool) string {
	if on {
		return "FTP,On"
	}
	return "FTP,Off"
}

// IsQuery reports whether a command expects a data line after the result
// code. Query commands end in '?'.
func IsQuery(cmd string) bool {
	return strings.HasSuffix(strings.TrimSpace(cmd), "?")
}

// SUB is the single byte transmitted to terminate a DRD stream.
const SUB = 0x1A
