// Package nl43 implements the client side of the NL-43 sound level meter
// control protocol: ASCII command framing over TCP, DOD/DRD payload parsing,
// continuous DRD streaming, and active-mode FTP retrieval of recorded
// measurement folders.
//
// The meters are fragile. They accept a single concurrent TCP session and
// require at least one second between consecutive commands. The package
// enforces both constraints process-wide through two shared structures that
// the application root owns and passes to every Client:
//
//   - Governor: per-unit minimum inter-command spacing (1s).
//   - LockTable: per-unit exclusive lock held for the full duration of any
//     TCP interaction, whether a single exchange or an hours-long stream.
//
// All blocking operations take a context.Context and honor cancellation.
package nl43
