// Package xerr defines the shared error kinds used across the fleet client.
//
// Every subsystem wraps its failures in one of these sentinels so a caller
// can use errors.Is/errors.As without importing package internals.
package xerr

import "errors"

// Sentinel error kinds shared by every transport and data-model layer.
var (
	// ErrCodec indicates a register value failed to decode or encode
	// (out-of-range, malformed string, bad IP literal).
	ErrCodec = errors.New("codec error")

	// ErrFramer indicates a malformed BFP frame or envelope: bad CRC, bad
	// envelope checksum, or a truncated frame.
	ErrFramer = errors.New("framer error")

	// ErrTransportTimeout indicates a transport-level deadline was reached
	// without a usable response. Distinct from ErrTransportFatal so the
	// Communicator can decide whether to retry.
	ErrTransportTimeout = errors.New("transport timeout")

	// ErrTransportFatal indicates an unclassified socket or connection
	// error that the transport decided not to retry.
	ErrTransportFatal = errors.New("transport fatal error")

	// ErrAuthFailed indicates the HFP transport's credentials were
	// rejected (ERR_AUTH). Sticky: the transport drops its auth state and
	// IsAuthFailed reports true until Resync is called.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrProtocolDenied indicates the register is not readable/writable by
	// the active transport (readable_by/writable_by does not include it),
	// or the HFP interface answered with a result other than OK or ERR_AUTH.
	ErrProtocolDenied = errors.New("register not permitted on this transport")

	// ErrBusNak indicates the device rejected a BFP request at the protocol
	// level (a NAK frame).
	ErrBusNak = errors.New("device rejected request")

	// ErrCancelled indicates a cooperative cancellation was observed.
	// Never treated as a logged error by callers.
	ErrCancelled = errors.New("operation cancelled")

	// ErrFileCompat indicates a persisted fleet document's compat number
	// does not match this build's file_compat_nr.
	ErrFileCompat = errors.New("persisted file is not compatible with this build")

	// ErrInvalidInput indicates a caller-supplied value failed validation
	// before any network operation was attempted.
	ErrInvalidInput = errors.New("invalid input")
)
