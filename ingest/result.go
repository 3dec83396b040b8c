package ingest

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Result is the outcome of one completed operation.
type Result int

const (
	Success          Result = iota // Operation completed normally
	OperationAborted               // Socket closed locally while the operation was pending
	Cancelled                      // Operation cancelled through its context
	LocalDisconnect                // Connection torn down on this side
	RemoteDisconnect               // Peer closed or reset the connection
	IOFailure                      // Any other transport failure
)

// String returns the result name used in logs and metric labels.
func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case OperationAborted:
		return "operation_aborted"
	case Cancelled:
		return "cancelled"
	case LocalDisconnect:
		return "local_disconnect"
	case RemoteDisconnect:
		return "remote_disconnect"
	case IOFailure:
		return "io_failure"
	default:
		return "unknown"
	}
}

// IsShutdownStatus reports whether r is one of the statuses produced when a
// socket is torn down underneath a pending operation.
func (r Result) IsShutdownStatus() bool {
	switch r {
	case OperationAborted, Cancelled, LocalDisconnect, RemoteDisconnect:
		return true
	default:
		return false
	}
}

// ClassifyError maps a Go I/O error onto a Result.
//
// Parameters:
//   - err: The error returned by Accept, Read or Close; nil means success
//
// Returns:
//   - The matching Result
func ClassifyError(err error) Result {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, net.ErrClosed):
		return OperationAborted
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET):
		return RemoteDisconnect
	case errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return LocalDisconnect
	default:
		return IOFailure
	}
}
