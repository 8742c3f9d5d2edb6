package audio

import (
	"errors"
	"fmt"
)

// Result is the enumerated outcome of an audio operation. Every non-success
// Result is also an error, so operations return it (usually wrapped with
// context) and callers recover it with errors.Is or ResultOf.
type Result int

const (
	Success Result = iota
	DeviceNotFound
	FormatNotSupported
	BackendInitFailed
	DeviceBusy
	BufferUnderrun
	BufferOverrun
	NotInitialized
	AlreadyInitialized
	DeviceAlreadyStarted
	DeviceAlreadyStopped
	InvalidState
	DeviceClosed
	InvalidArgument
)

var resultNames = map[Result]string{
	Success:              "success",
	DeviceNotFound:       "device not found",
	FormatNotSupported:   "format not supported",
	BackendInitFailed:    "backend init failed",
	DeviceBusy:           "device busy",
	BufferUnderrun:       "buffer underrun",
	BufferOverrun:        "buffer overrun",
	NotInitialized:       "audio subsystem not initialized",
	AlreadyInitialized:   "audio subsystem already initialized",
	DeviceAlreadyStarted: "device already started",
	DeviceAlreadyStopped: "device already stopped",
	InvalidState:         "invalid session state",
	DeviceClosed:         "device closed",
	InvalidArgument:      "invalid argument",
}

// String returns the human-readable name of the result
func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Error implements the error interface
func (r Result) Error() string {
	return r.String()
}

// IsStreaming reports whether the result is a non-fatal runtime streaming condition
func (r Result) IsStreaming() bool {
	return r == BufferUnderrun || r == BufferOverrun
}

// ResultOf extracts the Result carried by err. A nil error is Success and an
// error that carries no Result maps to BackendInitFailed, the catch-all for
// native failures.
func ResultOf(err error) Result {
	if err == nil {
		return Success
	}
	var r Result
	if errors.As(err, &r) {
		return r
	}
	return BackendInitFailed
}

// resultErr wraps a Result with operation context, keeping the native cause if any
func resultErr(r Result, cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		return fmt.Errorf("%w: %s: %w", r, msg, cause)
	}
	return fmt.Errorf("%w: %s", r, msg)
}
