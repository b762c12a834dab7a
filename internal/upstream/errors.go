package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrConnect means the upstream could not be reached or the connection dropped.
	ErrConnect = errors.New("upstream: connect failed")
	// ErrProtocol means the upstream answered with a non-2xx status or an unusable body.
	ErrProtocol = errors.New("upstream: protocol error")
	// ErrTimeout means a deadline expired before the upstream finished.
	ErrTimeout = errors.New("upstream: timeout")
	// ErrLineTooLong is reported on a stream line that exceeds the configured maximum.
	ErrLineTooLong = errors.New("upstream: stream line too long")
	// ErrInvalidPayload is returned before any I/O when the payload's response_mode
	// does not match the call.
	ErrInvalidPayload = errors.New("upstream: invalid payload")
)

// Error describes a failed upstream call. Kind is one of the package sentinels.
type Error struct {
	Kind   error
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (http %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Classify returns a short label for err, used for metrics and logs.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnect):
		return "connect"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrLineTooLong):
		return "line_too_long"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	default:
		return "error"
	}
}

// transportError classifies an error from the HTTP transport or body reader.
func transportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: ErrTimeout, Err: err}
	}
	return &Error{Kind: ErrConnect, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
