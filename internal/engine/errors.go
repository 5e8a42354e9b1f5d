package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"
)

var (
	// ErrRuntimeUnavailable means the runtime endpoint could not be reached
	// within the connect timeout. Callers may retry.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrRuntimeProtocol means the runtime answered but the response was
	// malformed or an unexpected API error.
	ErrRuntimeProtocol = errors.New("container runtime protocol error")
)

// Error carries the failing operation and its classification. It matches
// its Kind sentinel with errors.Is and unwraps to the underlying cause.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func unavailable(op string, err error) error {
	return &Error{Op: op, Kind: ErrRuntimeUnavailable, Err: err}
}

func protocol(op string, err error) error {
	return &Error{Op: op, Kind: ErrRuntimeProtocol, Err: err}
}

// classify sorts a raw backend error into the taxonomy. A failed request
// (no response) is unavailable; everything the runtime said back to us,
// including an empty or truncated body, is a protocol error.
func classify(op string, err error, connFailed func(error) bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRuntimeUnavailable) || errors.Is(err, ErrRuntimeProtocol) {
		return err
	}
	if isTransportError(err) || (connFailed != nil && connFailed(err)) {
		return unavailable(op, err)
	}
	return protocol(op, err)
}

// isDecodeError reports a malformed response body. A bare io.EOF comes from
// decoding an empty body; EOF before any response arrives is wrapped in a
// *url.Error by the HTTP client.
func isDecodeError(err error) bool {
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	return errors.As(err, &syn) || errors.As(err, &typ) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

func isTransportError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	if isDecodeError(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENOENT) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
