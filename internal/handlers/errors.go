package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/cfilipov/dockstate/internal/auth"
	"github.com/cfilipov/dockstate/internal/engine"
	"github.com/cfilipov/dockstate/internal/images"
	"github.com/cfilipov/dockstate/internal/imagesync"
)

var (
	errNotFound   = errors.New("not found")
	errBadRequest = errors.New("bad request")
)

// classify maps an error to an HTTP status and a stable kind string used in
// both HTTP bodies and WebSocket error acks. A failed pull is checked first
// since it may also wrap a runtime error.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, imagesync.ErrPullFailed):
		return http.StatusBadGateway, "pull_failed"
	case errors.Is(err, engine.ErrRuntimeUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, engine.ErrRuntimeProtocol):
		return http.StatusBadGateway, "protocol"
	case errors.Is(err, images.ErrRemoteLookup):
		return http.StatusBadGateway, "remote_lookup"
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func errNotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, errNotFound)...)
}

func errBadRequestf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, errBadRequest)...)
}
