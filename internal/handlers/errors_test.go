package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/cfilipov/dockstate/internal/auth"
	"github.com/cfilipov/dockstate/internal/engine"
	"github.com/cfilipov/dockstate/internal/images"
	"github.com/cfilipov/dockstate/internal/imagesync"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	unavailable := &engine.Error{Op: "ping", Kind: engine.ErrRuntimeUnavailable, Err: errors.New("refused")}

	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"unavailable", fmt.Errorf("list: %w", unavailable), http.StatusServiceUnavailable, "unavailable"},
		{"protocol", &engine.Error{Op: "list", Kind: engine.ErrRuntimeProtocol, Err: errors.New("bad json")}, http.StatusBadGateway, "protocol"},
		{"pull failed wins over unavailable", &imagesync.PullError{Reference: "x:1", Err: unavailable}, http.StatusBadGateway, "pull_failed"},
		{"remote lookup", fmt.Errorf("%w: boom", images.ErrRemoteLookup), http.StatusBadGateway, "remote_lookup"},
		{"token", auth.ErrInvalidToken, http.StatusUnauthorized, "unauthorized"},
		{"not found", errNotFoundf("container %q", "c3"), http.StatusNotFound, "not_found"},
		{"bad request", errBadRequestf("missing ref"), http.StatusBadRequest, "bad_request"},
		{"other", errors.New("disk full"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			status, kind := classify(tt.err)
			if status != tt.status || kind != tt.kind {
				t.Errorf("classify = (%d, %q), want (%d, %q)", status, kind, tt.status, tt.kind)
			}
		})
	}
}

func TestErrNotFoundfMessage(t *testing.T) {
	t.Parallel()
	err := errNotFoundf("container %q", "c3")
	if err.Error() != `container "c3": not found` {
		t.Errorf("Error() = %q", err.Error())
	}
}
