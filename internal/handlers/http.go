package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/cfilipov/dockstate/internal/auth"
	"github.com/cfilipov/dockstate/internal/imagesync"
	"github.com/cfilipov/dockstate/internal/models"
	"github.com/cfilipov/dockstate/internal/updater"
)

const maxBodySize = 1 << 20 // 1 MB

// RegisterRoutes adds the REST API to mux.
func (app *App) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/containers", app.handleListContainers)
	mux.HandleFunc("GET /api/containers/{id}", app.handleGetContainer)
	mux.HandleFunc("GET /api/containers/{id}/status", app.handleContainerStatus)
	mux.HandleFunc("GET /api/images/identity", app.handleImageIdentity)
	mux.Handle("POST /api/images/sync", app.requireToken(http.HandlerFunc(app.handleSync)))
	mux.HandleFunc("GET /api/images/sync", app.handleSyncHistory)
	mux.Handle("DELETE /api/images/sync", app.requireToken(http.HandlerFunc(app.handleDeleteSyncRecord)))
	mux.HandleFunc("GET /api/info", app.handleInfo)

	// Path served by earlier releases; same payload as /api/containers.
	mux.HandleFunc("GET /GetAllDockerContainerConfiguration", app.handleListContainers)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	if status >= 500 {
		slog.Warn("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func (app *App) handleListContainers(w http.ResponseWriter, r *http.Request) {
	records, err := app.Inventory.ListAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (app *App) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := app.Inventory.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, errNotFoundf("container %q", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type containerStatus struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (app *App) handleContainerStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, ok, err := app.Inventory.StatusOf(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, errNotFoundf("container %q", id))
		return
	}
	writeJSON(w, http.StatusOK, containerStatus{ID: id, State: state})
}

func (app *App) handleImageIdentity(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		writeError(w, r, errBadRequestf("missing ref parameter"))
		return
	}
	id, ok, err := app.Resolver.LocalIdentity(r.Context(), ref)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, errNotFoundf("image %q not present locally", ref))
		return
	}
	writeJSON(w, http.StatusOK, id)
}

type syncRequest struct {
	Reference string `json:"reference"`
}

func (app *App) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("decode body: %w: %w", errBadRequest, err))
		return
	}
	req.Reference = strings.TrimSpace(req.Reference)
	if req.Reference == "" {
		writeError(w, r, errBadRequestf("missing reference"))
		return
	}

	d, err := app.ensureUpToDate(r, req.Reference)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ensureUpToDate runs the sync policy and records and broadcasts its result.
func (app *App) ensureUpToDate(r *http.Request, ref string) (imagesync.Decision, error) {
	d, err := app.Policy.EnsureUpToDate(r.Context(), ref)
	app.RecordSync(updater.Result{Decision: d, Err: err})
	return d, err
}

// handleSyncHistory lists every record, or returns the one for ?ref=.
func (app *App) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref != "" {
		rec, err := app.syncRecord(ref)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}
	if app.History == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	records, err := app.History.List()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (app *App) syncRecord(ref string) (models.SyncRecord, error) {
	if app.History == nil {
		return models.SyncRecord{}, errNotFoundf("no sync record for %q", ref)
	}
	rec, ok, err := app.History.Get(ref)
	if err != nil {
		return models.SyncRecord{}, err
	}
	if !ok {
		return models.SyncRecord{}, errNotFoundf("no sync record for %q", ref)
	}
	return rec, nil
}

type deleteResult struct {
	Removed int `json:"removed"`
}

func (app *App) handleDeleteSyncRecord(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		writeError(w, r, errBadRequestf("missing ref parameter"))
		return
	}
	if app.History == nil {
		writeError(w, r, errNotFoundf("no sync record for %q", ref))
		return
	}
	n, err := app.History.Delete(ref)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if n == 0 {
		writeError(w, r, errNotFoundf("no sync record for %q", ref))
		return
	}
	writeJSON(w, http.StatusOK, deleteResult{Removed: n})
}

type serverInfo struct {
	Version string `json:"version"`
	Auth    bool   `json:"auth"`
}

func (app *App) info() serverInfo {
	return serverInfo{Version: app.Version, Auth: app.Auth}
}

func (app *App) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.info())
}

// requireToken rejects requests without a valid bearer token when auth is on.
func (app *App) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if app.Auth {
			tok := auth.TokenFromRequest(r)
			if tok == "" {
				writeError(w, r, fmt.Errorf("missing token: %w", auth.ErrInvalidToken))
				return
			}
			if _, err := auth.Verify(tok, app.APISecret); err != nil {
				if !errors.Is(err, auth.ErrInvalidToken) {
					err = fmt.Errorf("%w: %w", auth.ErrInvalidToken, err)
				}
				writeError(w, r, err)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// CORS applies the cross-origin policy and answers preflight requests.
func (app *App) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && app.originAllowed(origin) {
			h := w.Header()
			if app.anyOrigin() {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (app *App) anyOrigin() bool {
	if len(app.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range app.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

// originAllowed matches the origin's host against the allowed patterns, the
// same way the WebSocket upgrade does (path.Match syntax).
func (app *App) originAllowed(origin string) bool {
	if app.anyOrigin() {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, pattern := range app.AllowedOrigins {
		if pattern == origin {
			return true
		}
		if ok, _ := path.Match(strings.ToLower(pattern), strings.ToLower(u.Host)); ok {
			return true
		}
	}
	return false
}
