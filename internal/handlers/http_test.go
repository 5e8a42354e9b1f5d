package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cfilipov/dockstate/internal/auth"
	"github.com/cfilipov/dockstate/internal/db"
	"github.com/cfilipov/dockstate/internal/engine"
	"github.com/cfilipov/dockstate/internal/images"
	"github.com/cfilipov/dockstate/internal/imagesync"
	"github.com/cfilipov/dockstate/internal/inventory"
	"github.com/cfilipov/dockstate/internal/models"
	"github.com/cfilipov/dockstate/internal/ws"
)

const testSecret = "test-secret"

type testEnv struct {
	app  *App
	fake *engine.FakeRuntime
	srv  *httptest.Server
}

// newTestEnv builds an App over a FakeRuntime holding the c1/c2 scenario and
// serves it the way main does.
func newTestEnv(t *testing.T, authOn bool, origins ...string) *testEnv {
	t.Helper()

	fake := engine.NewFakeRuntime()
	fake.AddContainer(engine.Container{ID: "c1", Names: []string{"/web"}, Image: "nginx:latest", State: "running"})
	fake.AddContainer(engine.Container{ID: "c2", Image: "redis:7", State: "exited"})
	fake.AddImage("sha256:aaa", "nginx:latest")
	fake.SetRegistry("redis:7", "sha256:ccc")

	database, err := db.Open(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	resolver, err := images.NewResolver(images.ModeCache, fake)
	if err != nil {
		t.Fatal(err)
	}

	app := &App{
		Inventory:      inventory.NewReader(fake),
		Resolver:       resolver,
		Policy:         imagesync.NewPolicy(resolver, fake),
		History:        models.NewSyncRecordStore(database),
		WS:             ws.NewServer(origins),
		APISecret:      testSecret,
		Auth:           authOn,
		AllowedOrigins: origins,
		Version:        "1.2.3",
	}
	app.RegisterWSHandlers()

	mux := http.NewServeMux()
	app.RegisterRoutes(mux)
	mux.Handle("/ws", app.WS)
	srv := httptest.NewServer(app.CORS(mux))
	t.Cleanup(srv.Close)

	return &testEnv{app: app, fake: fake, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestListContainers(t *testing.T) {
	e := newTestEnv(t, false)

	for _, path := range []string{"/api/containers", "/GetAllDockerContainerConfiguration"} {
		resp, body := e.do(t, "GET", path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d: %s", path, resp.StatusCode, body)
		}
		var records []inventory.ContainerRecord
		if err := json.Unmarshal(body, &records); err != nil {
			t.Fatal(err)
		}
		if len(records) != 2 || records[0].Name != "web" || records[1].State != "exited" {
			t.Errorf("%s: records = %+v", path, records)
		}
	}
}

func TestGetContainerAndStatus(t *testing.T) {
	e := newTestEnv(t, false)

	tests := []struct {
		path   string
		status int
		want   string
	}{
		{"/api/containers/c1", http.StatusOK, `"id":"c1"`},
		{"/api/containers/c3", http.StatusNotFound, `"kind":"not_found"`},
		{"/api/containers/c2/status", http.StatusOK, `{"id":"c2","state":"exited"}`},
		{"/api/containers/c3/status", http.StatusNotFound, `"kind":"not_found"`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := e.do(t, "GET", tt.path, "", nil)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if !strings.Contains(string(body), tt.want) {
				t.Errorf("body %s does not contain %s", body, tt.want)
			}
		})
	}
}

func TestRuntimeUnavailableIs503(t *testing.T) {
	e := newTestEnv(t, false)
	e.fake.SetHang(true, 50*time.Millisecond)

	resp, body := e.do(t, "GET", "/api/containers", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"kind":"unavailable"`) {
		t.Errorf("body = %s", body)
	}
}

func TestImageIdentity(t *testing.T) {
	e := newTestEnv(t, false)

	resp, body := e.do(t, "GET", "/api/images/identity?ref=nginx:latest", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"id":"sha256:aaa"`) {
		t.Errorf("present: %d %s", resp.StatusCode, body)
	}
	resp, _ = e.do(t, "GET", "/api/images/identity?ref=alpine:3.20", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("absent: status %d", resp.StatusCode)
	}
	resp, _ = e.do(t, "GET", "/api/images/identity", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing ref: status %d", resp.StatusCode)
	}
}

func TestSyncAndHistory(t *testing.T) {
	e := newTestEnv(t, false)

	resp, body := e.do(t, "POST", "/api/images/sync", `{"reference":"redis:7"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var d imagesync.Decision
	json.Unmarshal(body, &d)
	if d.Outcome != imagesync.NotPresentLocally || !d.Pulled {
		t.Errorf("decision = %+v", d)
	}

	resp, body = e.do(t, "POST", "/api/images/sync", `{"reference":"redis:7"}`, nil)
	json.Unmarshal(body, &d)
	if resp.StatusCode != http.StatusOK || d.Outcome != imagesync.Match {
		t.Errorf("second sync: %d %+v", resp.StatusCode, d)
	}
	if n := e.fake.PullCount("redis:7"); n != 1 {
		t.Errorf("pull count = %d, want 1", n)
	}

	resp, body = e.do(t, "POST", "/api/images/sync", `{"reference":"ghost:1"}`, nil)
	if resp.StatusCode != http.StatusBadGateway || !strings.Contains(string(body), "pull_failed") {
		t.Errorf("failed pull: %d %s", resp.StatusCode, body)
	}

	resp, body = e.do(t, "GET", "/api/images/sync", "", nil)
	var records []models.SyncRecord
	json.Unmarshal(body, &records)
	if resp.StatusCode != http.StatusOK || len(records) != 2 {
		t.Fatalf("history: %d %s", resp.StatusCode, body)
	}
	if records[0].Reference != "ghost:1" || records[0].Error == "" {
		t.Errorf("ghost record = %+v", records[0])
	}
	if records[1].Reference != "redis:7" || records[1].Outcome != "Match" {
		t.Errorf("redis record = %+v", records[1])
	}
}

func TestSyncRecordByReference(t *testing.T) {
	e := newTestEnv(t, false)
	e.do(t, "POST", "/api/images/sync", `{"reference":"redis:7"}`, nil)

	resp, body := e.do(t, "GET", "/api/images/sync?ref=redis:7", "", nil)
	var rec models.SyncRecord
	json.Unmarshal(body, &rec)
	if resp.StatusCode != http.StatusOK || rec.Reference != "redis:7" || !rec.Pulled {
		t.Errorf("get: %d %s", resp.StatusCode, body)
	}

	resp, body = e.do(t, "GET", "/api/images/sync?ref=alpine:3.20", "", nil)
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(string(body), `"kind":"not_found"`) {
		t.Errorf("unknown ref: %d %s", resp.StatusCode, body)
	}
}

func TestDeleteSyncRecord(t *testing.T) {
	e := newTestEnv(t, true)
	good, _ := auth.Sign(testSecret, "ci", time.Hour)
	bearer := http.Header{"Authorization": {"Bearer " + good}}
	e.do(t, "POST", "/api/images/sync", `{"reference":"redis:7"}`, bearer)

	resp, _ := e.do(t, "DELETE", "/api/images/sync?ref=redis:7", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status %d", resp.StatusCode)
	}

	resp, body := e.do(t, "DELETE", "/api/images/sync?ref=redis:7", "", bearer)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"removed":1`) {
		t.Errorf("delete: %d %s", resp.StatusCode, body)
	}
	if _, ok, _ := e.app.History.Get("redis:7"); ok {
		t.Error("record still stored after delete")
	}

	resp, _ = e.do(t, "DELETE", "/api/images/sync?ref=redis:7", "", bearer)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: status %d, want 404", resp.StatusCode)
	}
	resp, _ = e.do(t, "DELETE", "/api/images/sync", "", bearer)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing ref: status %d, want 400", resp.StatusCode)
	}
}

func TestInfo(t *testing.T) {
	e := newTestEnv(t, true)
	resp, body := e.do(t, "GET", "/api/info", "", nil)
	if resp.StatusCode != http.StatusOK || string(body) != `{"version":"1.2.3","auth":true}`+"\n" {
		t.Errorf("info: %d %q", resp.StatusCode, body)
	}
}

func TestSyncBadRequests(t *testing.T) {
	e := newTestEnv(t, false)

	for _, body := range []string{`not json`, `{}`, `{"reference":"  "}`} {
		resp, _ := e.do(t, "POST", "/api/images/sync", body, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status %d, want 400", body, resp.StatusCode)
		}
	}
	if e.fake.TotalPulls() != 0 {
		t.Error("bad requests must not pull")
	}
}

func TestSyncRequiresToken(t *testing.T) {
	e := newTestEnv(t, true)
	body := `{"reference":"nginx:latest"}`

	resp, _ := e.do(t, "POST", "/api/images/sync", body, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status %d", resp.StatusCode)
	}

	bad, _ := auth.Sign("wrong-secret", "ci", time.Hour)
	resp, _ = e.do(t, "POST", "/api/images/sync", body, http.Header{"Authorization": {"Bearer " + bad}})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: status %d", resp.StatusCode)
	}

	good, _ := auth.Sign(testSecret, "ci", time.Hour)
	resp, _ = e.do(t, "POST", "/api/images/sync", body, http.Header{"Authorization": {"Bearer " + good}})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("good token: status %d", resp.StatusCode)
	}

	// Reads stay open.
	resp, _ = e.do(t, "GET", "/api/containers", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("read with auth on: status %d", resp.StatusCode)
	}
}

func TestCORS(t *testing.T) {
	t.Run("any origin", func(t *testing.T) {
		e := newTestEnv(t, false, "*")
		resp, _ := e.do(t, "GET", "/api/containers", "", http.Header{"Origin": {"https://dash.example.com"}})
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("Allow-Origin = %q, want *", got)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		e := newTestEnv(t, true, "*")
		resp, _ := e.do(t, "OPTIONS", "/api/images/sync", "", http.Header{
			"Origin":                        {"https://dash.example.com"},
			"Access-Control-Request-Method": {"POST"},
		})
		if resp.StatusCode != http.StatusNoContent {
			t.Errorf("preflight status = %d, want 204", resp.StatusCode)
		}
		if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), "Authorization") {
			t.Errorf("Allow-Headers = %q", resp.Header.Get("Access-Control-Allow-Headers"))
		}
	})

	t.Run("restricted origins", func(t *testing.T) {
		e := newTestEnv(t, false, "dash.example.com")
		resp, _ := e.do(t, "GET", "/api/containers", "", http.Header{"Origin": {"https://dash.example.com"}})
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://dash.example.com" {
			t.Errorf("allowed origin echoed as %q", got)
		}
		resp, _ = e.do(t, "GET", "/api/containers", "", http.Header{"Origin": {"https://evil.example.net"}})
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("foreign origin got Allow-Origin %q", got)
		}
	})
}
