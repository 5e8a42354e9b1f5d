package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cfilipov/dockstate/internal/auth"
	"github.com/cfilipov/dockstate/internal/db"
	"github.com/cfilipov/dockstate/internal/engine"
	"github.com/cfilipov/dockstate/internal/handlers"
	"github.com/cfilipov/dockstate/internal/images"
	"github.com/cfilipov/dockstate/internal/imagesync"
	"github.com/cfilipov/dockstate/internal/inventory"
	"github.com/cfilipov/dockstate/internal/models"
	"github.com/cfilipov/dockstate/internal/updater"
	"github.com/cfilipov/dockstate/internal/ws"
)

// Fixture is the default daemon state: a running nginx whose registry copy
// has moved on, an exited redis that is current, and alpine only in the
// registry.
const Fixture = `containers:
  - id: 3f4e5d6c7b8a
    names: ["/web"]
    image: nginx:latest
    state: running
    created: 2025-01-02T03:04:05Z
  - id: 9a8b7c6d5e4f
    names: ["/cache"]
    image: redis:7
    state: exited
images:
  - id: sha256:aaa
    repoTags: ["nginx:latest"]
  - id: sha256:ccc
    repoTags: ["redis:7"]
registry:
  nginx:latest: sha256:bbb
  redis:7: sha256:ccc
  alpine:3.20: sha256:ddd
`

// Secret is the API secret of environments created with Options.Auth.
const Secret = "testutil-secret"

var msgIDCounter int64

// Options tweaks Setup.
type Options struct {
	Fixture string // YAML daemon fixture; empty uses Fixture
	Mode    engine.DaemonMode
	Auth    bool
}

// TestEnv holds a fully wired application: BoltDB in a temp dir, a fake
// Docker daemon on a Unix socket, and the real Docker backend talking to it.
type TestEnv struct {
	App     *handlers.App
	Server  *httptest.Server
	Daemon  *engine.FakeDaemon
	Updater *updater.Updater
	DataDir string
}

// Setup creates a test environment from the default fixture.
func Setup(t testing.TB) *TestEnv {
	return SetupWith(t, Options{})
}

// SetupWith creates a test environment with a real HTTP server.
func SetupWith(t testing.TB, opts Options) *TestEnv {
	t.Helper()

	dataDir := filepath.Join(t.TempDir(), "data")
	database, err := db.Open(dataDir)
	if err != nil {
		t.Fatal(err)
	}

	src := opts.Fixture
	if src == "" {
		src = Fixture
	}
	fixture, err := engine.ParseFixture([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	daemon, err := engine.StartFakeDaemon(fixture, opts.Mode)
	if err != nil {
		t.Fatal("start fake daemon:", err)
	}

	rt, err := engine.New(engine.Options{
		Backend:        "docker",
		Endpoint:       daemon.Host(),
		ConnectTimeout: 2 * time.Second,
	})
	if err != nil {
		daemon.Close()
		t.Fatal("runtime:", err)
	}

	resolver, err := images.NewResolver(images.ModeCache, rt)
	if err != nil {
		t.Fatal(err)
	}
	policy := imagesync.NewPolicy(resolver, rt)
	history := models.NewSyncRecordStore(database)
	wss := ws.NewServer(nil)

	app := &handlers.App{
		Inventory: inventory.NewReader(rt),
		Resolver:  resolver,
		Policy:    policy,
		History:   history,
		WS:        wss,
		APISecret: Secret,
		Auth:      opts.Auth,
		Version:   "test",
	}
	app.RegisterWSHandlers()

	upd := updater.New(policy, history, time.Hour)
	upd.OnResult(app.BroadcastSync)

	mux := http.NewServeMux()
	app.RegisterRoutes(mux)
	mux.Handle("/ws", wss)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	app.StartContainerBroadcaster(ctx, 50*time.Millisecond)

	server := httptest.NewServer(app.CORS(mux))

	t.Cleanup(func() {
		cancel()
		wss.CloseAll()
		server.Close()
		daemon.Close()
		database.Close()
	})

	return &TestEnv{
		App:     app,
		Server:  server,
		Daemon:  daemon,
		Updater: upd,
		DataDir: dataDir,
	}
}

// Token mints a token the environment accepts.
func (e *TestEnv) Token(t testing.TB) string {
	t.Helper()
	tok, err := auth.Sign(Secret, "test", time.Hour)
	if err != nil {
		t.Fatal("sign:", err)
	}
	return tok
}

// DialWS opens a WebSocket connection to the test server. query, if
// non-empty, is appended to the URL (e.g. "?token=...").
// Push messages sent on connect are not drained here; SendAndReceive skips
// non-ack messages automatically.
func (e *TestEnv) DialWS(t testing.TB, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + e.Server.URL[4:] + "/ws" + query // http -> ws
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal("dial ws:", err)
	}
	conn.SetReadLimit(1 << 20)

	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
	})

	return conn
}

// SendAndReceive sends a WS event with an ack ID and returns the raw ack
// payload.
func (e *TestEnv) SendAndReceive(t testing.TB, conn *websocket.Conn, event string, args ...any) json.RawMessage {
	t.Helper()

	id := atomic.AddInt64(&msgIDCounter, 1)
	if args == nil {
		args = []any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		t.Fatal("marshal args:", err)
	}

	data, err := json.Marshal(ws.ClientMessage{ID: &id, Event: event, Args: argsJSON})
	if err != nil {
		t.Fatal("marshal msg:", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatal("write:", err)
	}

	// Read messages until we find our ack
	for {
		_, respData, err := conn.Read(ctx)
		if err != nil {
			t.Fatal("read:", err)
		}

		var ack struct {
			ID   *int64          `json:"id"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(respData, &ack); err != nil {
			t.Fatal("unmarshal response:", err)
		}
		if ack.ID != nil && *ack.ID == id {
			return ack.Data
		}
		// Not our ack; it's a push message, skip it
	}
}

// WaitForEvent reads until a push on the given event arrives and returns its
// data.
func (e *TestEnv) WaitForEvent(t testing.TB, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		_, respData, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %q: %v", event, err)
		}
		var msg ws.ServerMessage[json.RawMessage]
		if err := json.Unmarshal(respData, &msg); err != nil {
			t.Fatal("unmarshal push:", err)
		}
		if msg.Event == event {
			return msg.Data
		}
	}
}
