package main

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cfilipov/dockstate/internal/config"
	"github.com/cfilipov/dockstate/internal/db"
	"github.com/cfilipov/dockstate/internal/engine"
	"github.com/cfilipov/dockstate/internal/handlers"
	"github.com/cfilipov/dockstate/internal/images"
	"github.com/cfilipov/dockstate/internal/imagesync"
	"github.com/cfilipov/dockstate/internal/inventory"
	"github.com/cfilipov/dockstate/internal/models"
	"github.com/cfilipov/dockstate/internal/updater"
	"github.com/cfilipov/dockstate/internal/watchlist"
	"github.com/cfilipov/dockstate/internal/ws"
)

// version is set at build time via -ldflags="-X main.version=..."
var version = "0.1.0"

// containerPushInterval is how often connected WebSocket clients get a fresh
// container list (only sent when it changed).
const containerPushInterval = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("dockstate", "err", err)
		os.Exit(1)
	}
}

// openRuntime builds the configured runtime. In mock mode it first starts an
// in-process fake Docker daemon and points the Docker backend at it; the
// returned cleanup stops it.
func openRuntime(cfg *config.Config) (engine.Runtime, func(), error) {
	cleanup := func() {}
	if cfg.Mock {
		fixture := &engine.Fixture{}
		if cfg.MockFixture != "" {
			var err error
			if fixture, err = engine.LoadFixture(cfg.MockFixture); err != nil {
				return nil, cleanup, err
			}
		}
		fd, err := engine.StartFakeDaemon(fixture, engine.ModeNormal)
		if err != nil {
			return nil, cleanup, fmt.Errorf("start mock daemon: %w", err)
		}
		slog.Warn("mock mode: serving a fake docker daemon", "host", fd.Host(), "fixture", cfg.MockFixture)
		cfg.Runtime = "docker"
		cfg.Endpoint = fd.Host()
		cleanup = fd.Close
	}

	rt, err := engine.New(engine.Options{
		Backend:        cfg.Runtime,
		Endpoint:       cfg.Endpoint,
		Namespace:      cfg.Namespace,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return rt, cleanup, nil
}

// apiSecret returns the configured secret, or the one stored in the
// database (generated on first use).
func apiSecret(cfg *config.Config, database *bolt.DB) (string, error) {
	if cfg.APISecret != "" {
		return cfg.APISecret, nil
	}
	return models.NewSettingStore(database).EnsureAPISecret()
}

func serve(cfg *config.Config) error {
	slog.Info("starting dockstate",
		"version", version,
		"port", cfg.Port,
		"dataDir", cfg.DataDir,
		"runtime", cfg.Runtime,
		"identity", cfg.IdentityMode,
		"watchFile", cfg.WatchFile,
		"auth", cfg.Auth,
		"mock", cfg.Mock,
		"logLevel", cfg.LogLevel,
	)

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	secret, err := apiSecret(cfg, database)
	if err != nil {
		return fmt.Errorf("api secret: %w", err)
	}
	if !cfg.Auth {
		slog.Warn("authentication disabled; sync requests are not token-guarded")
	}

	rt, cleanup, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	resolver, err := images.NewResolver(cfg.IdentityMode, rt)
	if err != nil {
		return err
	}
	policy := imagesync.NewPolicy(resolver, rt)
	history := models.NewSyncRecordStore(database)

	wss := ws.NewServer(cfg.AllowedOrigins)

	app := &handlers.App{
		Inventory:      inventory.NewReader(rt),
		Resolver:       resolver,
		Policy:         policy,
		History:        history,
		WS:             wss,
		APISecret:      secret,
		Auth:           cfg.Auth,
		AllowedOrigins: cfg.AllowedOrigins,
		Version:        version,
	}
	app.RegisterWSHandlers()

	api := http.NewServeMux()
	app.RegisterRoutes(api)

	mux := http.NewServeMux()
	mux.Handle("/ws", wss)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if cfg.LogLevel <= slog.LevelDebug {
		mux.HandleFunc("/debug/pprof/", netpprof.Index)
		mux.HandleFunc("/debug/pprof/profile", netpprof.Profile)
		mux.HandleFunc("/debug/pprof/trace", netpprof.Trace)
		slog.Info("pprof enabled at /debug/pprof/")
	}
	mux.Handle("/", gzipMiddleware(api))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.StartContainerBroadcaster(ctx, containerPushInterval)

	if cfg.WatchFile != "" {
		list, err := watchlist.Load(cfg.WatchFile)
		if err != nil {
			return err
		}
		upd := updater.New(policy, history, cfg.SyncInterval)
		upd.OnResult(app.BroadcastSync)
		upd.SetList(list)
		if err := watchlist.Watch(ctx, cfg.WatchFile, upd.SetList); err != nil {
			slog.Warn("watch list watcher failed to start", "err", err)
		}
		upd.Start(ctx)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     app.CORS(mux),
		ReadTimeout: 15 * time.Second,
		// Pulls triggered over REST block the response until they finish.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	slog.Info("shutting down")
	cancel()
	wss.CloseAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// gzipPool reuses gzip.Writer instances (~256KB internal state each).
var gzipPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(nil, gzip.DefaultCompression)
		return w
	},
}

// gzipMiddleware compresses API responses for clients that accept it. It must
// not wrap the WebSocket endpoint; the wrapped writer cannot be hijacked.
func gzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		gz := gzipPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			gz.Close()
			gzipPool.Put(gz)
		}()

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		w.Header().Del("Content-Length")

		next.ServeHTTP(&gzipResponseWriter{Writer: gz, ResponseWriter: w}, r)
	})
}

type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}
