// Command mock-daemon runs a standalone fake Docker daemon on a Unix socket,
// serving containers and images from a YAML fixture. Point dockstate at it
// with --endpoint unix://<socket>.
//
// Usage:
//
//	mock-daemon --socket /tmp/dockstate-mock/docker.sock \
//	            --fixture testdata/fixture.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/cfilipov/dockstate/internal/engine"
)

func main() {
	var (
		socketPath  string
		fixturePath string
		mode        string
		logLevel    string
	)

	pflag.StringVar(&socketPath, "socket", "", "Unix socket path (default: /tmp/dockstate-mock-<pid>/docker.sock)")
	pflag.StringVar(&fixturePath, "fixture", "", "YAML fixture with containers, images and registry")
	pflag.StringVar(&mode, "mode", "normal", "Daemon behavior (normal, hang, malformed, empty)")
	pflag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pflag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(logLevel),
	})))

	daemonMode, err := parseMode(mode)
	if err != nil {
		slog.Error("mode", "err", err)
		os.Exit(2)
	}

	// Default socket path if not specified
	if socketPath == "" {
		dir := fmt.Sprintf("/tmp/dockstate-mock-%d", os.Getpid())
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("create socket dir", "err", err)
			os.Exit(1)
		}
		socketPath = dir + "/docker.sock"
	}

	fixture := &engine.Fixture{}
	if fixturePath != "" {
		if fixture, err = engine.LoadFixture(fixturePath); err != nil {
			slog.Error("load fixture", "err", err)
			os.Exit(1)
		}
	}

	fd, err := engine.StartFakeDaemonOnSocket(fixture, daemonMode, socketPath)
	if err != nil {
		slog.Error("start fake daemon", "err", err)
		os.Exit(1)
	}
	defer fd.Close()

	// Print socket path to stdout so parent processes can discover it
	fmt.Println(socketPath)

	slog.Info("mock daemon started",
		"socket", socketPath,
		"fixture", fixturePath,
		"mode", mode,
		"containers", len(fixture.Containers),
		"images", len(fixture.Images),
	)

	// Wait for SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("mock daemon shutting down")
	os.Remove(socketPath)
}

func parseMode(s string) (engine.DaemonMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return engine.ModeNormal, nil
	case "hang":
		return engine.ModeHang, nil
	case "malformed":
		return engine.ModeMalformed, nil
	case "empty":
		return engine.ModeEmptyBody, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
