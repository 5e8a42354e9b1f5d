package engine

import (
	"context"
	"fmt"
	"time"
)

// DefaultConnectTimeout bounds how long Acquire waits for the runtime to answer.
const DefaultConnectTimeout = 10 * time.Second

// Runtime hands out short-lived connections to a container runtime's
// management API. Every call to Acquire dials a fresh connection; nothing is
// pooled or shared between callers.
type Runtime interface {
	// Name returns the backend name ("docker", "containerd", "fake").
	Name() string

	// Acquire connects to the runtime, waiting at most the configured connect
	// timeout for it to respond. The caller must Close the returned Conn on
	// every exit path.
	Acquire(ctx context.Context) (Conn, error)
}

// Conn is a single scoped connection to the runtime.
type Conn interface {
	// ListContainers returns containers. If all is true, stopped containers
	// are included.
	ListContainers(ctx context.Context, all bool) ([]Container, error)

	// ListImages returns every locally cached image.
	ListImages(ctx context.Context) ([]Image, error)

	// PullImage fetches ref from its registry and blocks until the pull
	// completes or fails. Progress is not reported.
	PullImage(ctx context.Context, ref string) error

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Container is the backend-neutral shape of one listed container.
type Container struct {
	ID      string
	Names   []string // as reported; docker prefixes each with "/"
	Image   string   // reference the container was created from
	State   string   // running, exited, created, ... (runtime-defined)
	Created time.Time
}

// Image is the backend-neutral shape of one locally cached image.
type Image struct {
	ID          string
	RepoTags    []string // "repo:tag" aliases
	RepoDigests []string // "repo@sha256:..." entries
}

// Options selects and configures a backend.
type Options struct {
	Backend        string // "docker" (default) or "containerd"
	Endpoint       string // e.g. unix:///var/run/docker.sock; empty uses the backend default
	Namespace      string // containerd namespace
	ConnectTimeout time.Duration
}

// New builds the Runtime named by opts.Backend.
func New(opts Options) (Runtime, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	switch opts.Backend {
	case "", "docker":
		return NewDockerRuntime(opts.Endpoint, opts.ConnectTimeout), nil
	case "containerd":
		return NewContainerdRuntime(opts.Endpoint, opts.Namespace, opts.ConnectTimeout), nil
	default:
		return nil, fmt.Errorf("unknown runtime backend %q", opts.Backend)
	}
}
