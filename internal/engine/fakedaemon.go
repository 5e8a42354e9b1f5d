package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/distribution/reference"
	"gopkg.in/yaml.v3"
)

// Fixture is the runtime state a FakeDaemon serves. Registry maps a
// "repo:tag" reference to the image ID a pull of it produces.
type Fixture struct {
	Containers []FixtureContainer `yaml:"containers"`
	Images     []FixtureImage     `yaml:"images"`
	Registry   map[string]string  `yaml:"registry"`
}

type FixtureContainer struct {
	ID      string    `yaml:"id"`
	Names   []string  `yaml:"names"`
	Image   string    `yaml:"image"`
	State   string    `yaml:"state"`
	Created time.Time `yaml:"created"`
}

type FixtureImage struct {
	ID          string   `yaml:"id"`
	RepoTags    []string `yaml:"repoTags"`
	RepoDigests []string `yaml:"repoDigests"`
}

// ParseFixture decodes a YAML fixture.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	if f.Registry == nil {
		f.Registry = make(map[string]string)
	}
	return &f, nil
}

// LoadFixture reads and decodes a YAML fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return ParseFixture(data)
}

// DaemonMode changes how a FakeDaemon misbehaves.
type DaemonMode int

const (
	// ModeNormal answers like a healthy daemon.
	ModeNormal DaemonMode = iota
	// ModeHang accepts connections but never answers any request.
	ModeHang
	// ModeMalformed answers pings but returns garbage for list calls.
	ModeMalformed
	// ModeEmptyBody answers pings but sends list responses with no body.
	ModeEmptyBody
)

// FakeDaemon is an HTTP server on a Unix socket that implements the subset of
// the Docker Engine API this service uses, backed by an in-memory Fixture.
// The real DockerRuntime connects to it exactly as it would to dockerd.
type FakeDaemon struct {
	mu      sync.Mutex
	fixture *Fixture
	mode    DaemonMode
	pulls   map[string]int

	listener net.Listener
	server   *http.Server
	done     chan struct{}
	tmpDir   string
}

// StartFakeDaemon starts a fake daemon on a socket in a fresh temp dir.
// Host returns the DOCKER_HOST-style URI to connect to it.
func StartFakeDaemon(fixture *Fixture, mode DaemonMode) (*FakeDaemon, error) {
	tmpDir, err := os.MkdirTemp("", "dockstate-mock-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	fd, err := StartFakeDaemonOnSocket(fixture, mode, filepath.Join(tmpDir, "docker.sock"))
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}
	fd.tmpDir = tmpDir
	return fd, nil
}

// StartFakeDaemonOnSocket starts a fake daemon listening on socketPath.
func StartFakeDaemonOnSocket(fixture *Fixture, mode DaemonMode, socketPath string) (*FakeDaemon, error) {
	if fixture == nil {
		fixture = &Fixture{}
	}
	if fixture.Registry == nil {
		fixture.Registry = make(map[string]string)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix: %w", err)
	}

	fd := &FakeDaemon{
		fixture:  fixture,
		mode:     mode,
		pulls:    make(map[string]int),
		listener: listener,
		done:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("HEAD /_ping", fd.handlePing)
	mux.HandleFunc("GET /_ping", fd.handlePing)
	mux.HandleFunc("GET /containers/json", fd.handleContainerList)
	mux.HandleFunc("GET /images/json", fd.handleImageList)
	mux.HandleFunc("POST /images/create", fd.handleImageCreate)

	fd.server = &http.Server{Handler: fd.hangGuard(stripVersionPrefix(mux))}

	go func() {
		if err := fd.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("fake daemon serve", "err", err)
		}
	}()

	return fd, nil
}

// Host returns the unix:// URI of the daemon socket.
func (fd *FakeDaemon) Host() string {
	return "unix://" + fd.listener.Addr().String()
}

// Close stops the server and removes the socket's temp dir, if owned.
func (fd *FakeDaemon) Close() {
	close(fd.done)
	fd.server.Close()
	fd.listener.Close()
	if fd.tmpDir != "" {
		os.RemoveAll(fd.tmpDir)
	}
}

// SetRegistry sets the image ID a pull of ref produces.
func (fd *FakeDaemon) SetRegistry(ref, id string) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.fixture.Registry[ref] = id
}

// PullCount returns how many pulls of ref the daemon received.
func (fd *FakeDaemon) PullCount(ref string) int {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.pulls[ref]
}

// stripVersionPrefix strips the /v{version}/ prefix the SDK sends
// (e.g. /v1.47/containers/json).
func stripVersionPrefix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if len(path) > 2 && path[0] == '/' && path[1] == 'v' {
			if idx := strings.IndexByte(path[2:], '/'); idx >= 0 {
				r.URL.Path = path[2+idx:]
			}
		}
		next.ServeHTTP(w, r)
	})
}

// hangGuard blocks every request in ModeHang until the daemon closes or the
// client goes away.
func (fd *FakeDaemon) hangGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fd.mode == ModeHang {
			select {
			case <-fd.done:
			case <-r.Context().Done():
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (fd *FakeDaemon) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Api-Version", "1.47")
	w.Header().Set("Docker-Experimental", "false")
	w.Header().Set("Ostype", "linux")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write([]byte("OK"))
	}
}

// containerJSON matches the Docker SDK container.Summary fields we read.
type containerJSON struct {
	ID      string   `json:"Id"`
	Names   []string `json:"Names,omitempty"`
	Image   string   `json:"Image,omitempty"`
	State   string   `json:"State,omitempty"`
	Created int64    `json:"Created,omitempty"`
}

// writeEmpty sends a 200 JSON response with no payload.
func writeEmpty(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
}

func (fd *FakeDaemon) handleContainerList(w http.ResponseWriter, r *http.Request) {
	if fd.mode == ModeEmptyBody {
		writeEmpty(w)
		return
	}
	if fd.mode == ModeMalformed {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"Id": "c1", "Names": [`))
		return
	}

	allParam := r.URL.Query().Get("all")
	all := allParam == "1" || allParam == "true"

	fd.mu.Lock()
	result := make([]containerJSON, 0, len(fd.fixture.Containers))
	for _, c := range fd.fixture.Containers {
		if !all && c.State != "running" {
			continue
		}
		var created int64
		if !c.Created.IsZero() {
			created = c.Created.Unix()
		}
		result = append(result, containerJSON{
			ID:      c.ID,
			Names:   c.Names,
			Image:   c.Image,
			State:   c.State,
			Created: created,
		})
	}
	fd.mu.Unlock()

	writeJSON(w, http.StatusOK, result)
}

// imageJSON matches the Docker SDK image.Summary fields we read.
type imageJSON struct {
	ID          string   `json:"Id"`
	RepoTags    []string `json:"RepoTags"`
	RepoDigests []string `json:"RepoDigests"`
	Created     int64    `json:"Created"`
	Size        int64    `json:"Size"`
	Containers  int64    `json:"Containers"`
}

func (fd *FakeDaemon) handleImageList(w http.ResponseWriter, r *http.Request) {
	if fd.mode == ModeEmptyBody {
		writeEmpty(w)
		return
	}
	if fd.mode == ModeMalformed {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Id": 42}`))
		return
	}

	fd.mu.Lock()
	result := make([]imageJSON, 0, len(fd.fixture.Images))
	for _, img := range fd.fixture.Images {
		tags := img.RepoTags
		if tags == nil {
			tags = []string{}
		}
		digests := img.RepoDigests
		if digests == nil {
			digests = []string{}
		}
		result = append(result, imageJSON{
			ID:          img.ID,
			RepoTags:    tags,
			RepoDigests: digests,
			Containers:  -1,
		})
	}
	fd.mu.Unlock()

	writeJSON(w, http.StatusOK, result)
}

// pullMessage matches jsonmessage.JSONMessage on the wire.
type pullMessage struct {
	Status      string           `json:"status,omitempty"`
	ID          string           `json:"id,omitempty"`
	ErrorDetail *pullErrorDetail `json:"errorDetail,omitempty"`
	Error       string           `json:"error,omitempty"`
}

type pullErrorDetail struct {
	Message string `json:"message"`
}

// handleImageCreate serves POST /images/create?fromImage=...&tag=... The SDK
// sends the fully qualified name ("docker.io/library/nginx"), so it is mapped
// back to the familiar "nginx:tag" form used as the registry key. Like
// dockerd, failures are reported inside a 200 stream.
func (fd *FakeDaemon) handleImageCreate(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("fromImage")
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		tag = "latest"
	}
	named, err := reference.ParseNormalizedNamed(from)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	ref := reference.FamiliarName(named) + ":" + tag

	fd.mu.Lock()
	fd.pulls[ref]++
	id, ok := fd.fixture.Registry[ref]
	if ok {
		fd.retagLocked(ref, id)
	}
	fd.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)

	if !ok {
		msg := "manifest for " + ref + " not found: manifest unknown"
		enc.Encode(pullMessage{ErrorDetail: &pullErrorDetail{Message: msg}, Error: msg})
		return
	}
	enc.Encode(pullMessage{Status: "Pulling from " + reference.Path(named), ID: tag})
	enc.Encode(pullMessage{Status: "Digest: " + id})
	enc.Encode(pullMessage{Status: "Status: Downloaded newer image for " + ref})
}

// retagLocked moves ref onto the image with the given ID, creating it if
// needed. Caller holds fd.mu.
func (fd *FakeDaemon) retagLocked(ref, id string) {
	found := false
	for i := range fd.fixture.Images {
		img := &fd.fixture.Images[i]
		tags := make([]string, 0, len(img.RepoTags)+1)
		for _, t := range img.RepoTags {
			if t != ref {
				tags = append(tags, t)
			}
		}
		if img.ID == id {
			tags = append(tags, ref)
			found = true
		}
		img.RepoTags = tags
	}
	if !found {
		fd.fixture.Images = append(fd.fixture.Images, FixtureImage{ID: id, RepoTags: []string{ref}})
	}
}
