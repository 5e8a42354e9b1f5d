package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeRuntime implements Runtime in memory for testing. Its registry map
// stands in for remote content: a pull copies the registry's image ID for a
// reference into the local cache.
type FakeRuntime struct {
	mu         sync.Mutex
	containers []Container
	images     []Image
	registry   map[string]string // ref -> image ID a pull would produce
	errors     map[string]error  // method -> error to return
	pulls      map[string]int
	hang       bool
	timeout    time.Duration

	acquired int
	released int
}

// NewFakeRuntime creates an empty fake runtime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		registry: make(map[string]string),
		errors:   make(map[string]error),
		pulls:    make(map[string]int),
		timeout:  DefaultConnectTimeout,
	}
}

func (f *FakeRuntime) Name() string { return "fake" }

// AddContainer adds a container to the fake runtime.
func (f *FakeRuntime) AddContainer(c Container) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers = append(f.containers, c)
}

// AddImage adds a locally cached image.
func (f *FakeRuntime) AddImage(id string, repoTags ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, Image{ID: id, RepoTags: repoTags})
}

// AddImageRecord adds a locally cached image including its repo digests.
func (f *FakeRuntime) AddImageRecord(img Image) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, img)
}

// SetRegistry sets the image ID a pull of ref produces. An empty id removes
// ref from the registry, making pulls of it fail.
func (f *FakeRuntime) SetRegistry(ref, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "" {
		delete(f.registry, ref)
		return
	}
	f.registry[ref] = id
}

// SetError sets an error to return for a specific method: "Acquire",
// "ListContainers", "ListImages" or "PullImage". A nil err clears it.
func (f *FakeRuntime) SetError(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errors, method)
		return
	}
	f.errors[method] = err
}

// SetHang makes Acquire behave like a runtime that never answers: it blocks
// until the connect timeout (or ctx) expires.
func (f *FakeRuntime) SetHang(hang bool, connectTimeout time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hang = hang
	if connectTimeout > 0 {
		f.timeout = connectTimeout
	}
}

// PullCount returns how many pulls were issued for ref.
func (f *FakeRuntime) PullCount(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls[ref]
}

// TotalPulls returns the number of pulls issued for any reference.
func (f *FakeRuntime) TotalPulls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.pulls {
		n += c
	}
	return n
}

// OpenConns returns acquired connections not yet closed.
func (f *FakeRuntime) OpenConns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired - f.released
}

func (f *FakeRuntime) Acquire(ctx context.Context) (Conn, error) {
	f.mu.Lock()
	hang, timeout := f.hang, f.timeout
	err := f.errors["Acquire"]
	f.mu.Unlock()

	if hang {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		<-waitCtx.Done()
		return nil, unavailable("fake connect", waitCtx.Err())
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.acquired++
	f.mu.Unlock()
	return &fakeConn{rt: f}, nil
}

type fakeConn struct {
	rt   *FakeRuntime
	once sync.Once
}

func (c *fakeConn) ListContainers(ctx context.Context, all bool) ([]Container, error) {
	f := c.rt
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errors["ListContainers"]; ok {
		return nil, err
	}

	result := make([]Container, 0, len(f.containers))
	for _, ctr := range f.containers {
		if !all && ctr.State != "running" {
			continue
		}
		result = append(result, ctr)
	}
	return result, nil
}

func (c *fakeConn) ListImages(ctx context.Context) ([]Image, error) {
	f := c.rt
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errors["ListImages"]; ok {
		return nil, err
	}

	result := make([]Image, len(f.images))
	for i, img := range f.images {
		result[i] = Image{
			ID:          img.ID,
			RepoTags:    append([]string(nil), img.RepoTags...),
			RepoDigests: append([]string(nil), img.RepoDigests...),
		}
	}
	return result, nil
}

// PullImage moves the ref tag onto the registry's image, the way a daemon
// retags on pull. The previous image keeps its other tags.
func (c *fakeConn) PullImage(ctx context.Context, ref string) error {
	f := c.rt
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls[ref]++
	if err, ok := f.errors["PullImage"]; ok {
		return err
	}

	id, ok := f.registry[ref]
	if !ok {
		return fmt.Errorf("manifest for %s not found: manifest unknown", ref)
	}

	found := false
	for i := range f.images {
		img := &f.images[i]
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
		f.images = append(f.images, Image{ID: id, RepoTags: []string{ref}})
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.rt.mu.Lock()
		c.rt.released++
		c.rt.mu.Unlock()
	})
	return nil
}

// Ensure FakeRuntime implements Runtime at compile time.
var _ Runtime = (*FakeRuntime)(nil)
