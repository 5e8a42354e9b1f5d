package images

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/cfilipov/dockstate/internal/engine"
	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// CacheLookup finds the cached image carrying ref as one of its repo tags.
// Matching is exact: "nginx" does not match "nginx:latest". The identity is
// the image ID.
type CacheLookup struct {
	rt engine.Runtime
}

func NewCacheLookup(rt engine.Runtime) *CacheLookup {
	return &CacheLookup{rt: rt}
}

func (l *CacheLookup) Identity(ctx context.Context, ref string) (Identity, bool, error) {
	img, ok, err := findTagged(ctx, l.rt, ref)
	if err != nil || !ok {
		return Identity{}, false, err
	}
	return Identity{ID: img.ID, Reference: ref}, true, nil
}

// RepoDigestLookup finds the cached image tagged ref, like CacheLookup, but
// reports the manifest digest the runtime recorded for ref's repository. That
// is the value a registry returns for the same content. Images with no repo
// digest for the repository (built locally, never pushed or pulled) fall back
// to the image ID and are marked LocalOnly.
type RepoDigestLookup struct {
	rt engine.Runtime
}

func NewRepoDigestLookup(rt engine.Runtime) *RepoDigestLookup {
	return &RepoDigestLookup{rt: rt}
}

func (l *RepoDigestLookup) Identity(ctx context.Context, ref string) (Identity, bool, error) {
	img, ok, err := findTagged(ctx, l.rt, ref)
	if err != nil || !ok {
		return Identity{}, false, err
	}

	repo, err := repository(ref)
	if err != nil {
		return Identity{ID: img.ID, Reference: ref, LocalOnly: true}, true, nil
	}
	for _, rd := range img.RepoDigests {
		name, dgst, found := strings.Cut(rd, "@")
		if !found {
			continue
		}
		rdRepo, err := repository(name)
		if err != nil || rdRepo != repo {
			continue
		}
		d, err := digest.Parse(dgst)
		if err != nil {
			return Identity{}, false, &engine.Error{Op: "repo digest " + rd, Kind: engine.ErrRuntimeProtocol, Err: err}
		}
		return Identity{ID: d.String(), Reference: ref}, true, nil
	}
	return Identity{ID: img.ID, Reference: ref, LocalOnly: true}, true, nil
}

// repository returns the canonical repository name of ref
// ("nginx:latest" -> "docker.io/library/nginx").
func repository(ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", err
	}
	return reference.TrimNamed(named).Name(), nil
}

func findTagged(ctx context.Context, rt engine.Runtime, ref string) (engine.Image, bool, error) {
	conn, err := rt.Acquire(ctx)
	if err != nil {
		return engine.Image{}, false, fmt.Errorf("resolve %s: %w", ref, err)
	}
	defer conn.Close()

	imgs, err := conn.ListImages(ctx)
	if err != nil {
		return engine.Image{}, false, fmt.Errorf("resolve %s: %w", ref, err)
	}
	for _, img := range imgs {
		if slices.Contains(img.RepoTags, ref) {
			return img, true, nil
		}
	}
	return engine.Image{}, false, nil
}
