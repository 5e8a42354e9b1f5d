package images

import (
	"context"
	"fmt"

	"github.com/cfilipov/dockstate/internal/engine"
)

// Identity is the content identifier of an image together with the reference
// it was resolved from. LocalOnly marks an image the runtime never pulled
// from a registry (no repo digest for its repository), so ID is the local
// image ID and cannot be compared with a manifest digest.
type Identity struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
	LocalOnly bool   `json:"localOnly,omitempty"`
}

// Equal reports whether two identities name the same content. References are
// not compared.
func (i Identity) Equal(o Identity) bool {
	return i.ID == o.ID
}

// Lookup resolves a reference to an identity. ok is false when the image is
// not present in whatever the lookup consults; that is never an error.
type Lookup interface {
	Identity(ctx context.Context, ref string) (id Identity, ok bool, err error)
}

// Identity modes accepted by NewResolver.
const (
	ModeCache    = "cache"
	ModeRegistry = "registry"
)

// Resolver resolves the local and remote identity of a reference through two
// separately injectable lookups.
type Resolver struct {
	Local  Lookup
	Remote Lookup
}

// NewResolver builds the resolver for mode.
//
// In cache mode (the default) both sides read the runtime's image cache, so
// the two identities of a present image are always equal. Registry mode
// compares the repo digest the runtime recorded at pull time with the
// manifest digest the registry currently serves.
func NewResolver(mode string, rt engine.Runtime) (*Resolver, error) {
	switch mode {
	case "", ModeCache:
		cache := NewCacheLookup(rt)
		return &Resolver{Local: cache, Remote: cache}, nil
	case ModeRegistry:
		return &Resolver{Local: NewRepoDigestLookup(rt), Remote: NewRegistryLookup()}, nil
	default:
		return nil, fmt.Errorf("unknown identity mode %q", mode)
	}
}

func (r *Resolver) LocalIdentity(ctx context.Context, ref string) (Identity, bool, error) {
	return r.Local.Identity(ctx, ref)
}

func (r *Resolver) RemoteIdentity(ctx context.Context, ref string) (Identity, bool, error) {
	return r.Remote.Identity(ctx, ref)
}
