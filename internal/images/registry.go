package images

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

// ErrRemoteLookup means the registry could not be asked, or answered with
// something other than the manifest or a not-found.
var ErrRemoteLookup = errors.New("remote identity lookup failed")

// RegistryLookup asks the registry ref points at for its current manifest
// digest with a HEAD request. Credentials come from the default keychain
// (docker config, credential helpers).
type RegistryLookup struct {
	NameOptions   []name.Option
	RemoteOptions []remote.Option
}

func NewRegistryLookup() *RegistryLookup {
	return &RegistryLookup{
		RemoteOptions: []remote.Option{remote.WithAuthFromKeychain(authn.DefaultKeychain)},
	}
}

func (l *RegistryLookup) Identity(ctx context.Context, ref string) (Identity, bool, error) {
	r, err := name.ParseReference(ref, l.NameOptions...)
	if err != nil {
		return Identity{}, false, fmt.Errorf("%w: parse %q: %w", ErrRemoteLookup, ref, err)
	}

	opts := append([]remote.Option{remote.WithContext(ctx)}, l.RemoteOptions...)
	desc, err := remote.Head(r, opts...)
	if err != nil {
		if isNotFound(err) {
			return Identity{}, false, nil
		}
		return Identity{}, false, fmt.Errorf("%w: %s: %w", ErrRemoteLookup, ref, err)
	}
	return Identity{ID: desc.Digest.String(), Reference: ref}, true, nil
}

func isNotFound(err error) bool {
	var terr *transport.Error
	if !errors.As(err, &terr) {
		return false
	}
	if terr.StatusCode == http.StatusNotFound {
		return true
	}
	for _, d := range terr.Errors {
		if d.Code == transport.ManifestUnknownErrorCode || d.Code == transport.NameUnknownErrorCode {
			return true
		}
	}
	return false
}
