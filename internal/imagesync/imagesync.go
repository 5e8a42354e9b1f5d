package imagesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cfilipov/dockstate/internal/engine"
	"github.com/cfilipov/dockstate/internal/images"
)

// ErrPullFailed matches any error from the pull step of EnsureUpToDate.
var ErrPullFailed = errors.New("image pull failed")

// PullError reports a failed pull. It matches ErrPullFailed and the
// underlying cause (often engine.ErrRuntimeUnavailable) with errors.Is.
type PullError struct {
	Reference string
	Err       error
}

func (e *PullError) Error() string {
	return fmt.Sprintf("pull %s: %v", e.Reference, e.Err)
}

func (e *PullError) Unwrap() []error {
	return []error{ErrPullFailed, e.Err}
}

// Outcome is what EnsureUpToDate found.
type Outcome string

const (
	NotPresentLocally Outcome = "NotPresentLocally"
	Mismatch          Outcome = "Mismatch"
	Match             Outcome = "Match"
)

// Decision is the result of one EnsureUpToDate call. Pulled is true for
// NotPresentLocally and Mismatch, false for Match.
type Decision struct {
	Outcome   Outcome `json:"outcome"`
	Reference string  `json:"reference"`
	Local     string  `json:"local,omitempty"`
	Remote    string  `json:"remote,omitempty"`
	Pulled    bool    `json:"pulled"`
}

// IdentityResolver is the part of images.Resolver the policy consults.
type IdentityResolver interface {
	LocalIdentity(ctx context.Context, ref string) (images.Identity, bool, error)
	RemoteIdentity(ctx context.Context, ref string) (images.Identity, bool, error)
}

// Policy pulls a reference only when the local copy is missing or differs
// from what the remote side reports. It keeps no state between calls.
type Policy struct {
	resolver IdentityResolver
	rt       engine.Runtime
}

func NewPolicy(resolver IdentityResolver, rt engine.Runtime) *Policy {
	return &Policy{resolver: resolver, rt: rt}
}

// EnsureUpToDate resolves both identities of ref afresh and pulls when the
// local image is absent or its identity differs from the remote one. A remote
// side that does not know ref counts as differing. A local-only image (built
// on this host, never pulled) is left alone; pulling would replace the local
// build. Resolution errors are returned as-is; pull errors are *PullError.
func (p *Policy) EnsureUpToDate(ctx context.Context, ref string) (Decision, error) {
	d := Decision{Reference: ref}

	local, ok, err := p.resolver.LocalIdentity(ctx, ref)
	if err != nil {
		return d, err
	}
	if !ok {
		d.Outcome = NotPresentLocally
		slog.Info("image not present locally, pulling", "ref", ref)
		return d, p.pull(ctx, &d)
	}
	d.Local = local.ID
	if local.LocalOnly {
		d.Outcome = Match
		slog.Debug("locally built image, not pulling", "ref", ref, "id", d.Local)
		return d, nil
	}

	remote, ok, err := p.resolver.RemoteIdentity(ctx, ref)
	if err != nil {
		return d, err
	}
	if ok {
		d.Remote = remote.ID
	}
	if !ok || !local.Equal(remote) {
		d.Outcome = Mismatch
		slog.Info("image identity mismatch, pulling", "ref", ref, "local", d.Local, "remote", d.Remote)
		return d, p.pull(ctx, &d)
	}

	d.Outcome = Match
	slog.Debug("image up to date", "ref", ref, "id", d.Local)
	return d, nil
}

func (p *Policy) pull(ctx context.Context, d *Decision) error {
	conn, err := p.rt.Acquire(ctx)
	if err != nil {
		return &PullError{Reference: d.Reference, Err: err}
	}
	defer conn.Close()

	if err := conn.PullImage(ctx, d.Reference); err != nil {
		return &PullError{Reference: d.Reference, Err: err}
	}
	d.Pulled = true
	return nil
}
