package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/distribution/reference"
)

const (
	defaultContainerdSocket    = "/run/containerd/containerd.sock"
	defaultContainerdNamespace = "default"
)

// nameLabels are the labels other tools use to record a human-readable
// container name; containerd itself has no notion of names.
var nameLabels = []string{"nerdctl/name", "io.kubernetes.container.name"}

// ContainerdRuntime talks to containerd over its gRPC socket.
type ContainerdRuntime struct {
	address   string
	namespace string
	timeout   time.Duration
}

func NewContainerdRuntime(endpoint, namespace string, connectTimeout time.Duration) *ContainerdRuntime {
	address := strings.TrimPrefix(endpoint, "unix://")
	if address == "" {
		address = defaultContainerdSocket
	}
	if namespace == "" {
		namespace = defaultContainerdNamespace
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &ContainerdRuntime{address: address, namespace: namespace, timeout: connectTimeout}
}

func (r *ContainerdRuntime) Name() string { return "containerd" }

func (r *ContainerdRuntime) Acquire(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("containerd connect", err)
	}
	cli, err := containerd.New(r.address,
		containerd.WithTimeout(r.timeout),
		containerd.WithDefaultNamespace(r.namespace),
	)
	if err != nil {
		return nil, unavailable("containerd connect", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if _, err := cli.Version(pingCtx); err != nil {
		cli.Close()
		return nil, unavailable("containerd version", err)
	}
	return &containerdConn{cli: cli, namespace: r.namespace}, nil
}

type containerdConn struct {
	cli       *containerd.Client
	namespace string
}

func (c *containerdConn) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// ListContainers maps task status onto the container state. Containers
// without a task have never been started and report "created". containerd
// has no stopped-but-listed distinction, so all is ignored.
func (c *containerdConn) ListContainers(ctx context.Context, all bool) ([]Container, error) {
	ctx = c.ctx(ctx)
	ctrs, err := c.cli.Containers(ctx)
	if err != nil {
		return nil, classifyContainerd("container list", err)
	}

	result := make([]Container, 0, len(ctrs))
	for _, ctr := range ctrs {
		info, err := ctr.Info(ctx, containerd.WithoutRefreshedMetadata)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue // removed between list and info
			}
			return nil, classifyContainerd("container info", err)
		}

		state := "created"
		task, err := ctr.Task(ctx, nil)
		switch {
		case err == nil:
			st, err := task.Status(ctx)
			if err != nil && !errdefs.IsNotFound(err) {
				return nil, classifyContainerd("task status", err)
			}
			if err == nil {
				state = string(st.Status)
			}
		case !errdefs.IsNotFound(err):
			return nil, classifyContainerd("container task", err)
		}

		var names []string
		for _, l := range nameLabels {
			if v := info.Labels[l]; v != "" {
				names = append(names, v)
			}
		}

		result = append(result, Container{
			ID:      info.ID,
			Names:   names,
			Image:   info.Image,
			State:   state,
			Created: info.CreatedAt,
		})
	}
	return result, nil
}

// ListImages groups containerd's one-record-per-name images by target
// digest, so several names for the same content collapse into one Image.
func (c *containerdConn) ListImages(ctx context.Context) ([]Image, error) {
	imgs, err := c.cli.ImageService().List(c.ctx(ctx))
	if err != nil {
		return nil, classifyContainerd("image list", err)
	}

	byID := make(map[string]*Image)
	order := make([]string, 0, len(imgs))
	for _, img := range imgs {
		id := img.Target.Digest.String()
		entry, ok := byID[id]
		if !ok {
			entry = &Image{ID: id}
			byID[id] = entry
			order = append(order, id)
		}
		tags, digests := containerdAliases(img.Name, id)
		entry.RepoTags = append(entry.RepoTags, tags...)
		entry.RepoDigests = append(entry.RepoDigests, digests...)
	}

	result := make([]Image, 0, len(order))
	for _, id := range order {
		result = append(result, *byID[id])
	}
	return result, nil
}

func (c *containerdConn) PullImage(ctx context.Context, ref string) error {
	named, err := reference.ParseDockerRef(ref)
	if err != nil {
		return fmt.Errorf("parse reference %q: %w", ref, err)
	}
	if _, err := c.cli.Pull(c.ctx(ctx), named.String(), containerd.WithPullUnpack); err != nil {
		return classifyContainerd("image pull", err)
	}
	return nil
}

func (c *containerdConn) Close() error {
	return c.cli.Close()
}

// containerdAliases returns the tag and digest aliases for one image record.
// containerd stores canonical names ("docker.io/library/nginx:latest"); the
// familiar form ("nginx:latest") is added so references match either way.
func containerdAliases(name, digest string) (tags, digests []string) {
	named, err := reference.ParseNormalizedNamed(name)
	if err != nil {
		return []string{name}, nil
	}
	repo := reference.TrimNamed(named)
	if _, isDigest := named.(reference.Digested); !isDigest {
		tags = appendUnique(tags, named.String(), reference.FamiliarString(named))
	}
	digests = appendUnique(digests,
		repo.Name()+"@"+digest,
		reference.FamiliarName(repo)+"@"+digest,
	)
	return tags, digests
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		dup := false
		for _, d := range dst {
			if d == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}

func classifyContainerd(op string, err error) error {
	return classify(op, err, errdefs.IsUnavailable)
}

// Ensure ContainerdRuntime implements Runtime at compile time.
var _ Runtime = (*ContainerdRuntime)(nil)
