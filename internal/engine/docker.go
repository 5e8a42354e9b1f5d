package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
)

// DockerRuntime talks to the Docker Engine API. Endpoint is a full URI like
// "unix:///var/run/docker.sock"; when empty, DOCKER_HOST (or the platform
// default socket) is used.
type DockerRuntime struct {
	endpoint string
	timeout  time.Duration
}

func NewDockerRuntime(endpoint string, connectTimeout time.Duration) *DockerRuntime {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &DockerRuntime{endpoint: endpoint, timeout: connectTimeout}
}

func (r *DockerRuntime) Name() string { return "docker" }

func (r *DockerRuntime) Acquire(ctx context.Context) (Conn, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if r.endpoint != "" {
		opts = append(opts, client.WithHost(r.endpoint))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, unavailable("docker connect", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ping, err := cli.Ping(pingCtx)
	if err != nil {
		cli.Close()
		return nil, unavailable("docker ping", err)
	}
	cli.NegotiateAPIVersionPing(ping)

	return &dockerConn{cli: cli}, nil
}

type dockerConn struct {
	cli *client.Client
}

func (c *dockerConn) ListContainers(ctx context.Context, all bool) ([]Container, error) {
	raw, err := c.cli.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, classify("container list", err, client.IsErrConnectionFailed)
	}

	result := make([]Container, 0, len(raw))
	for _, ctr := range raw {
		var created time.Time
		if ctr.Created > 0 {
			created = time.Unix(ctr.Created, 0).UTC()
		}
		result = append(result, Container{
			ID:      ctr.ID,
			Names:   ctr.Names,
			Image:   ctr.Image,
			State:   ctr.State,
			Created: created,
		})
	}
	return result, nil
}

func (c *dockerConn) ListImages(ctx context.Context) ([]Image, error) {
	raw, err := c.cli.ImageList(ctx, image.ListOptions{All: true})
	if err != nil {
		return nil, classify("image list", err, client.IsErrConnectionFailed)
	}

	result := make([]Image, 0, len(raw))
	for _, img := range raw {
		result = append(result, Image{
			ID:          img.ID,
			RepoTags:    img.RepoTags,
			RepoDigests: img.RepoDigests,
		})
	}
	return result, nil
}

// PullImage drains the daemon's JSON progress stream. The daemon reports pull
// failures inside the stream with a 200 status, so the stream has to be read
// to the end to know whether the pull worked.
func (c *dockerConn) PullImage(ctx context.Context, ref string) error {
	stream, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify("image pull", err, client.IsErrConnectionFailed)
	}
	defer stream.Close()

	dec := json.NewDecoder(stream)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return classify("image pull stream", err, client.IsErrConnectionFailed)
		}
		if msg.Error != nil {
			return fmt.Errorf("image pull %s: %w", ref, msg.Error)
		}
		slog.Debug("image pull progress", "ref", ref, "id", msg.ID, "status", msg.Status)
	}
}

func (c *dockerConn) Close() error {
	return c.cli.Close()
}

// Ensure DockerRuntime implements Runtime at compile time.
var _ Runtime = (*DockerRuntime)(nil)
