package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cfilipov/dockstate/internal/engine"
)

// ContainerRecord is the normalized view of one container.
type ContainerRecord struct {
	ID      string    `json:"id"`
	State   string    `json:"state"`
	Image   string    `json:"image"`
	Name    string    `json:"name"`
	Created time.Time `json:"created,omitzero"`
}

// Reader answers container queries against a runtime. It holds no
// connection; every call acquires its own and releases it before returning.
type Reader struct {
	rt engine.Runtime
}

func NewReader(rt engine.Runtime) *Reader {
	return &Reader{rt: rt}
}

// ListAll returns every container the runtime knows about, stopped ones
// included, in the order the runtime reports them. An empty runtime yields an
// empty, non-nil slice.
func (r *Reader) ListAll(ctx context.Context) ([]ContainerRecord, error) {
	conn, err := r.rt.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	defer conn.Close()

	raw, err := conn.ListContainers(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	records := make([]ContainerRecord, 0, len(raw))
	for _, c := range raw {
		records = append(records, project(c))
	}
	return records, nil
}

// FindByID scans the full listing for id. The runtime offers no indexed
// lookup. ok is false when no container matches.
func (r *Reader) FindByID(ctx context.Context, id string) (rec ContainerRecord, ok bool, err error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return ContainerRecord{}, false, err
	}
	for _, c := range all {
		if c.ID == id {
			return c, true, nil
		}
	}
	return ContainerRecord{}, false, nil
}

// StatusOf returns the lifecycle state of container id.
func (r *Reader) StatusOf(ctx context.Context, id string) (state string, ok bool, err error) {
	rec, ok, err := r.FindByID(ctx, id)
	if err != nil || !ok {
		return "", ok, err
	}
	return rec.State, true, nil
}

func project(c engine.Container) ContainerRecord {
	rec := ContainerRecord{
		ID:      c.ID,
		State:   c.State,
		Image:   c.Image,
		Created: c.Created,
	}
	if len(c.Names) > 0 {
		rec.Name = strings.TrimPrefix(c.Names[0], "/")
	}
	return rec
}
