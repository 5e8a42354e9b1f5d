package updater

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cfilipov/dockstate/internal/imagesync"
	"github.com/cfilipov/dockstate/internal/models"
	"github.com/cfilipov/dockstate/internal/watchlist"
)

// syncConcurrency bounds how many references are synced at once.
const syncConcurrency = 4

// Syncer is the operation the updater drives.
type Syncer interface {
	EnsureUpToDate(ctx context.Context, ref string) (imagesync.Decision, error)
}

// Recorder persists results. *models.SyncRecordStore satisfies it.
type Recorder interface {
	Upsert(rec models.SyncRecord) error
	Delete(refs ...string) (int, error)
}

// Result is the outcome of syncing one reference.
type Result struct {
	Decision imagesync.Decision
	Err      error
}

// Record converts r into its persisted form.
func (r Result) Record() models.SyncRecord {
	rec := models.SyncRecord{
		Reference: r.Decision.Reference,
		Outcome:   string(r.Decision.Outcome),
		Local:     r.Decision.Local,
		Remote:    r.Decision.Remote,
		Pulled:    r.Decision.Pulled,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

// Updater periodically runs EnsureUpToDate for every reference on a watch
// list. The list can be replaced at any time; a replacement triggers an
// immediate pass.
type Updater struct {
	syncer          Syncer
	store           Recorder
	defaultInterval time.Duration

	mu       sync.Mutex
	list     watchlist.List
	onResult func(Result)

	wake chan struct{}
}

// New creates an updater. store may be nil.
func New(syncer Syncer, store Recorder, defaultInterval time.Duration) *Updater {
	if defaultInterval <= 0 {
		defaultInterval = 6 * time.Hour
	}
	return &Updater{
		syncer:          syncer,
		store:           store,
		defaultInterval: defaultInterval,
		wake:            make(chan struct{}, 1),
	}
}

// OnResult registers a callback invoked for every synced reference.
func (u *Updater) OnResult(fn func(Result)) {
	u.mu.Lock()
	u.onResult = fn
	u.mu.Unlock()
}

// SetList replaces the watch list and wakes the worker. History is dropped
// only for references the previous list named and this one does not; records
// of on-demand syncs are left alone.
func (u *Updater) SetList(l *watchlist.List) {
	u.mu.Lock()
	var dropped []string
	for _, ref := range u.list.Images {
		if !slices.Contains(l.Images, ref) {
			dropped = append(dropped, ref)
		}
	}
	u.list = watchlist.List{Interval: l.Interval, Images: slices.Clone(l.Images)}
	u.mu.Unlock()

	if u.store != nil && len(dropped) > 0 {
		if n, err := u.store.Delete(dropped...); err != nil {
			slog.Warn("drop sync history", "err", err)
		} else if n > 0 {
			slog.Debug("dropped sync history for unlisted images", "removed", n)
		}
	}

	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// Interval returns the current pass interval.
func (u *Updater) Interval() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.list.Interval > 0 {
		return u.list.Interval
	}
	return u.defaultInterval
}

// RunOnce syncs every listed reference and returns the results in list order.
func (u *Updater) RunOnce(ctx context.Context) []Result {
	u.mu.Lock()
	refs := slices.Clone(u.list.Images)
	notify := u.onResult
	u.mu.Unlock()

	if len(refs) == 0 {
		return nil
	}

	slog.Info("image sync pass starting", "images", len(refs))

	results := make([]Result, len(refs))
	sem := make(chan struct{}, syncConcurrency)
	var wg sync.WaitGroup

	for i, ref := range refs {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			d, err := u.syncer.EnsureUpToDate(ctx, ref)
			if d.Reference == "" {
				d.Reference = ref
			}
			res := Result{Decision: d, Err: err}
			results[i] = res

			if err != nil {
				slog.Warn("image sync", "ref", ref, "err", err)
			}
			if u.store != nil {
				if err := u.store.Upsert(res.Record()); err != nil {
					slog.Error("record sync result", "ref", ref, "err", err)
				}
			}
			if notify != nil {
				notify(res)
			}
		}()
	}

	wg.Wait()
	slog.Debug("image sync pass complete")
	return results
}

// Start runs a pass immediately and then every Interval, or sooner when the
// list is replaced, until ctx is cancelled.
func (u *Updater) Start(ctx context.Context) {
	go func() {
		// The first pass covers any list set before Start.
		select {
		case <-u.wake:
		default:
		}
		for {
			u.RunOnce(ctx)

			select {
			case <-ctx.Done():
				return
			case <-u.wake:
			case <-time.After(u.Interval()):
			}
		}
	}()
}
