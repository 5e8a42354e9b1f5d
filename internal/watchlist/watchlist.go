package watchlist

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/distribution/reference"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const debounce = 200 * time.Millisecond

// List is the set of references the sync worker keeps up to date.
// A zero Interval means "use the configured default".
type List struct {
	Interval time.Duration `yaml:"interval"`
	Images   []string      `yaml:"images"`
}

// Parse decodes a watch list. References are trimmed and de-duplicated but
// otherwise kept verbatim, since local lookups match them exactly.
func Parse(data []byte) (*List, error) {
	var raw List
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse watch list: %w", err)
	}
	if raw.Interval < 0 {
		return nil, fmt.Errorf("parse watch list: negative interval %s", raw.Interval)
	}

	l := &List{Interval: raw.Interval, Images: make([]string, 0, len(raw.Images))}
	seen := make(map[string]bool, len(raw.Images))
	for _, ref := range raw.Images {
		ref = strings.TrimSpace(ref)
		if ref == "" || seen[ref] {
			continue
		}
		if _, err := reference.ParseNormalizedNamed(ref); err != nil {
			return nil, fmt.Errorf("parse watch list: invalid reference %q: %w", ref, err)
		}
		seen[ref] = true
		l.Images = append(l.Images, ref)
	}
	return l, nil
}

// Load reads and parses the watch list at path.
func Load(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read watch list: %w", err)
	}
	return Parse(data)
}

// Watch calls onChange with the reloaded list whenever the file at path is
// written, created, or replaced. The parent directory is watched so editors
// that save by rename are seen. Events are coalesced for 200ms. A file that
// fails to parse is logged and skipped; the previous list stays in effect.
func Watch(ctx context.Context, path string, onChange func(*List)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go run(ctx, watcher, path, onChange)

	slog.Info("watch list watcher started", "path", path)
	return nil
}

func run(ctx context.Context, watcher *fsnotify.Watcher, path string, onChange func(*List)) {
	defer watcher.Close()

	var mu sync.Mutex
	var timer *time.Timer

	reload := func() {
		l, err := Load(path)
		if err != nil {
			slog.Warn("watch list reload", "path", path, "err", err)
			return
		}
		slog.Info("watch list reloaded", "path", path, "images", len(l.Images))
		onChange(l)
	}

	base := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("watch list watcher error", "err", err)
		}
	}
}
