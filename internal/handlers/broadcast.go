package handlers

import (
	"context"
	"encoding/json"
	"hash"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cfilipov/dockstate/internal/imagesync"
	"github.com/cfilipov/dockstate/internal/updater"
	"github.com/cfilipov/dockstate/internal/ws"
)

// Broadcast channel names.
const (
	chanContainers = "containers"
	chanSync       = "sync"
	chanInfo       = "info"
)

// broadcastState holds per-channel FNV hashes for deduplication.
type broadcastState struct {
	mu       sync.Mutex
	lastHash map[string]uint64
	hasher   hash.Hash64
}

func newBroadcastState() *broadcastState {
	return &broadcastState{
		lastHash: make(map[string]uint64),
		hasher:   fnv.New64a(),
	}
}

// broadcastIfChanged marshals data, hashes the envelope, and broadcasts only
// if the hash differs from the last broadcast on this channel.
func (bs *broadcastState) broadcastIfChanged(wss *ws.Server, channel string, data any) bool {
	msg, err := json.Marshal(ws.ServerMessage[any]{Event: channel, Data: data})
	if err != nil {
		slog.Error("broadcast marshal", "channel", channel, "err", err)
		return false
	}

	bs.mu.Lock()
	bs.hasher.Reset()
	bs.hasher.Write(msg)
	sum := bs.hasher.Sum64()
	changed := sum != bs.lastHash[channel]
	if changed {
		bs.lastHash[channel] = sum
	}
	bs.mu.Unlock()

	if !changed {
		slog.Debug("broadcast skipped (unchanged)", "channel", channel)
		return false
	}
	wss.BroadcastBytes(msg)
	return true
}

func (app *App) broadcaster() *broadcastState {
	app.broadcastOnce.Do(func() { app.broadcasts = newBroadcastState() })
	return app.broadcasts
}

// syncEvent is the payload pushed on the sync channel.
type syncEvent struct {
	imagesync.Decision
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

func newSyncEvent(res updater.Result) syncEvent {
	ev := syncEvent{Decision: res.Decision}
	if res.Err != nil {
		_, ev.Kind = classify(res.Err)
		ev.Error = res.Err.Error()
	}
	return ev
}

// RecordSync stores a sync result in the history (when enabled) and pushes
// it to WebSocket clients.
func (app *App) RecordSync(res updater.Result) {
	if app.History != nil && res.Decision.Reference != "" {
		if err := app.History.Upsert(res.Record()); err != nil {
			slog.Error("record sync result", "ref", res.Decision.Reference, "err", err)
		}
	}
	app.BroadcastSync(res)
}

// BroadcastSync pushes a sync result to WebSocket clients.
func (app *App) BroadcastSync(res updater.Result) {
	if app.WS == nil {
		return
	}
	ws.Broadcast(app.WS, chanSync, newSyncEvent(res))
}

// broadcastContainers lists containers and pushes the snapshot if it changed
// since the last push.
func (app *App) broadcastContainers(ctx context.Context) {
	records, err := app.Inventory.ListAll(ctx)
	if err != nil {
		slog.Warn("container broadcast", "err", err)
		return
	}
	app.broadcaster().broadcastIfChanged(app.WS, chanContainers, records)
}

// StartContainerBroadcaster polls the runtime every interval while at least
// one WebSocket client is connected and pushes changed container lists.
func (app *App) StartContainerBroadcaster(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if app.WS.ConnectionCount() == 0 {
					continue
				}
				app.broadcastContainers(ctx)
			}
		}
	}()
}
