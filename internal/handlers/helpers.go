package handlers

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/cfilipov/dockstate/internal/images"
	"github.com/cfilipov/dockstate/internal/imagesync"
	"github.com/cfilipov/dockstate/internal/inventory"
	"github.com/cfilipov/dockstate/internal/models"
	"github.com/cfilipov/dockstate/internal/ws"
)

// App holds shared dependencies for all handlers.
type App struct {
	Inventory *inventory.Reader
	Resolver  *images.Resolver
	Policy    *imagesync.Policy
	History   *models.SyncRecordStore // nil disables history endpoints
	WS        *ws.Server

	APISecret      string
	Auth           bool     // require a valid token for sync requests
	AllowedOrigins []string // "*" allows any origin
	Version        string

	broadcastOnce sync.Once
	broadcasts    *broadcastState
}

// checkAuthorized verifies that the connection may run mutating requests.
// Sends an error ack and returns false when it may not.
func (app *App) checkAuthorized(c *ws.Conn, msg *ws.ClientMessage) bool {
	if !app.Auth || c.Authorized() {
		return true
	}
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.ErrorResponse{Msg: "unauthorized", Kind: "unauthorized"})
	}
	return false
}

// parseArgs unmarshals the Args JSON array into a slice of json.RawMessage.
func parseArgs(msg *ws.ClientMessage) []json.RawMessage {
	if msg == nil || len(msg.Args) == 0 {
		return nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(msg.Args, &args); err != nil {
		slog.Warn("parse args", "err", err)
		return nil
	}
	return args
}

// argString extracts a string from args at the given index.
func argString(args []json.RawMessage, index int) string {
	if index >= len(args) {
		return ""
	}
	var s string
	if err := json.Unmarshal(args[index], &s); err != nil {
		return ""
	}
	return s
}
