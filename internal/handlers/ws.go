package handlers

import (
	"context"
	"net/http"

	"github.com/cfilipov/dockstate/internal/auth"
	"github.com/cfilipov/dockstate/internal/imagesync"
	"github.com/cfilipov/dockstate/internal/inventory"
	"github.com/cfilipov/dockstate/internal/models"
	"github.com/cfilipov/dockstate/internal/updater"
	"github.com/cfilipov/dockstate/internal/ws"
)

// RegisterWSHandlers wires the WebSocket events.
func (app *App) RegisterWSHandlers() {
	app.WS.HandleConnect(app.handleConnect)
	app.WS.Handle("authenticate", app.handleAuthenticate)
	app.WS.Handle("listContainers", app.handleWSListContainers)
	app.WS.Handle("containerStatus", app.handleWSContainerStatus)
	app.WS.Handle("ensureUpToDate", app.handleWSEnsureUpToDate)
	app.WS.Handle("syncHistory", app.handleWSSyncHistory)
}

// handleConnect authorizes the connection from its upgrade request and sends
// the server info and the current container list.
func (app *App) handleConnect(c *ws.Conn, r *http.Request) {
	if !app.Auth {
		c.SetAuthorized(true)
	} else if tok := auth.TokenFromRequest(r); tok != "" {
		if _, err := auth.Verify(tok, app.APISecret); err == nil {
			c.SetAuthorized(true)
		}
	}

	ws.SendEvent(c, chanInfo, app.info())

	go func() {
		records, err := app.Inventory.ListAll(context.Background())
		if err != nil {
			return
		}
		ws.SendEvent(c, chanContainers, records)
	}()
}

func sendError(c *ws.Conn, msg *ws.ClientMessage, err error) {
	if msg.ID == nil {
		return
	}
	_, kind := classify(err)
	ws.SendAck(c, *msg.ID, ws.ErrorResponse{Msg: err.Error(), Kind: kind})
}

func sendResult[T any](c *ws.Conn, msg *ws.ClientMessage, v T) {
	if msg.ID == nil {
		return
	}
	ws.SendAck(c, *msg.ID, ws.OkResponse[T]{OK: true, Result: v})
}

func (app *App) handleAuthenticate(c *ws.Conn, msg *ws.ClientMessage) {
	tok := argString(parseArgs(msg), 0)
	if _, err := auth.Verify(tok, app.APISecret); err != nil {
		sendError(c, msg, err)
		return
	}
	c.SetAuthorized(true)
	sendResult(c, msg, true)
}

func (app *App) handleWSListContainers(c *ws.Conn, msg *ws.ClientMessage) {
	records, err := app.Inventory.ListAll(context.Background())
	if err != nil {
		sendError(c, msg, err)
		return
	}
	sendResult[[]inventory.ContainerRecord](c, msg, records)
}

func (app *App) handleWSContainerStatus(c *ws.Conn, msg *ws.ClientMessage) {
	id := argString(parseArgs(msg), 0)
	state, ok, err := app.Inventory.StatusOf(context.Background(), id)
	if err != nil {
		sendError(c, msg, err)
		return
	}
	if !ok {
		sendError(c, msg, errNotFoundf("container %q", id))
		return
	}
	sendResult(c, msg, containerStatus{ID: id, State: state})
}

func (app *App) handleWSEnsureUpToDate(c *ws.Conn, msg *ws.ClientMessage) {
	if !app.checkAuthorized(c, msg) {
		return
	}
	ref := argString(parseArgs(msg), 0)
	if ref == "" {
		sendError(c, msg, errBadRequestf("missing reference"))
		return
	}

	d, err := app.Policy.EnsureUpToDate(context.Background(), ref)
	app.RecordSync(updater.Result{Decision: d, Err: err})
	if err != nil {
		sendError(c, msg, err)
		return
	}
	sendResult[imagesync.Decision](c, msg, d)
}

// handleWSSyncHistory acks every record, or only the one named by the first
// argument.
func (app *App) handleWSSyncHistory(c *ws.Conn, msg *ws.ClientMessage) {
	if ref := argString(parseArgs(msg), 0); ref != "" {
		rec, err := app.syncRecord(ref)
		if err != nil {
			sendError(c, msg, err)
			return
		}
		sendResult(c, msg, rec)
		return
	}
	records := []models.SyncRecord{}
	if app.History != nil {
		var err error
		if records, err = app.History.List(); err != nil {
			sendError(c, msg, err)
			return
		}
	}
	sendResult(c, msg, records)
}
