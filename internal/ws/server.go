package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/coder/websocket"
)

// HandlerFunc processes a client message. Each call runs on its own
// goroutine, so handlers may block on runtime calls.
type HandlerFunc func(c *Conn, msg *ClientMessage)

// Server manages WebSocket connections and message dispatch.
type Server struct {
	mu    sync.RWMutex
	conns map[*Conn]struct{}

	handlers     map[string]HandlerFunc
	connectFn    func(c *Conn, r *http.Request)
	disconnectFn func(c *Conn)

	accept websocket.AcceptOptions
}

// NewServer creates a server accepting upgrades from the given origins.
// An empty list or "*" accepts any origin.
func NewServer(allowedOrigins []string) *Server {
	s := &Server{
		conns:    make(map[*Conn]struct{}),
		handlers: make(map[string]HandlerFunc),
	}
	if len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
		s.accept.InsecureSkipVerify = true
	} else {
		s.accept.OriginPatterns = allowedOrigins
	}
	return s
}

// Handle registers a handler for a named event.
func (s *Server) Handle(event string, fn HandlerFunc) {
	s.handlers[event] = fn
}

// HandleConnect registers a callback that runs when a connection is
// established, before its read pump starts. It receives the upgrade request.
func (s *Server) HandleConnect(fn func(c *Conn, r *http.Request)) {
	s.connectFn = fn
}

// OnDisconnect registers a callback that fires when a connection is removed.
func (s *Server) OnDisconnect(fn func(c *Conn)) {
	s.disconnectFn = fn
}

// ServeHTTP upgrades the request to a WebSocket connection and blocks on its
// read pump.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &s.accept)
	if err != nil {
		slog.Warn("ws accept", "err", err)
		return
	}

	c := newConn(wsConn, s)
	s.add(c)

	slog.Debug("ws connected", "conn", c.id, "remote", r.RemoteAddr)

	if s.connectFn != nil {
		s.connectFn(c, r)
	}

	c.readPump(r.Context())
}

// Broadcast marshals a push event once and sends it to every connection.
func Broadcast[T any](s *Server, event string, data T) {
	payload, err := json.Marshal(ServerMessage[T]{Event: event, Data: data})
	if err != nil {
		slog.Error("ws marshal broadcast", "event", event, "err", err)
		return
	}
	s.BroadcastBytes(payload)
}

// BroadcastBytes sends pre-marshalled JSON to every connection.
func (s *Server) BroadcastBytes(data []byte) {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.writeRaw(data)
	}
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// CloseAll closes every connection. Used on shutdown.
func (s *Server) CloseAll() {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) add(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	if s.disconnectFn != nil {
		s.disconnectFn(c)
	}

	slog.Debug("ws disconnected", "conn", c.id, "remaining", s.ConnectionCount())
}

func (s *Server) dispatch(c *Conn, msg *ClientMessage) {
	go s.Dispatch(c, msg)
}

// Dispatch looks up and invokes the handler for msg.Event. Unknown events
// with an ID are answered with an error ack.
func (s *Server) Dispatch(c *Conn, msg *ClientMessage) {
	h, ok := s.handlers[msg.Event]
	if !ok {
		slog.Warn("ws unknown event", "event", msg.Event)
		if msg.ID != nil {
			SendAck(c, *msg.ID, ErrorResponse{Msg: "unknown event: " + msg.Event, Kind: "bad_request"})
		}
		return
	}
	h(c, msg)
}
