package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func read(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

func write(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestServer_AckAndUnknownEvent(t *testing.T) {
	s := NewServer(nil)
	s.Handle("echo", func(c *Conn, msg *ClientMessage) {
		var args []string
		json.Unmarshal(msg.Args, &args)
		SendAck(c, *msg.ID, OkResponse[[]string]{OK: true, Result: args})
	})
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	c := dial(t, srv)

	write(t, c, `{"id":1,"event":"echo","args":["a","b"]}`)
	var ack AckMessage[OkResponse[[]string]]
	read(t, c, &ack)
	if ack.ID != 1 || !ack.Data.OK || len(ack.Data.Result) != 2 {
		t.Errorf("ack = %+v", ack)
	}

	write(t, c, `{"id":2,"event":"nope"}`)
	var errAck AckMessage[ErrorResponse]
	read(t, c, &errAck)
	if errAck.ID != 2 || errAck.Data.OK || errAck.Data.Kind != "bad_request" {
		t.Errorf("error ack = %+v", errAck)
	}
}

func TestServer_ConnectAndBroadcast(t *testing.T) {
	s := NewServer([]string{"*"})
	connected := make(chan string, 1)
	s.HandleConnect(func(c *Conn, r *http.Request) {
		SendEvent(c, "hello", c.ID())
		connected <- c.ID()
	})
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	c := dial(t, srv)

	var hello ServerMessage[string]
	read(t, c, &hello)
	if hello.Event != "hello" || hello.Data != <-connected {
		t.Errorf("hello = %+v", hello)
	}

	Broadcast(s, "tick", map[string]int{"n": 1})
	var tick ServerMessage[map[string]int]
	read(t, c, &tick)
	if tick.Event != "tick" || tick.Data["n"] != 1 {
		t.Errorf("tick = %+v", tick)
	}

	if n := s.ConnectionCount(); n != 1 {
		t.Errorf("ConnectionCount = %d, want 1", n)
	}
}

func TestServer_OriginPatterns(t *testing.T) {
	s := NewServer([]string{"dash.example.com"})
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example.net"}},
	})
	if err == nil {
		t.Fatal("expected a foreign origin to be rejected")
	}

	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://dash.example.com"}},
	})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	c.CloseNow()
}
