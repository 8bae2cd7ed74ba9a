package coursechat_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	coursechat "github.com/courseloop/chat-go"
	"nhooyr.io/websocket"
)

// wsServer is a one-connection-at-a-time websocket test peer.
type wsServer struct {
	*httptest.Server
	accepts int32
	conns   chan *websocket.Conn
	tokens  chan string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		conns:  make(chan *websocket.Conn, 4),
		tokens: make(chan string, 4),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		atomic.AddInt32(&s.accepts, 1)
		s.tokens <- r.URL.Query().Get("token")
		s.conns <- conn
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection within 2s")
		return nil
	}
}

func (s *wsServer) send(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	frame, _ := json.Marshal(coursechat.Envelope{Event: event, Payload: raw})
	if err := conn.Write(context.Background(), websocket.MessageText, frame); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func (s *wsServer) read(t *testing.T, conn *websocket.Conn) coursechat.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var env coursechat.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("server decode: %v", err)
	}
	return env
}

func newRealtime(srv *wsServer, cfg *coursechat.RealtimeConfig) *coursechat.RealtimeClient {
	if cfg == nil {
		cfg = &coursechat.RealtimeConfig{Token: "tok"}
	}
	// Keep heartbeats out of the way unless the test wants them.
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	client := coursechat.NewClient("tok", coursechat.WithBaseURL(srv.URL))
	return client.Realtime.Connect(cfg)
}

func TestRealtime_ConnectCarriesTokenAndIsIdempotent(t *testing.T) {
	srv := newWSServer(t)
	rt := newRealtime(srv, nil)
	defer rt.Disconnect()

	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	srv.waitConn(t)
	if got := <-srv.tokens; got != "tok" {
		t.Errorf("token = %q, want tok", got)
	}
	if n := atomic.LoadInt32(&srv.accepts); n != 1 {
		t.Errorf("idempotent Connect opened %d connections", n)
	}
	if rt.State() != coursechat.StateConnected {
		t.Errorf("state = %s", rt.State())
	}
}

func TestRealtime_EmitBeforeConnectFails(t *testing.T) {
	srv := newWSServer(t)
	rt := newRealtime(srv, nil)

	err := rt.Send(context.Background(), coursechat.Message{ID: "m1"})
	if err != coursechat.ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestRealtime_OutboundEnvelopes(t *testing.T) {
	srv := newWSServer(t)
	rt := newRealtime(srv, nil)
	defer rt.Disconnect()

	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := srv.waitConn(t)
	ctx := context.Background()

	if err := rt.JoinRoom(ctx, "s1", "i1"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	env := srv.read(t, conn)
	if env.Event != coursechat.EventJoinRoom {
		t.Fatalf("event = %q, want %q", env.Event, coursechat.EventJoinRoom)
	}
	var join coursechat.JoinRoomPayload
	if err := json.Unmarshal(env.Payload, &join); err != nil {
		t.Fatalf("decode join payload: %v", err)
	}
	if join.Sender != "s1" || join.Receiver != "i1" {
		t.Errorf("join payload = %+v", join)
	}

	if err := rt.Send(ctx, coursechat.Message{ID: "m1", Sender: "s1", Receiver: "i1", Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	env = srv.read(t, conn)
	if env.Event != coursechat.EventSendMessage {
		t.Fatalf("event = %q, want %q", env.Event, coursechat.EventSendMessage)
	}
	var msg coursechat.Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		t.Fatalf("decode message payload: %v", err)
	}
	if msg.ID != "m1" || msg.Content != "hi" {
		t.Errorf("message payload = %+v", msg)
	}

	if err := rt.MarkRead(ctx, "m1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	env = srv.read(t, conn)
	if env.Event != coursechat.EventMessageRead {
		t.Fatalf("event = %q, want %q", env.Event, coursechat.EventMessageRead)
	}
	var read coursechat.MessageReadPayload
	if err := json.Unmarshal(env.Payload, &read); err != nil {
		t.Fatalf("decode read payload: %v", err)
	}
	if read.MessageID != "m1" {
		t.Errorf("read payload = %+v", read)
	}
}

func TestRealtime_InboundDispatchDropsMalformed(t *testing.T) {
	srv := newWSServer(t)
	rt := newRealtime(srv, nil)
	defer rt.Disconnect()

	messages := make(chan coursechat.Message, 4)
	receipts := make(chan coursechat.ReadReceipt, 4)
	serverErrs := make(chan string, 4)
	rt.OnReceive(func(m coursechat.Message) { messages <- m })
	rt.OnReadReceipt(func(r coursechat.ReadReceipt) { receipts <- r })
	rt.OnError(func(msg string) { serverErrs <- msg })

	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := srv.waitConn(t)

	// Malformed first: a message with no id must be dropped without
	// killing the read loop.
	srv.send(t, conn, coursechat.EventReceiveMessage, map[string]string{"content": "no id"})
	srv.send(t, conn, coursechat.EventReceiveMessage, coursechat.Message{
		ID: "m1", Sender: "i1", Receiver: "s1", Content: "hello",
	})
	srv.send(t, conn, coursechat.EventReadUpdate, coursechat.ReadReceipt{ID: "m1", Status: coursechat.StatusRead})
	srv.send(t, conn, coursechat.EventError, "sender and receiver are required")

	select {
	case m := <-messages:
		if m.ID != "m1" {
			t.Errorf("dispatched message %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid message never dispatched")
	}
	select {
	case r := <-receipts:
		if r.ID != "m1" || r.Status != coursechat.StatusRead {
			t.Errorf("dispatched receipt %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read update never dispatched")
	}
	select {
	case msg := <-serverErrs:
		if msg != "sender and receiver are required" {
			t.Errorf("error notice %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error event never dispatched")
	}

	// The malformed frame must not have been delivered.
	select {
	case m := <-messages:
		t.Errorf("malformed message dispatched: %+v", m)
	default:
	}
}

func TestRealtime_PingPong(t *testing.T) {
	srv := newWSServer(t)
	rt := newRealtime(srv, nil)
	defer rt.Disconnect()

	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := srv.waitConn(t)

	go func() {
		env := srv.read(t, conn)
		var p struct {
			RequestID string `json:"requestId"`
		}
		json.Unmarshal(env.Payload, &p)
		srv.send(t, conn, "pong", coursechat.PongPayload{RequestID: p.RequestID})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pong, err := rt.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if pong.RequestID == "" {
		t.Error("pong missing request id")
	}
}

func TestRealtime_DisconnectIsSafeToRepeat(t *testing.T) {
	srv := newWSServer(t)
	rt := newRealtime(srv, nil)

	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv.waitConn(t)

	if err := rt.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := rt.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if rt.State() != coursechat.StateDisconnected {
		t.Errorf("state = %s", rt.State())
	}
}

func TestRealtime_AutoReconnect(t *testing.T) {
	srv := newWSServer(t)
	rt := newRealtime(srv, &coursechat.RealtimeConfig{
		Token:              "tok",
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
	})
	defer rt.Disconnect()

	connected := make(chan struct{}, 4)
	reconnecting := make(chan struct{}, 4)
	rt.OnConnected(func() { connected <- struct{}{} })
	rt.OnReconnecting(func(attempt int, delay time.Duration) { reconnecting <- struct{}{} })

	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := srv.waitConn(t)
	<-connected

	// Server drops the connection; the client should back off and redial.
	conn.Close(websocket.StatusGoingAway, "server restart")

	select {
	case <-reconnecting:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect never attempted")
	}
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("channel never re-established")
	}
	if n := atomic.LoadInt32(&srv.accepts); n != 2 {
		t.Errorf("expected 2 connections, got %d", n)
	}
}
