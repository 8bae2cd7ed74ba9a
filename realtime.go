package coursechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned when an emit is attempted without a live
// connection.
var ErrNotConnected = errors.New("coursechat: not connected")

// ============================================================================
// Wire Protocol
// ============================================================================

// Envelope is the wire format for all events on the persistent channel.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Protocol event names. Client-to-server: EventJoinRoom, EventSendMessage,
// EventMessageRead. Server-to-client: EventReceiveMessage,
// EventReadUpdate, EventError.
const (
	EventJoinRoom       = "joinChatRoom"
	EventSendMessage    = "send_message"
	EventReceiveMessage = "receive_message"
	EventMessageRead    = "message_read"
	EventReadUpdate     = "message_read_update"
	EventError          = "error"

	eventPing = "ping"
	eventPong = "pong"
)

// JoinRoomPayload announces which two-party conversation this client is
// participating in. The server derives the room key from the pair.
type JoinRoomPayload struct {
	Sender   PeerID `json:"sender"`
	Receiver PeerID `json:"receiver"`
}

// MessageReadPayload asks the server to notify the original sender that a
// message was displayed.
type MessageReadPayload struct {
	MessageID string `json:"messageId"`
}

// PongPayload resolves a transport heartbeat ping.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

type command struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler is the generic event callback type.
type EventHandler func(event string, payload json.RawMessage)

// Events are dispatched synchronously from the read loop so that messages
// within one direction keep transport order. Handlers must not block.
type eventDispatcher struct {
	mu             sync.RWMutex
	log            zerolog.Logger
	generic        map[string][]EventHandler
	onReceive      []func(Message)
	onReadUpdate   []func(ReadReceipt)
	onError        []func(string)
	onConnected    []func()
	onDisconnected []func(code int, reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func newEventDispatcher(log zerolog.Logger) *eventDispatcher {
	return &eventDispatcher{
		log:     log,
		generic: make(map[string][]EventHandler),
	}
}

func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Event {
	case EventReceiveMessage:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil || m.ID == "" {
			d.drop(env, err)
			return
		}
		for _, h := range d.onReceive {
			h(m)
		}
	case EventReadUpdate:
		var r ReadReceipt
		if err := json.Unmarshal(env.Payload, &r); err != nil || r.ID == "" {
			d.drop(env, err)
			return
		}
		for _, h := range d.onReadUpdate {
			h(r)
		}
	case EventError:
		var msg string
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			d.drop(env, err)
			return
		}
		d.log.Warn().Str("event", env.Event).Msg(msg)
		for _, h := range d.onError {
			h(msg)
		}
	}

	for _, h := range d.generic[env.Event] {
		h(env.Event, env.Payload)
	}
}

// drop logs a malformed protocol event and discards it. Protocol errors
// are never fatal to the session.
func (d *eventDispatcher) drop(env Envelope, err error) {
	d.log.Warn().
		Str("event", env.Event).
		AnErr("cause", err).
		Msg("dropping malformed protocol event")
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the single persistent bidirectional channel for a
// client session. Only this type writes to the underlying connection;
// consumers receive events through registered handlers.
type RealtimeClient struct {
	baseURL          string
	config           *RealtimeConfig
	log              zerolog.Logger
	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	pingCounter      int
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
}

// RealtimeFactory creates realtime clients bound to the REST client's
// base URL and logger.
type RealtimeFactory struct{ client *Client }

// WSURL returns the websocket endpoint derived from the API base URL.
func (f *RealtimeFactory) WSURL(token string) string {
	base := strings.Replace(f.client.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + token
	}
	return base + "/ws"
}

// Connect creates a realtime client. Call Connect on the result to
// establish the channel.
func (f *RealtimeFactory) Connect(config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeClient{
		baseURL:      f.client.baseURL,
		config:       &cfg,
		log:          f.client.log,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(f.client.log),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// OnReceive registers a handler for inbound messages.
func (rt *RealtimeClient) OnReceive(h func(Message)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReceive = append(rt.dispatcher.onReceive, h)
	rt.dispatcher.mu.Unlock()
}

// OnReadReceipt registers a handler for read-receipt updates.
func (rt *RealtimeClient) OnReadReceipt(h func(ReadReceipt)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReadUpdate = append(rt.dispatcher.onReadUpdate, h)
	rt.dispatcher.mu.Unlock()
}

// OnError registers a handler for server error notices.
func (rt *RealtimeClient) OnError(h func(string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onError = append(rt.dispatcher.onError, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event. It also
// fires after a successful reconnect, which is the hook sessions use to
// rejoin their active room.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDisconnected = append(rt.dispatcher.onDisconnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReconnecting = append(rt.dispatcher.onReconnecting, h)
	rt.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (rt *RealtimeClient) On(event string, h EventHandler) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.generic[event] = append(rt.dispatcher.generic[event], h)
	rt.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Connect establishes the websocket connection. Calling it while already
// connected or connecting is a no-op.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + rt.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.mu.Unlock()
	rt.recon.markConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.cancelFn = cancel
	rt.mu.Unlock()

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx)

	rt.dispatcher.emitConnected()
	return nil
}

// Disconnect tears the channel down. Safe to call more than once; the
// underlying connection is released exactly once.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.clearPendingPings()

	if conn != nil {
		err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
		rt.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
		return err
	}
	return nil
}

// JoinRoom notifies the transport which two-party conversation this client
// now participates in. Must precede Send for that peer.
func (rt *RealtimeClient) JoinRoom(ctx context.Context, self, peer PeerID) error {
	return rt.emit(ctx, &command{
		Event:   EventJoinRoom,
		Payload: JoinRoomPayload{Sender: self, Receiver: peer},
	})
}

// Send transmits a fully-formed message: attachment already uploaded,
// message id already assigned. Delivery is best-effort — there is no send
// acknowledgement beyond an eventual read receipt.
func (rt *RealtimeClient) Send(ctx context.Context, msg Message) error {
	return rt.emit(ctx, &command{Event: EventSendMessage, Payload: msg})
}

// MarkRead tells the server the given message was displayed to its
// recipient, so the sender can be notified.
func (rt *RealtimeClient) MarkRead(ctx context.Context, messageID string) error {
	return rt.emit(ctx, &command{
		Event:   EventMessageRead,
		Payload: MessageReadPayload{MessageID: messageID},
	})
}

func (rt *RealtimeClient) emit(ctx context.Context, cmd *command) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a heartbeat and waits for the matching pong.
func (rt *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	rt.pendingMu.Lock()
	rt.pingCounter++
	requestID := fmt.Sprintf("ping-%d", rt.pingCounter)
	ch := make(chan PongPayload, 1)
	rt.pendingPings[requestID] = ch
	rt.pendingMu.Unlock()

	err := rt.emit(ctx, &command{
		Event:   eventPing,
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		rt.forgetPing(requestID)
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		rt.forgetPing(requestID)
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		rt.forgetPing(requestID)
		return nil, ctx.Err()
	}
}

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			rt.mu.Unlock()
			if intentional {
				return
			}

			rt.mu.Lock()
			rt.state = StateDisconnected
			rt.conn = nil
			rt.mu.Unlock()

			rt.dispatcher.emitDisconnected(0, err.Error())

			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			rt.log.Warn().AnErr("cause", err).Msg("dropping undecodable frame")
			continue
		}

		if env.Event == eventPong {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				rt.pendingMu.Lock()
				ch, ok := rt.pendingPings[p.RequestID]
				if ok {
					delete(rt.pendingPings, p.RequestID)
				}
				rt.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		rt.dispatcher.dispatch(env)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.mu.Lock()
			s := rt.state
			rt.mu.Unlock()
			if s != StateConnected {
				return
			}

			if _, err := rt.Ping(ctx); err != nil {
				rt.mu.Lock()
				conn := rt.conn
				rt.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rt *RealtimeClient) scheduleReconnect() {
	delay := rt.recon.nextDelay()
	rt.mu.Lock()
	rt.state = StateReconnecting
	rt.mu.Unlock()

	rt.log.Info().
		Int("attempt", rt.recon.attempt).
		Dur("delay", delay).
		Msg("reconnecting")
	rt.dispatcher.emitReconnecting(rt.recon.attempt, delay)

	time.Sleep(delay)

	rt.mu.Lock()
	if rt.intentionalClose {
		rt.mu.Unlock()
		return
	}
	rt.state = StateDisconnected
	rt.mu.Unlock()

	if err := rt.Connect(context.Background()); err != nil {
		if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
			rt.scheduleReconnect()
		}
	}
}

func (rt *RealtimeClient) forgetPing(requestID string) {
	rt.pendingMu.Lock()
	delete(rt.pendingPings, requestID)
	rt.pendingMu.Unlock()
}

func (rt *RealtimeClient) clearPendingPings() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pendingPings {
		close(ch)
		delete(rt.pendingPings, k)
	}
	rt.pendingMu.Unlock()
}
