package coursechat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNoActivePeer is returned when a send is attempted before a peer's
// conversation has been selected.
var ErrNoActivePeer = errors.New("coursechat: no active conversation")

// Transport is the persistent-channel surface the session depends on.
// *RealtimeClient implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	JoinRoom(ctx context.Context, self, peer PeerID) error
	Send(ctx context.Context, msg Message) error
	MarkRead(ctx context.Context, messageID string) error
	OnReceive(h func(Message))
	OnReadReceipt(h func(ReadReceipt))
	OnError(h func(string))
	OnConnected(h func())
}

// HistoryLoader fetches the persisted conversation log for a peer pair.
// *MessagesClient implements it.
type HistoryLoader interface {
	History(ctx context.Context, self, peer PeerID) ([]Message, error)
}

// Uploader resolves a local file into a durable attachment reference.
// *UploadsClient implements it.
type Uploader interface {
	Upload(ctx context.Context, data []byte, opts *UploadOptions) (*Attachment, error)
}

// SessionConfig wires a session's collaborators.
type SessionConfig struct {
	Self PeerID
	Role Role

	Transport Transport
	History   HistoryLoader
	Uploads   Uploader // required only for SendAttachment/SendRecording
	Recorder  Recorder // optional audio capture device
	Logger    zerolog.Logger
}

// Session is the client-side messaging core for one signed-in user. It
// reconciles optimistic sends, history fetches, and push events into a
// single per-room log (deduplicated by message id), tracks the sent→read
// state machine, and keeps per-peer unread counters.
//
// All session state is process-local and rebuilt from scratch when the
// session reconnects.
type Session struct {
	self      PeerID
	role      Role
	transport Transport
	history   HistoryLoader
	uploads   Uploader
	recorder  Recorder
	log       zerolog.Logger

	store  *ConversationStore
	unread *UnreadCounters

	mu         sync.Mutex
	activePeer PeerID
	activeRole Role
	fetchGen   uint64
	historyErr map[PeerID]error

	closeOnce sync.Once

	updateMu sync.RWMutex
	onUpdate []func()
}

// NewSession creates a session and registers its protocol handlers on the
// transport. Call Open to establish the channel.
func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		self:       cfg.Self,
		role:       cfg.Role,
		transport:  cfg.Transport,
		history:    cfg.History,
		uploads:    cfg.Uploads,
		recorder:   cfg.Recorder,
		log:        cfg.Logger,
		store:      NewConversationStore(),
		unread:     NewUnreadCounters(),
		historyErr: make(map[PeerID]error),
	}

	s.transport.OnReceive(s.handleReceive)
	s.transport.OnReadReceipt(s.handleReadReceipt)
	s.transport.OnError(func(msg string) {
		s.log.Warn().Str("server_error", msg).Msg("transport reported error")
	})
	s.transport.OnConnected(s.handleConnected)
	return s
}

// Open establishes the persistent channel. Idempotent, like the
// underlying transport connect.
func (s *Session) Open(ctx context.Context) error {
	return s.transport.Connect(ctx)
}

// Close tears the session down: the transport and any live capture
// resource are released exactly once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.recorder != nil {
			_, _, _ = s.recorder.Stop()
		}
		err = s.transport.Disconnect()
	})
	return err
}

// OnUpdate registers a callback fired after any state change a UI would
// want to re-render for. Callbacks must not block.
func (s *Session) OnUpdate(h func()) {
	s.updateMu.Lock()
	s.onUpdate = append(s.onUpdate, h)
	s.updateMu.Unlock()
}

func (s *Session) notify() {
	s.updateMu.RLock()
	handlers := append([]func(){}, s.onUpdate...)
	s.updateMu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

// ============================================================================
// Peer selection and history
// ============================================================================

// SelectPeer makes the given peer's conversation the active one: the
// unread counter resets, the room is joined, and the persisted history is
// fetched and merged into local state.
//
// Each fetch is tagged with a generation; if another SelectPeer supersedes
// this one while the fetch is in flight, the stale result is discarded
// instead of being applied to the wrong conversation.
func (s *Session) SelectPeer(ctx context.Context, peer PeerID, peerRole Role) error {
	s.mu.Lock()
	s.activePeer = peer
	s.activeRole = peerRole
	s.fetchGen++
	gen := s.fetchGen
	s.mu.Unlock()

	s.unread.Reset(peer)
	s.notify()

	if err := s.transport.JoinRoom(ctx, s.self, peer); err != nil {
		// The room join rides the same channel as sends; without it the
		// server cannot route this conversation.
		return fmt.Errorf("join room: %w", err)
	}

	return s.loadHistory(ctx, peer, gen)
}

// Refresh re-fetches the active conversation's history, e.g. after a
// reconnect.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	peer := s.activePeer
	s.fetchGen++
	gen := s.fetchGen
	s.mu.Unlock()

	if peer == "" {
		return nil
	}
	return s.loadHistory(ctx, peer, gen)
}

func (s *Session) loadHistory(ctx context.Context, peer PeerID, gen uint64) error {
	msgs, err := s.history.History(ctx, s.self, peer)

	s.mu.Lock()
	if s.fetchGen != gen || s.activePeer != peer {
		// Superseded by a later selection; do not touch state.
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.historyErr[peer] = err
		s.mu.Unlock()
		s.notify()
		return fmt.Errorf("load history for %s: %w", peer, err)
	}
	delete(s.historyErr, peer)
	s.mu.Unlock()

	for _, m := range msgs {
		s.store.Upsert(m)
	}
	s.notify()
	return nil
}

// ActivePeer returns the peer whose conversation is currently open, or ""
// when none is.
func (s *Session) ActivePeer() PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activePeer
}

// HistoryError reports the last history-fetch failure for a peer, so a
// conversation can be shown in an explicit error state rather than empty.
func (s *Session) HistoryError(peer PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyErr[peer]
}

// Messages returns the visible log of the active conversation, oldest
// first.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	peer := s.activePeer
	s.mu.Unlock()

	if peer == "" {
		return nil
	}
	return s.store.Messages(RoomID(s.self, peer))
}

// Unread returns the unread count for a peer.
func (s *Session) Unread(peer PeerID) int {
	return s.unread.Get(peer)
}

// UnreadAll returns all non-zero unread counters, for roster badges.
func (s *Session) UnreadAll() map[PeerID]int {
	return s.unread.Snapshot()
}

// ============================================================================
// Sending
// ============================================================================

// Send transmits a text message (optionally carrying an already-uploaded
// attachment) to the active peer. The message is appended to local state
// immediately; transmission is best-effort with no acknowledgement beyond
// an eventual read receipt, so a transport error leaves the message in
// local "sent" state and is surfaced to the caller.
func (s *Session) Send(ctx context.Context, content string, media *Attachment) (Message, error) {
	s.mu.Lock()
	peer := s.activePeer
	peerRole := s.activeRole
	s.mu.Unlock()

	if peer == "" {
		return Message{}, ErrNoActivePeer
	}

	msg := Message{
		ID:           uuid.NewString(),
		Sender:       s.self,
		Receiver:     peer,
		SenderRole:   s.role,
		ReceiverRole: peerRole,
		Content:      content,
		Media:        media,
		SentAt:       time.Now().UTC().Format(time.RFC3339Nano),
		Status:       StatusSent,
	}

	s.store.Upsert(msg)
	s.notify()

	if err := s.transport.Send(ctx, msg); err != nil {
		s.log.Warn().Str("message_id", msg.ID).Err(err).Msg("send failed")
		return msg, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

// SendAttachment uploads file bytes and, only once the upload has
// resolved a durable URL, sends a message referencing it. A size-policy
// violation or upload failure blocks the send entirely.
func (s *Session) SendAttachment(ctx context.Context, content string, data []byte, fileName string) (Message, error) {
	if s.uploads == nil {
		return Message{}, fmt.Errorf("no uploader configured")
	}
	att, err := s.uploads.Upload(ctx, data, &UploadOptions{FileName: fileName})
	if err != nil {
		return Message{}, fmt.Errorf("upload attachment: %w", err)
	}
	return s.Send(ctx, content, att)
}

// SendRecording stops the session's recorder, uploads the captured audio,
// and sends it as a voice message.
func (s *Session) SendRecording(ctx context.Context, content string) (Message, error) {
	if s.recorder == nil {
		return Message{}, fmt.Errorf("no recorder configured")
	}
	data, mimeType, err := s.recorder.Stop()
	if err != nil {
		return Message{}, fmt.Errorf("stop recording: %w", err)
	}
	if s.uploads == nil {
		return Message{}, fmt.Errorf("no uploader configured")
	}
	att, err := s.uploads.Upload(ctx, data, &UploadOptions{FileName: "voice-message", MimeType: mimeType})
	if err != nil {
		return Message{}, fmt.Errorf("upload recording: %w", err)
	}
	return s.Send(ctx, content, att)
}

// ============================================================================
// Inbound event handling
// ============================================================================

// handleReceive applies an inbound push message. Handlers run on the
// transport read loop, so per-direction ordering is preserved.
func (s *Session) handleReceive(m Message) {
	if m.Status == "" {
		m.Status = StatusSent
	}

	// The server broadcasts to the whole room, so our own messages come
	// back too; the upsert dedups them by id.
	if m.Sender == s.self {
		s.store.Upsert(m)
		s.notify()
		return
	}
	if m.Receiver != s.self {
		s.log.Warn().Str("message_id", m.ID).Msg("dropping message for another recipient")
		return
	}

	s.mu.Lock()
	active := s.activePeer == m.Sender
	s.mu.Unlock()

	created := s.store.Upsert(m)

	if active {
		// Displayed immediately: confirm to the sender. Only a freshly
		// seen message emits a receipt; replays stay quiet.
		if created {
			if err := s.transport.MarkRead(context.Background(), m.ID); err != nil {
				s.log.Warn().Str("message_id", m.ID).Err(err).Msg("read receipt not sent")
			}
		}
	} else if created {
		// Not on screen: count it and leave it buffered in the store
		// until that conversation becomes active.
		s.unread.Increment(m.Sender)
	}
	s.notify()
}

// handleReadReceipt flips a message owned by this session to read.
// Re-applying a receipt, or receiving one for a message we no longer
// know, is a no-op.
func (s *Session) handleReadReceipt(r ReadReceipt) {
	if r.Status != StatusRead {
		s.log.Warn().Str("message_id", r.ID).Str("status", string(r.Status)).
			Msg("dropping read update with unexpected status")
		return
	}
	if s.store.MarkRead(r.ID) {
		s.notify()
	}
}

// handleConnected fires on every (re)connect. Unread state is
// session-local and never persisted, so after a reconnect it is rebuilt
// from scratch; the active room is rejoined and its history refetched.
func (s *Session) handleConnected() {
	s.mu.Lock()
	peer := s.activePeer
	s.mu.Unlock()

	s.unread.ResetAll()

	if peer == "" {
		return
	}
	ctx := context.Background()
	if err := s.transport.JoinRoom(ctx, s.self, peer); err != nil {
		s.log.Warn().Err(err).Msg("rejoin after reconnect failed")
		return
	}
	if err := s.Refresh(ctx); err != nil {
		s.log.Warn().Err(err).Msg("history refresh after reconnect failed")
	}
}
