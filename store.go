package coursechat

import (
	"sort"
	"sync"
)

// storedMessage pairs a message with its insertion sequence, used as a
// tie-break when two messages carry the same timestamp.
type storedMessage struct {
	msg Message
	seq int
}

// ConversationStore is the goroutine-safe local message cache. It is the
// single reconciliation point for the three sources of message state —
// optimistic sends, history fetches, and push events — and only ever
// changes through an upsert keyed on message id.
type ConversationStore struct {
	mu       sync.RWMutex
	messages map[string]*storedMessage
	rooms    map[string][]string // room id → message ids, insertion order
	nextSeq  int
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		messages: make(map[string]*storedMessage),
		rooms:    make(map[string][]string),
	}
}

// Upsert merges a message into the store and reports whether it was new.
// A message id seen before never produces a second entry, and the status
// merge is forward-only: an already-read message is never downgraded.
func (s *ConversationStore) Upsert(msg Message) bool {
	if msg.Status == "" {
		msg.Status = StatusSent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.messages[msg.ID]; ok {
		msg.Status = mergeStatus(existing.msg.Status, msg.Status)
		existing.msg = msg
		return false
	}

	s.nextSeq++
	s.messages[msg.ID] = &storedMessage{msg: msg, seq: s.nextSeq}
	room := RoomID(msg.Sender, msg.Receiver)
	s.rooms[room] = append(s.rooms[room], msg.ID)
	return true
}

// MarkRead flips a message to read and reports whether the message is
// known. Re-applying the same receipt is a no-op, not an error.
func (s *ConversationStore) MarkRead(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return false
	}
	m.msg.Status = mergeStatus(m.msg.Status, StatusRead)
	return true
}

// Get returns a message by id.
func (s *ConversationStore) Get(messageID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[messageID]
	if !ok {
		return Message{}, false
	}
	return m.msg, true
}

// Messages returns the conversation log for a room, ordered oldest first.
// Equal timestamps keep insertion order, so an optimistic append and the
// later history record for it cannot swap places.
func (s *ConversationStore) Messages(roomID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.rooms[roomID]
	out := make([]*storedMessage, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].msg.SentAt != out[j].msg.SentAt {
			return out[i].msg.SentAt < out[j].msg.SentAt
		}
		return out[i].seq < out[j].seq
	})

	msgs := make([]Message, len(out))
	for i, m := range out {
		msgs[i] = m.msg
	}
	return msgs
}

// Len returns the number of stored messages across all rooms.
func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
