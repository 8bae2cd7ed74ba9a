package coursechat

import "sync"

// UnreadCounters tracks, per peer, how many messages arrived while that
// peer's conversation was not the active one. Counters live only for the
// client session and are rebuilt from scratch on reconnect; nothing is
// persisted.
type UnreadCounters struct {
	mu     sync.RWMutex
	counts map[PeerID]int
}

// NewUnreadCounters creates an empty counter set.
func NewUnreadCounters() *UnreadCounters {
	return &UnreadCounters{counts: make(map[PeerID]int)}
}

// Increment bumps the counter for a peer by one.
func (u *UnreadCounters) Increment(peer PeerID) {
	u.mu.Lock()
	u.counts[peer]++
	u.mu.Unlock()
}

// Reset zeroes the counter for a peer. Called exactly once per
// peer-selection event, before that peer's history is loaded.
func (u *UnreadCounters) Reset(peer PeerID) {
	u.mu.Lock()
	delete(u.counts, peer)
	u.mu.Unlock()
}

// ResetAll clears every counter, e.g. when unread state is rebuilt after
// a reconnect.
func (u *UnreadCounters) ResetAll() {
	u.mu.Lock()
	u.counts = make(map[PeerID]int)
	u.mu.Unlock()
}

// Get returns the current count for a peer.
func (u *UnreadCounters) Get(peer PeerID) int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.counts[peer]
}

// Snapshot returns a copy of all non-zero counters, for roster badges.
func (u *UnreadCounters) Snapshot() map[PeerID]int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make(map[PeerID]int, len(u.counts))
	for k, v := range u.counts {
		out[k] = v
	}
	return out
}
