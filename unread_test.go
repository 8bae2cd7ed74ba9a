package coursechat_test

import (
	"testing"

	coursechat "github.com/courseloop/chat-go"
)

func TestUnreadCounters_IncrementAndReset(t *testing.T) {
	u := coursechat.NewUnreadCounters()

	if got := u.Get("i1"); got != 0 {
		t.Fatalf("fresh counter should be 0, got %d", got)
	}

	u.Increment("i1")
	u.Increment("i1")
	u.Increment("i2")

	if got := u.Get("i1"); got != 2 {
		t.Errorf("i1 = %d, want 2", got)
	}
	if got := u.Get("i2"); got != 1 {
		t.Errorf("i2 = %d, want 1", got)
	}

	u.Reset("i1")
	if got := u.Get("i1"); got != 0 {
		t.Errorf("i1 after reset = %d, want 0", got)
	}
	if got := u.Get("i2"); got != 1 {
		t.Errorf("i2 should be untouched by i1's reset, got %d", got)
	}
}

func TestUnreadCounters_Snapshot(t *testing.T) {
	u := coursechat.NewUnreadCounters()
	u.Increment("i1")
	u.Increment("i2")
	u.Increment("i2")

	snap := u.Snapshot()
	if len(snap) != 2 || snap["i1"] != 1 || snap["i2"] != 2 {
		t.Errorf("unexpected snapshot %v", snap)
	}

	// Snapshot is a copy.
	snap["i1"] = 99
	if got := u.Get("i1"); got != 1 {
		t.Errorf("mutating the snapshot leaked into the counters: %d", got)
	}
}

func TestUnreadCounters_ResetAll(t *testing.T) {
	u := coursechat.NewUnreadCounters()
	u.Increment("i1")
	u.Increment("i2")

	u.ResetAll()
	if len(u.Snapshot()) != 0 {
		t.Errorf("counters survived ResetAll: %v", u.Snapshot())
	}
}
