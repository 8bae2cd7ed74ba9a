package coursechat

// RoomID derives the conversation identifier shared by two participants.
// The two ids are sorted before joining, so RoomID(a, b) == RoomID(b, a)
// and both sides of a conversation converge on the same channel key.
func RoomID(a, b PeerID) string {
	if b < a {
		a, b = b, a
	}
	return string(a) + "_" + string(b)
}
