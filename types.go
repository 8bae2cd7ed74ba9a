package coursechat

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the CourseLoop API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Identity
// ============================================================================

// PeerID identifies a chat participant (a student or an instructor).
type PeerID string

// Role distinguishes the two participant kinds. The wire protocol carries
// it in the senderModel/receiverModel fields.
type Role string

const (
	RoleStudent    Role = "Student"
	RoleInstructor Role = "Instructor"
)

// Peer is a directory entry for a chat participant. Read-only reference
// data owned by the external user/instructor directory.
type Peer struct {
	ID          PeerID `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Role        Role   `json:"role,omitempty"`
}

// ============================================================================
// Messages
// ============================================================================

// Status is the per-message delivery state. The only legal transition is
// StatusSent → StatusRead; it never regresses.
type Status string

const (
	StatusSent Status = "sent"
	StatusRead Status = "read"
)

// mergeStatus applies the forward-only transition rule. A regression
// (read → sent) is ignored, and re-applying the same status is a no-op.
func mergeStatus(current, incoming Status) Status {
	if current == StatusRead || incoming == StatusRead {
		return StatusRead
	}
	return current
}

// MediaKind tags an attachment as image, video, or audio. No other kinds
// are accepted by the upload pipeline.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// Attachment is a durable reference to an uploaded media object.
type Attachment struct {
	URL  string    `json:"url"`
	Kind MediaKind `json:"type"`
}

// Message is a single direct message. ID is client-generated, globally
// unique, and the sole deduplication key: local state is only ever updated
// through an upsert keyed on it.
type Message struct {
	ID           string      `json:"messageId"`
	Sender       PeerID      `json:"sender"`
	Receiver     PeerID      `json:"receiver"`
	SenderRole   Role        `json:"senderModel"`
	ReceiverRole Role        `json:"receiverModel"`
	Content      string      `json:"content"`
	Media        *Attachment `json:"mediaUrl,omitempty"`
	SentAt       string      `json:"sentAt"`
	Status       Status      `json:"status"`
}

// ReadReceipt is the server's confirmation that a message was displayed to
// its recipient.
type ReadReceipt struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}
