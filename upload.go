package coursechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxUploadBytes is the client-side attachment size ceiling. The
// policy is enforced before any network call is made.
const DefaultMaxUploadBytes = 10 * 1024 * 1024

var (
	// ErrFileTooLarge is returned when an attachment exceeds the size policy.
	ErrFileTooLarge = errors.New("coursechat: attachment exceeds size limit")

	// ErrUnsupportedMedia is returned for files that are not image, video,
	// or audio.
	ErrUnsupportedMedia = errors.New("coursechat: unsupported media type")
)

// UploadsClient uploads attachments to the external blob store and
// resolves the durable URL + media kind required before a message with
// media may be sent.
type UploadsClient struct{ client *Client }

// UploadOptions configures a single upload.
type UploadOptions struct {
	FileName   string
	MimeType   string // auto-detected from FileName when empty
	OnProgress func(uploaded, total int64)
}

type uploadResponse struct {
	URL  string    `json:"url"`
	Kind MediaKind `json:"type"`
}

// Upload submits file bytes to the blob store and returns the attachment
// reference. The send must only be attempted after this succeeds; a failed
// or partial upload never yields a message with a broken media URL.
func (u *UploadsClient) Upload(ctx context.Context, data []byte, opts *UploadOptions) (*Attachment, error) {
	if opts == nil || opts.FileName == "" {
		return nil, fmt.Errorf("fileName is required")
	}

	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(opts.FileName)
	}
	kind, err := KindFromMime(mimeType)
	if err != nil {
		return nil, err
	}

	limit := u.client.uploadLimit
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, len(data), limit)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("type", string(kind)); err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}
	part, err := w.CreateFormFile("file", opts.FileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", u.client.baseURL+"/api/chat/uploads", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if u.client.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.client.token)
	}

	resp, err := u.client.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upload failed (%d): %s", resp.StatusCode, string(body))
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("upload rejected")
	}

	var up uploadResponse
	if err := res.Decode(&up); err != nil {
		return nil, fmt.Errorf("failed to decode upload result: %w", err)
	}
	if up.URL == "" {
		return nil, fmt.Errorf("upload response missing durable url")
	}

	if opts.OnProgress != nil {
		opts.OnProgress(int64(len(data)), int64(len(data)))
	}

	if up.Kind == "" {
		up.Kind = kind
	}
	return &Attachment{URL: up.URL, Kind: up.Kind}, nil
}

// UploadFile uploads from a local path, detecting name and MIME type.
func (u *UploadsClient) UploadFile(ctx context.Context, filePath string, opts *UploadOptions) (*Attachment, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if opts == nil {
		opts = &UploadOptions{}
	}
	if opts.FileName == "" {
		opts.FileName = filepath.Base(filePath)
	}
	return u.Upload(ctx, data, opts)
}

// KindFromMime maps a MIME type onto the three accepted media kinds.
func KindFromMime(mimeType string) (MediaKind, error) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MediaImage, nil
	case strings.HasPrefix(mimeType, "video/"):
		return MediaVideo, nil
	case strings.HasPrefix(mimeType, "audio/"):
		return MediaAudio, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMedia, mimeType)
	}
}

// guessMimeType returns a MIME type from the file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".webp": "image/webp", ".webm": "video/webm",
		".ogg": "audio/ogg", ".m4a": "audio/mp4",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
