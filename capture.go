package coursechat

import "context"

// Recorder abstracts an audio capture device so the session core can be
// exercised without a real microphone. Implementations own the capture
// resource; Stop must release it even when it returns an error.
type Recorder interface {
	// Start begins capturing. Calling Start while a capture is in
	// progress is an error.
	Start(ctx context.Context) error

	// Stop ends the capture and returns the recorded bytes along with
	// their MIME type (e.g. "audio/webm").
	Stop() (data []byte, mimeType string, err error)
}
