package duplex

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"

	"github.com/satriahrh/duplexvoice/domain/repositories"
)

// ErrUnsupportedFormat is returned for pushed audio that is not raw PCM
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// CaptureSource produces outbound frames, e.g. from a local microphone.
// Capture writes into frames until ctx is done; a full channel blocks the
// source, which is the back-pressure point between capture and sender.
// Transient read failures must be retried inside Capture.
type CaptureSource interface {
	Capture(ctx context.Context, frames chan<- repositories.AudioFrame) error
}

// CaptureFunc adapts a function to the CaptureSource interface
type CaptureFunc func(ctx context.Context, frames chan<- repositories.AudioFrame) error

// Capture implements CaptureSource
func (f CaptureFunc) Capture(ctx context.Context, frames chan<- repositories.AudioFrame) error {
	return f(ctx, frames)
}

// PCMMIMEType returns the rate-tagged MIME type for 16-bit mono PCM
func PCMMIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// ParsePCMRate validates a MIME tag such as "audio/pcm;rate=16000" and returns its rate.
// The rate is 0 when the tag carries none.
func ParsePCMRate(mimeType string) (int, error) {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, mimeType)
	}
	if !strings.EqualFold(mediaType, "audio/pcm") {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, mediaType)
	}

	raw, ok := params["rate"]
	if !ok {
		return 0, nil
	}
	rate, err := strconv.Atoi(raw)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("%w: invalid rate %q", ErrUnsupportedFormat, raw)
	}
	return rate, nil
}
