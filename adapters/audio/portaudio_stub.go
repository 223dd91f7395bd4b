//go:build !portaudio

package audio

import (
	"go.uber.org/zap"

	"github.com/satriahrh/duplexvoice/internal/duplex"
)

// System is unavailable without the portaudio build tag
type System struct{}

// Open always fails without the portaudio build tag
func Open(logger *zap.Logger) (*System, error) {
	return nil, ErrDeviceUnavailable
}

// Close implements io.Closer
func (s *System) Close() error {
	return nil
}

// Capture returns nil without the portaudio build tag
func (s *System) Capture() duplex.CaptureSource {
	return nil
}

// OpenPlayer always fails without the portaudio build tag
func (s *System) OpenPlayer() (duplex.Player, error) {
	return nil, ErrDeviceUnavailable
}
