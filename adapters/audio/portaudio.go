//go:build portaudio

package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/satriahrh/duplexvoice/domain/repositories"
	"github.com/satriahrh/duplexvoice/internal/duplex"
)

// System owns the PortAudio runtime
type System struct {
	logger *zap.Logger
}

// Open initializes PortAudio. Close must be called when done.
func Open(logger *zap.Logger) (*System, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &System{logger: logger}, nil
}

// Close terminates PortAudio
func (s *System) Close() error {
	return portaudio.Terminate()
}

// Capture returns a capture source reading the default input device
func (s *System) Capture() duplex.CaptureSource {
	return &DeviceCapture{
		logger:  s.logger,
		backoff: 100 * time.Millisecond,
	}
}

// OpenPlayer opens the default output device
func (s *System) OpenPlayer() (duplex.Player, error) {
	out := make([]int16, OutputFramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, Channels, float64(OutputSampleRate), len(out), out)
	if err != nil {
		return nil, fmt.Errorf("failed to open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to start output stream: %w", err)
	}
	return &DevicePlayer{stream: stream, frames: NewFrameWriter(out, stream.Write)}, nil
}

// DeviceCapture reads PCM16 frames from the default microphone
type DeviceCapture struct {
	logger  *zap.Logger
	backoff time.Duration
}

// Capture implements duplex.CaptureSource. Read errors are logged and retried.
func (c *DeviceCapture) Capture(ctx context.Context, frames chan<- repositories.AudioFrame) error {
	in := make([]int16, InputFramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(Channels, 0, float64(InputSampleRate), len(in), in)
	if err != nil {
		return fmt.Errorf("failed to open input stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start input stream: %w", err)
	}
	defer stream.Stop()

	c.logger.Info("Microphone active",
		zap.Int("sample_rate", InputSampleRate),
		zap.Int("frames_per_buffer", len(in)))

	mimeType := duplex.PCMMIMEType(InputSampleRate)
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := stream.Read(); err != nil {
			c.logger.Warn("Microphone read error", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}

		frame := repositories.AudioFrame{Data: Int16ToBytes(in), MIMEType: mimeType}
		select {
		case frames <- frame:
		case <-ctx.Done():
			return nil
		}
	}
}

// DevicePlayer writes PCM16 audio to the default speaker
type DevicePlayer struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	frames *FrameWriter
}

// Write implements duplex.Player. It blocks until every full buffer has been handed to the device.
func (p *DevicePlayer) Write(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return fmt.Errorf("output stream closed")
	}
	if err := p.frames.Write(pcm); err != nil {
		return fmt.Errorf("failed to write output stream: %w", err)
	}
	return nil
}

// Flush implements duplex.Flusher by playing the buffered tail
func (p *DevicePlayer) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return nil
	}
	if err := p.frames.Flush(); err != nil {
		return fmt.Errorf("failed to flush output stream: %w", err)
	}
	return nil
}

// Close implements duplex.Player
func (p *DevicePlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return nil
	}
	_ = p.frames.Flush()
	_ = p.stream.Stop()
	err := p.stream.Close()
	p.stream = nil
	return err
}
