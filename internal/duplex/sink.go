package duplex

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/satriahrh/duplexvoice/internal/metrics"
)

// AudioSink receives decoded PCM produced by the live session
type AudioSink interface {
	// Write hands over one complete chunk. It must not block on playback.
	Write(ctx context.Context, chunk []byte) error
	// Run performs background work (timed flushes, device playback) until ctx is done
	Run(ctx context.Context) error
	// Close flushes what is pending and releases resources
	Close(ctx context.Context) error
}

// RelayConfig controls chunk coalescing for the relay sink
type RelayConfig struct {
	// MinBytes flushes as soon as this many bytes are buffered
	MinBytes int
	// MaxDelay flushes buffered bytes once this long has passed since the previous flush
	MaxDelay   time.Duration
	SampleRate int
}

// RelaySink coalesces model audio into fewer, larger events for a remote client
type RelaySink struct {
	cfg     RelayConfig
	emit    func(Event)
	clock   clock.Clock
	metrics *metrics.Metrics

	mu       sync.Mutex
	buf      []byte
	lastEmit time.Time
}

// NewRelaySink creates a relay sink publishing through emit
func NewRelaySink(cfg RelayConfig, emit func(Event), clk clock.Clock, m *metrics.Metrics) *RelaySink {
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 4800
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 200 * time.Millisecond
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	return &RelaySink{
		cfg:     cfg,
		emit:    emit,
		clock:   clk,
		metrics: m,
	}
}

// Write implements AudioSink
func (s *RelaySink) Write(_ context.Context, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, chunk...)
	if len(s.buf) >= s.cfg.MinBytes || s.clock.Since(s.lastEmit) > s.cfg.MaxDelay {
		s.flushLocked()
	}
	return nil
}

// Run implements AudioSink. It flushes a partially filled buffer once MaxDelay elapses.
func (s *RelaySink) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.cfg.MaxDelay / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.mu.Lock()
			if len(s.buf) > 0 && s.clock.Since(s.lastEmit) >= s.cfg.MaxDelay {
				s.flushLocked()
			}
			s.mu.Unlock()
		}
	}
}

// Close implements AudioSink
func (s *RelaySink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) > 0 {
		s.flushLocked()
	}
	return nil
}

func (s *RelaySink) flushLocked() {
	data := base64.StdEncoding.EncodeToString(s.buf)
	s.buf = nil
	s.lastEmit = s.clock.Now()
	s.emit(AudioEvent(PCMMIMEType(s.cfg.SampleRate), data, s.cfg.SampleRate))
	s.metrics.AudioEventsSent.Inc()
}

// Player writes PCM to an output device. Write blocks for roughly the
// duration of the audio it was given.
type Player interface {
	Write(pcm []byte) error
	Close() error
}

// Flusher is implemented by players that buffer partial device frames.
// Flush plays whatever is buffered; the sink calls it when its queue runs dry.
type Flusher interface {
	Flush() error
}

// PlayerOpener opens the output device on first use
type PlayerOpener func() (Player, error)

// PlaybackSink plays model audio on a local device. Its queue is unbounded;
// device playback is the natural rate limiter.
type PlaybackSink struct {
	open   PlayerOpener
	retry  time.Duration
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	queue   [][]byte
	playing bool
	player  Player
	notify  chan struct{}
}

// NewPlaybackSink creates a sink that opens its player lazily. A nil clk uses the wall clock.
func NewPlaybackSink(open PlayerOpener, clk clock.Clock, logger *zap.Logger) *PlaybackSink {
	if clk == nil {
		clk = clock.New()
	}
	return &PlaybackSink{
		open:   open,
		retry:  100 * time.Millisecond,
		clock:  clk,
		logger: logger,
		notify: make(chan struct{}, 1),
	}
}

// Write implements AudioSink
func (s *PlaybackSink) Write(_ context.Context, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	s.mu.Lock()
	s.queue = append(s.queue, chunk)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Drained reports whether nothing is queued or playing
func (s *PlaybackSink) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0 && !s.playing
}

// Run implements AudioSink. Playback and device errors are logged and retried.
func (s *PlaybackSink) Run(ctx context.Context) error {
	unflushed := false
	for {
		player, err := s.ensurePlayer()
		if err != nil {
			s.logger.Warn("Failed to open playback device", zap.Error(err))
			if !sleepContext(ctx, s.clock, s.retry) {
				return nil
			}
			continue
		}

		chunk, ok := s.next()
		if !ok {
			if flusher, ok := player.(Flusher); ok && unflushed {
				unflushed = false
				if err := flusher.Flush(); err != nil {
					s.logger.Warn("Failed to flush playback", zap.Error(err))
				}
			}
			select {
			case <-ctx.Done():
				return nil
			case <-s.notify:
				continue
			}
		}

		err = player.Write(chunk)
		unflushed = true
		s.mu.Lock()
		s.playing = false
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn("Playback error", zap.Error(err))
			if !sleepContext(ctx, s.clock, s.retry) {
				return nil
			}
		}
	}
}

// Close implements AudioSink
func (s *PlaybackSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	if s.player == nil {
		return nil
	}
	err := s.player.Close()
	s.player = nil
	return err
}

func (s *PlaybackSink) ensurePlayer() (Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player != nil {
		return s.player, nil
	}
	player, err := s.open()
	if err != nil {
		return nil, err
	}
	s.player = player
	s.logger.Info("Playback active")
	return player, nil
}

func (s *PlaybackSink) next() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	chunk := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.playing = true
	return chunk, true
}

// sleepContext waits for d on clk and reports false when ctx ended first
func sleepContext(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	timer := clk.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
