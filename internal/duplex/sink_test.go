package duplex

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satriahrh/duplexvoice/internal/metrics"
)

func decodeAudio(t *testing.T, event Event) []byte {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(event.Data)
	require.NoError(t, err)
	return data
}

func TestRelaySink_Coalesces(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	rec := &eventRecorder{}
	sink := NewRelaySink(RelayConfig{MinBytes: 4800, MaxDelay: 200 * time.Millisecond, SampleRate: 24000},
		rec.Emit, mock, metrics.NewMetrics(prometheus.NewRegistry()))

	// nothing emitted yet, so the first chunk goes out immediately
	require.NoError(t, sink.Write(ctx, []byte{1, 2}))
	require.Len(t, rec.Events(), 1)

	require.NoError(t, sink.Write(ctx, bytes.Repeat([]byte{3}, 100)))
	assert.Len(t, rec.Events(), 1)

	require.NoError(t, sink.Write(ctx, bytes.Repeat([]byte{4}, 4700)))
	events := rec.Events()
	require.Len(t, events, 2)
	assert.Len(t, decodeAudio(t, events[1]), 4800)
	assert.Equal(t, "audio/pcm;rate=24000", events[1].MIME)
	assert.Equal(t, 24000, events[1].Rate)
	assert.Equal(t, EventAudio, events[1].Kind)

	// a small chunk after the delay window flushes on write
	require.NoError(t, sink.Write(ctx, []byte{5}))
	assert.Len(t, rec.Events(), 2)
	mock.Add(300 * time.Millisecond)
	require.NoError(t, sink.Write(ctx, []byte{6}))
	events = rec.Events()
	require.Len(t, events, 3)
	assert.Equal(t, []byte{5, 6}, decodeAudio(t, events[2]))

	require.NoError(t, sink.Write(ctx, []byte{7}))
	require.NoError(t, sink.Close(ctx))
	events = rec.Events()
	require.Len(t, events, 4)
	assert.Equal(t, []byte{7}, decodeAudio(t, events[3]))

	require.NoError(t, sink.Close(ctx))
	assert.Len(t, rec.Events(), 4)
}

func TestRelaySink_RunFlushesStaleBuffer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := clock.NewMock()
	rec := &eventRecorder{}
	sink := NewRelaySink(RelayConfig{}, rec.Emit, mock, metrics.NewMetrics(prometheus.NewRegistry()))

	require.NoError(t, sink.Write(ctx, []byte{1}))
	require.NoError(t, sink.Write(ctx, []byte{2}))
	require.Len(t, rec.Events(), 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sink.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		mock.Add(50 * time.Millisecond)
		return len(rec.Events()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{2}, decodeAudio(t, rec.Events()[1]))

	cancel()
	<-done
}

type fakePlayer struct {
	mu     sync.Mutex
	chunks [][]byte
	gate   chan struct{}
	closed bool
}

func (p *fakePlayer) Write(pcm []byte) error {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = append(p.chunks, pcm)
	return nil
}

func (p *fakePlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePlayer) Chunks() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.chunks...)
}

func TestPlaybackSink_PlaysInOrderAndDrains(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	player := &fakePlayer{gate: make(chan struct{})}
	opens := 0
	sink := NewPlaybackSink(func() (Player, error) {
		opens++
		return player, nil
	}, nil, zap.NewNop())

	assert.True(t, sink.Drained())

	require.NoError(t, sink.Write(ctx, []byte{1}))
	require.NoError(t, sink.Write(ctx, []byte{2}))
	assert.False(t, sink.Drained())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sink.Run(ctx)
	}()

	player.gate <- struct{}{}
	assert.False(t, sink.Drained())
	player.gate <- struct{}{}

	assert.Eventually(t, sink.Drained, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]byte{{1}, {2}}, player.Chunks())

	cancel()
	<-done

	require.NoError(t, sink.Close(context.Background()))
	assert.True(t, player.closed)
	assert.Equal(t, 1, opens)
}

func TestPlaybackSink_RetriesOpen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	player := &fakePlayer{}
	mock := clock.NewMock()
	var mu sync.Mutex
	attempts := 0
	sink := NewPlaybackSink(func() (Player, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return nil, errors.New("device busy")
		}
		return player, nil
	}, mock, zap.NewNop())

	require.NoError(t, sink.Write(ctx, []byte{9}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sink.Run(ctx)
	}()

	// the retry waits on the injected clock, not wall time
	assert.Never(t, func() bool { return len(player.Chunks()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		mock.Add(sink.retry)
		return len(player.Chunks()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

type flushingPlayer struct {
	fakePlayer
	flushes []int
}

func (p *flushingPlayer) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes = append(p.flushes, len(p.chunks))
	return nil
}

func (p *flushingPlayer) Flushes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.flushes...)
}

func TestPlaybackSink_FlushesWhenQueueRunsDry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	player := &flushingPlayer{}
	sink := NewPlaybackSink(func() (Player, error) { return player, nil }, clock.NewMock(), zap.NewNop())

	require.NoError(t, sink.Write(ctx, []byte{1}))
	require.NoError(t, sink.Write(ctx, []byte{2}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sink.Run(ctx)
	}()

	// one flush after both queued chunks played, none in between
	assert.Eventually(t, func() bool { return len(player.Flushes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{2}, player.Flushes())

	require.NoError(t, sink.Write(ctx, []byte{3}))
	assert.Eventually(t, func() bool { return len(player.Flushes()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{2, 3}, player.Flushes())

	cancel()
	<-done
}
