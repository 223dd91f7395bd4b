package duplex

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satriahrh/duplexvoice/adapters/llm"
	"github.com/satriahrh/duplexvoice/domain/entities"
	"github.com/satriahrh/duplexvoice/domain/repositories"
	"github.com/satriahrh/duplexvoice/internal/metrics"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type driverHarness struct {
	driver  *Driver
	live    *llm.MockLive
	store   *fakeStore
	clock   *clock.Mock
	events  *eventRecorder
	metrics *metrics.Metrics
	errCh   chan error
}

func newHarness(t *testing.T, cfg Config) *driverHarness {
	t.Helper()
	h := &driverHarness{
		live:    llm.NewMockLive(),
		store:   newFakeStore(),
		clock:   clock.NewMock(),
		events:  &eventRecorder{},
		metrics: metrics.NewMetrics(prometheus.NewRegistry()),
		errCh:   make(chan error, 1),
	}
	h.live.SessionCreated = make(chan *llm.MockLiveSession, 1)

	driver, err := NewDriver(cfg, Deps{
		Store:       h.store,
		Model:       h.live,
		Broadcaster: h.events,
		Group:       "voice_test",
		Clock:       h.clock,
		Logger:      zap.NewNop(),
		Metrics:     h.metrics,
	})
	require.NoError(t, err)
	h.driver = driver
	return h
}

func (h *driverHarness) start(t *testing.T) *llm.MockLiveSession {
	t.Helper()
	go func() { h.errCh <- h.driver.Run(context.Background()) }()
	t.Cleanup(h.driver.Stop)

	select {
	case session := <-h.live.SessionCreated:
		require.Eventually(t, func() bool { return h.driver.State() == StateActive }, waitFor, tick)
		return session
	case err := <-h.errCh:
		t.Fatalf("run returned before connecting: %v", err)
	case <-time.After(waitFor):
		t.Fatal("session never connected")
	}
	return nil
}

func (h *driverHarness) runErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(waitFor):
		t.Fatal("run did not return")
		return nil
	}
}

// advanceUntil moves the mock clock forward in small steps until cond holds
func (h *driverHarness) advanceUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.clock.Add(time.Millisecond)
		return cond()
	}, waitFor, tick)
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.Greeting = ""
	cfg.SendBackoff = time.Millisecond
	cfg.ReceiveBackoff = time.Millisecond
	return cfg
}

func TestNewDriver_RequiresCollaborators(t *testing.T) {
	_, err := NewDriver(DefaultConfig(), Deps{Model: llm.NewMockLive()})
	assert.Error(t, err)

	_, err = NewDriver(DefaultConfig(), Deps{Store: newFakeStore()})
	assert.Error(t, err)
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{UserSilence: 700 * time.Millisecond}.withDefaults()

	assert.Equal(t, 700*time.Millisecond, cfg.UserSilence)
	assert.Equal(t, 250*time.Millisecond, cfg.AssistantSilence)
	assert.Equal(t, 10, cfg.OutboundQueueSize)
	assert.Equal(t, "Puck", cfg.Voice)
	assert.Empty(t, cfg.Greeting)
}

func TestDriver_EndToEnd(t *testing.T) {
	h := newHarness(t, quietConfig())
	ctx := context.Background()

	for i := byte(1); i <= 3; i++ {
		require.NoError(t, h.driver.PushClientAudio(ctx, []byte{i, i}, "audio/pcm;rate=16000"))
	}

	session := h.start(t)
	assert.Equal(t, "conv-1", h.driver.ConversationID())

	require.Eventually(t, func() bool { return len(session.Frames()) == 3 }, waitFor, tick)
	for i, frame := range session.Frames() {
		assert.Equal(t, []byte{byte(i + 1), byte(i + 1)}, frame.Data)
		assert.Equal(t, "audio/pcm;rate=16000", frame.MIMEType)
	}

	session.Inject(repositories.InputTranscript{Text: "h e l l o"})
	session.Inject(repositories.InputTranscript{Text: "hello there"})
	require.Eventually(t, func() bool {
		return h.driver.Transcript(entities.MessageRoleUser) == "hello there"
	}, waitFor, tick)

	h.clock.Add(time.Second)
	require.Eventually(t, func() bool {
		return len(h.store.SavedFor(entities.MessageRoleUser)) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"hello there"}, h.store.SavedFor(entities.MessageRoleUser))

	h.driver.Stop()
	require.NoError(t, h.runErr(t))
	assert.Equal(t, StateClosed, h.driver.State())
	assert.True(t, session.Closed())
	assert.Equal(t, []string{"hello there"}, h.store.SavedFor(entities.MessageRoleUser))

	transcripts := h.events.OfKind(EventTranscript)
	require.Len(t, transcripts, 2)
	assert.Equal(t, "hello", transcripts[0].Text)
	assert.Equal(t, "hello there", transcripts[1].Text)
	assert.Equal(t, []bool{true, false}, h.events.Statuses(entities.MessageRoleUser))

	assert.Equal(t, float64(3), testutil.ToFloat64(h.metrics.FramesSent))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SessionsStarted))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.ActiveSessions))
}

func TestDriver_BackPressure(t *testing.T) {
	cfg := quietConfig()
	cfg.OutboundQueueSize = 2
	h := newHarness(t, cfg)
	ctx := context.Background()

	require.NoError(t, h.driver.PushClientAudio(ctx, []byte{1}, ""))
	require.NoError(t, h.driver.PushClientAudio(ctx, []byte{2}, ""))

	pushed := make(chan error, 1)
	go func() { pushed <- h.driver.PushClientAudio(ctx, []byte{3}, "") }()

	select {
	case err := <-pushed:
		t.Fatalf("push over capacity returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	session := h.start(t)

	select {
	case err := <-pushed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("blocked push never resumed")
	}

	require.Eventually(t, func() bool { return len(session.Frames()) == 3 }, waitFor, tick)
	var got []byte
	for _, frame := range session.Frames() {
		got = append(got, frame.Data...)
		assert.Equal(t, "audio/pcm;rate=16000", frame.MIMEType)
	}
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestDriver_StopDrainsBothRoles(t *testing.T) {
	h := newHarness(t, quietConfig())
	session := h.start(t)

	session.Inject(
		repositories.InputTranscript{Text: "what is the weather"},
		repositories.OutputTranscript{Text: "it is sunny"},
	)
	require.Eventually(t, func() bool {
		return h.driver.Transcript(entities.MessageRoleAssistant) == "it is sunny"
	}, waitFor, tick)

	h.driver.Stop()

	assert.Equal(t, []savedMessage{
		{ConversationID: "conv-1", Role: entities.MessageRoleUser, Content: "what is the weather"},
		{ConversationID: "conv-1", Role: entities.MessageRoleAssistant, Content: "it is sunny"},
	}, h.store.Saved())
	assert.Equal(t, StateClosed, h.driver.State())
	require.NoError(t, h.runErr(t))

	assert.ErrorIs(t, h.driver.PushClientAudio(context.Background(), []byte{1}, ""), ErrStopped)
}

func TestDriver_RelaysAssistantAudio(t *testing.T) {
	h := newHarness(t, quietConfig())
	session := h.start(t)

	chunk := bytes.Repeat([]byte{7}, 4800)
	session.Inject(repositories.AudioChunk{Data: chunk, MIMEType: "audio/pcm;rate=24000"})

	require.Eventually(t, func() bool { return len(h.events.OfKind(EventAudio)) == 1 }, waitFor, tick)
	audio := h.events.OfKind(EventAudio)[0]
	assert.Equal(t, "audio/pcm;rate=24000", audio.MIME)
	assert.Equal(t, 24000, audio.Rate)
	assert.Equal(t, chunk, decodeAudio(t, audio))

	assert.Equal(t, []bool{true}, h.events.Statuses(entities.MessageRoleAssistant))
	events := h.events.Events()
	assert.Equal(t, EventStatus, events[0].Kind)
}

func TestDriver_SendsGreetingAndHistory(t *testing.T) {
	cfg := quietConfig()
	cfg.Greeting = DefaultGreeting
	cfg.SystemPrompt = "You are a tutor."
	h := newHarness(t, cfg)
	h.store.history = "Previous conversation:\nUser: hi\nAssistant: hello"

	session := h.start(t)

	assert.Eventually(t, func() bool { return len(session.Texts()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{DefaultGreeting}, session.Texts())

	setups := h.live.Setups()
	require.Len(t, setups, 1)
	assert.Equal(t, "Puck", setups[0].Voice)
	assert.Equal(t, "You are a tutor.\n\nPrevious conversation:\nUser: hi\nAssistant: hello\n\nNow continue the conversation naturally.", setups[0].SystemInstruction)
}

func TestDriver_HistoryErrorFallsBack(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.store.historyErr = errors.New("timeout")

	h.start(t)

	setups := h.live.Setups()
	require.Len(t, setups, 1)
	assert.Contains(t, setups[0].SystemInstruction, entities.NoPriorConversation)
}

func TestDriver_ConnectFailure(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.live.ConnectErr = errors.New("dial tcp: connection refused")

	err := h.driver.Run(context.Background())
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, StateClosed, h.driver.State())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SessionsFailed))
	assert.ErrorIs(t, h.driver.PushClientAudio(context.Background(), []byte{1}, ""), ErrStopped)

	h.driver.Stop()
}

func TestDriver_ConversationLookupFailure(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.store.latestErr = errors.New("no database")

	err := h.driver.Run(context.Background())
	assert.ErrorContains(t, err, "no database")
	assert.Empty(t, h.live.Setups())
}

func TestDriver_ReceiveFailuresEndSession(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxReceiveFailures = 3
	h := newHarness(t, cfg)
	session := h.start(t)

	session.Inject(repositories.InputTranscript{Text: "unsaved words"})
	require.Eventually(t, func() bool {
		return h.driver.Transcript(entities.MessageRoleUser) == "unsaved words"
	}, waitFor, tick)

	// failures separated by a success do not accumulate
	receiveErrors := func(n float64) func() bool {
		return func() bool { return testutil.ToFloat64(h.metrics.ReceiveErrors) == n }
	}
	session.InjectError(errors.New("blip"))
	session.InjectError(errors.New("blip"))
	session.Inject(repositories.OtherEvent{Kind: "turn_complete"})
	session.InjectError(errors.New("blip"))
	session.InjectError(errors.New("blip"))
	h.advanceUntil(t, receiveErrors(4))
	assert.Equal(t, StateActive, h.driver.State())

	session.InjectError(errors.New("blip"))
	h.advanceUntil(t, func() bool { return h.driver.State() == StateClosed })
	err := h.runErr(t)
	assert.ErrorContains(t, err, "receive failed 3 times")
	assert.Equal(t, StateClosed, h.driver.State())
	assert.Equal(t, []string{"unsaved words"}, h.store.SavedFor(entities.MessageRoleUser))
}

func TestDriver_RemoteCloseEndsSession(t *testing.T) {
	h := newHarness(t, quietConfig())
	session := h.start(t)

	require.NoError(t, session.Close())

	err := h.runErr(t)
	assert.ErrorIs(t, err, repositories.ErrSessionClosed)
	assert.Equal(t, StateClosed, h.driver.State())
}

func TestDriver_SendErrorsAreNotFatal(t *testing.T) {
	h := newHarness(t, quietConfig())
	session := h.start(t)
	ctx := context.Background()

	session.FailSends(errors.New("broken pipe"))
	require.NoError(t, h.driver.PushClientAudio(ctx, []byte{1}, ""))
	require.Eventually(t, func() bool { return testutil.ToFloat64(h.metrics.SendErrors) == 1 }, waitFor, tick)
	assert.Equal(t, StateActive, h.driver.State())

	session.FailSends(nil)
	require.NoError(t, h.driver.PushClientAudio(ctx, []byte{2}, ""))
	h.advanceUntil(t, func() bool { return len(session.Frames()) == 1 })
	assert.Equal(t, []byte{2}, session.Frames()[0].Data)
}

func TestDriver_SendBackoffFollowsClock(t *testing.T) {
	cfg := quietConfig()
	cfg.SendBackoff = time.Minute
	h := newHarness(t, cfg)
	session := h.start(t)
	ctx := context.Background()

	session.FailSends(errors.New("broken pipe"))
	require.NoError(t, h.driver.PushClientAudio(ctx, []byte{1}, ""))
	require.Eventually(t, func() bool { return testutil.ToFloat64(h.metrics.SendErrors) == 1 }, waitFor, tick)

	session.FailSends(nil)
	require.NoError(t, h.driver.PushClientAudio(ctx, []byte{2}, ""))
	assert.Never(t, func() bool { return len(session.Frames()) > 0 }, 50*time.Millisecond, tick)

	h.clock.Add(time.Minute)
	require.Eventually(t, func() bool { return len(session.Frames()) == 1 }, waitFor, tick)
	assert.Equal(t, []byte{2}, session.Frames()[0].Data)
}

func TestDriver_PushValidation(t *testing.T) {
	h := newHarness(t, quietConfig())
	ctx := context.Background()

	assert.NoError(t, h.driver.PushClientAudio(ctx, nil, "audio/pcm;rate=16000"))
	assert.ErrorIs(t, h.driver.PushClientAudio(ctx, []byte{1}, "audio/webm"), ErrUnsupportedFormat)
	assert.Empty(t, h.events.Events())
}

func TestDriver_RunGuards(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.driver.Stop()
	assert.ErrorIs(t, h.driver.Run(context.Background()), ErrStopped)
	assert.ErrorIs(t, h.driver.Run(context.Background()), ErrAlreadyRunning)
}

func TestDriver_CaptureSourceFeedsSender(t *testing.T) {
	live := llm.NewMockLive()
	live.SessionCreated = make(chan *llm.MockLiveSession, 1)

	capture := CaptureFunc(func(ctx context.Context, frames chan<- repositories.AudioFrame) error {
		for i := byte(1); i <= 2; i++ {
			select {
			case frames <- repositories.AudioFrame{Data: []byte{i}, MIMEType: PCMMIMEType(16000)}:
			case <-ctx.Done():
				return nil
			}
		}
		<-ctx.Done()
		return nil
	})

	driver, err := NewDriver(quietConfig(), Deps{
		Store:   newFakeStore(),
		Model:   live,
		Capture: capture,
		Clock:   clock.NewMock(),
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)

	go func() { _ = driver.Run(context.Background()) }()
	defer driver.Stop()

	session := <-live.SessionCreated
	require.Eventually(t, func() bool { return len(session.Frames()) == 2 }, waitFor, tick)
	assert.True(t, driver.LastUserActivity().IsZero())
}
