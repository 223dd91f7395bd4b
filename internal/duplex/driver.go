package duplex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/duplexvoice/domain/entities"
	"github.com/satriahrh/duplexvoice/domain/repositories"
	"github.com/satriahrh/duplexvoice/internal/metrics"
)

var (
	// ErrStopped is returned once the driver has been asked to stop
	ErrStopped = errors.New("duplex session stopped")
	// ErrAlreadyRunning is returned when Run is called twice
	ErrAlreadyRunning = errors.New("duplex session already running")
)

// State is the lifecycle state of a Driver
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds the tunables of one duplex session
type Config struct {
	SystemPrompt string
	Voice        string
	// Greeting is sent as a text turn after connecting so the model speaks first. Empty disables it.
	Greeting     string
	HistoryLimit int

	SendRate int
	RecvRate int

	OutboundQueueSize int
	EventQueueSize    int

	UserSilence      time.Duration
	AssistantSilence time.Duration
	HeartbeatPeriod  time.Duration

	ConnectTimeout time.Duration
	SaveTimeout    time.Duration

	SendBackoff        time.Duration
	ReceiveBackoff     time.Duration
	MaxReceiveFailures int

	RelayMinBytes int
	RelayMaxDelay time.Duration
}

// DefaultConfig returns the settings used for browser relay sessions
func DefaultConfig() Config {
	return Config{
		SystemPrompt:       DefaultSystemPrompt,
		Voice:              "Puck",
		Greeting:           DefaultGreeting,
		HistoryLimit:       6,
		SendRate:           16000,
		RecvRate:           24000,
		OutboundQueueSize:  10,
		EventQueueSize:     256,
		UserSilence:        300 * time.Millisecond,
		AssistantSilence:   250 * time.Millisecond,
		HeartbeatPeriod:    200 * time.Millisecond,
		ConnectTimeout:     10 * time.Second,
		SaveTimeout:        5 * time.Second,
		SendBackoff:        40 * time.Millisecond,
		ReceiveBackoff:     80 * time.Millisecond,
		MaxReceiveFailures: 5,
		RelayMinBytes:      4800,
		RelayMaxDelay:      200 * time.Millisecond,
	}
}

// withDefaults fills zero values from DefaultConfig. Greeting is left as given.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SystemPrompt == "" {
		c.SystemPrompt = def.SystemPrompt
	}
	if c.Voice == "" {
		c.Voice = def.Voice
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	if c.SendRate <= 0 {
		c.SendRate = def.SendRate
	}
	if c.RecvRate <= 0 {
		c.RecvRate = def.RecvRate
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = def.OutboundQueueSize
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = def.EventQueueSize
	}
	if c.UserSilence <= 0 {
		c.UserSilence = def.UserSilence
	}
	if c.AssistantSilence <= 0 {
		c.AssistantSilence = def.AssistantSilence
	}
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = def.HeartbeatPeriod
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = def.SaveTimeout
	}
	if c.SendBackoff <= 0 {
		c.SendBackoff = def.SendBackoff
	}
	if c.ReceiveBackoff <= 0 {
		c.ReceiveBackoff = def.ReceiveBackoff
	}
	if c.MaxReceiveFailures <= 0 {
		c.MaxReceiveFailures = def.MaxReceiveFailures
	}
	if c.RelayMinBytes <= 0 {
		c.RelayMinBytes = def.RelayMinBytes
	}
	if c.RelayMaxDelay <= 0 {
		c.RelayMaxDelay = def.RelayMaxDelay
	}
	return c
}

// Store is the persistence side of the gateway
type Store interface {
	// LatestConversationID returns the most recent conversation, creating one when none exists
	LatestConversationID(ctx context.Context) (string, error)
	// RecentHistory renders the last limit messages, oldest first, as "Role: text" lines
	RecentHistory(ctx context.Context, conversationID string, limit int) (string, error)
	SaveMessage(ctx context.Context, conversationID string, role entities.MessageRole, content string) error
}

// Deps are the collaborators of a Driver. Store and Model are required.
type Deps struct {
	Store       Store
	Model       repositories.LiveModel
	Broadcaster Broadcaster
	Group       string
	// Capture, when set, feeds frames from a local device. Leave nil for pushed audio.
	Capture CaptureSource
	// Sink receives model audio. Nil relays audio through the Broadcaster.
	Sink    AudioSink
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Driver runs one duplex voice session: it streams outbound audio to the live
// model, routes model audio to the sink and commits turns to the store.
type Driver struct {
	cfg     Config
	store   Store
	model   repositories.LiveModel
	group   string
	capture CaptureSource
	sink    AudioSink
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	bus      *eventBus
	turns    *TurnTracker
	outbound chan repositories.AudioFrame

	state   atomic.Int32
	running atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	mu             sync.RWMutex
	conversationID string
}

// NewDriver creates an idle driver
func NewDriver(cfg Config, deps Deps) (*Driver, error) {
	if deps.Store == nil {
		return nil, errors.New("duplex: store is required")
	}
	if deps.Model == nil {
		return nil, errors.New("duplex: live model is required")
	}

	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}

	d := &Driver{
		cfg:      cfg,
		store:    deps.Store,
		model:    deps.Model,
		group:    deps.Group,
		capture:  deps.Capture,
		clock:    deps.Clock,
		logger:   deps.Logger.With(zap.String("group", deps.Group)),
		metrics:  deps.Metrics,
		outbound: make(chan repositories.AudioFrame, cfg.OutboundQueueSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.bus = newEventBus(cfg.EventQueueSize, deps.Broadcaster, deps.Group, d.logger, d.metrics)

	d.sink = deps.Sink
	if d.sink == nil {
		d.sink = NewRelaySink(RelayConfig{
			MinBytes:   cfg.RelayMinBytes,
			MaxDelay:   cfg.RelayMaxDelay,
			SampleRate: cfg.RecvRate,
		}, d.bus.Emit, d.clock, d.metrics)
	}

	policy := TurnPolicy{
		UserSilence:      cfg.UserSilence,
		AssistantSilence: cfg.AssistantSilence,
		SaveTimeout:      cfg.SaveTimeout,
	}
	if drainer, ok := d.sink.(interface{ Drained() bool }); ok {
		policy.AssistantDrained = drainer.Drained
	}
	d.turns = NewTurnTracker(policy, d.commit, d.bus.Emit, d.logger, d.metrics)

	return d, nil
}

// Run connects the live session and blocks until the session is stopped,
// ctx is cancelled or the stream fails for good. Every exit after a
// successful connect drains: tasks are awaited and pending turns committed.
func (d *Driver) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(d.done)

	select {
	case <-d.stopCh:
		d.setState(StateClosed)
		return ErrStopped
	default:
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	d.setState(StateConnecting)
	session, err := d.connect(runCtx)
	if err != nil {
		d.metrics.SessionsFailed.Inc()
		d.setState(StateClosed)
		d.signalStop()
		return err
	}

	started := d.clock.Now()
	d.setState(StateActive)
	d.metrics.SessionsStarted.Inc()
	d.metrics.ActiveSessions.Inc()
	d.logger.Info("Duplex session active", zap.String("conversation_id", d.ConversationID()))

	busCtx, busCancel := context.WithCancel(context.WithoutCancel(ctx))
	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		_ = d.bus.Run(busCtx)
	}()

	heartbeat := d.clock.Ticker(d.cfg.HeartbeatPeriod)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return d.sendLoop(gctx, session) })
	g.Go(func() error { return d.receiveLoop(gctx, session) })
	g.Go(func() error { return d.heartbeatLoop(gctx, heartbeat) })
	g.Go(func() error { return d.sink.Run(gctx) })
	if d.capture != nil {
		g.Go(func() error { return d.capture.Capture(gctx, d.outbound) })
	}

	if d.cfg.Greeting != "" {
		if err := session.SendText(d.cfg.Greeting); err != nil {
			d.logger.Warn("Failed to send greeting", zap.Error(err))
		}
	}

	<-gctx.Done()

	d.setState(StateDraining)
	d.signalStop()
	cancel()
	if err := session.Close(); err != nil {
		d.logger.Debug("Failed to close live session", zap.Error(err))
	}
	runErr := g.Wait()
	heartbeat.Stop()

	drainCtx := context.WithoutCancel(ctx)
	if err := d.sink.Close(drainCtx); err != nil {
		d.logger.Debug("Failed to close audio sink", zap.Error(err))
	}
	d.turns.Flush(drainCtx)

	busCancel()
	<-busDone

	d.metrics.ActiveSessions.Dec()
	d.metrics.SessionDuration.Observe(d.clock.Since(started).Seconds())
	d.setState(StateClosed)
	d.logger.Info("Duplex session closed", zap.String("conversation_id", d.ConversationID()))

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		d.metrics.SessionsFailed.Inc()
		return runErr
	}
	return nil
}

func (d *Driver) connect(ctx context.Context) (repositories.LiveSession, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	conversationID, err := d.store.LatestConversationID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}
	d.mu.Lock()
	d.conversationID = conversationID
	d.mu.Unlock()

	history, err := d.store.RecentHistory(ctx, conversationID, d.cfg.HistoryLimit)
	if err != nil {
		d.logger.Warn("Failed to load history", zap.Error(err))
		history = entities.NoPriorConversation
	}

	session, err := d.model.Connect(ctx, repositories.LiveSetup{
		SystemInstruction: BuildSystemInstruction(d.cfg.SystemPrompt, history),
		Voice:             d.cfg.Voice,
	})
	if err != nil {
		return nil, fmt.Errorf("connect live session: %w", err)
	}
	return session, nil
}

func (d *Driver) sendLoop(ctx context.Context, session repositories.LiveSession) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-d.outbound:
			d.metrics.OutboundQueueLen.Set(float64(len(d.outbound)))
			if err := session.SendAudio(frame); err != nil {
				d.metrics.SendErrors.Inc()
				d.logger.Warn("Failed to send audio frame", zap.Error(err))
				if !sleepContext(ctx, d.clock, d.cfg.SendBackoff) {
					return nil
				}
				continue
			}
			d.metrics.FramesSent.Inc()
		}
	}
}

func (d *Driver) receiveLoop(ctx context.Context, session repositories.LiveSession) error {
	failures := 0
	for {
		events, err := session.Receive(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, repositories.ErrSessionClosed) {
				return err
			}
			failures++
			d.metrics.ReceiveErrors.Inc()
			d.logger.Warn("Receive error", zap.Int("failures", failures), zap.Error(err))
			if failures >= d.cfg.MaxReceiveFailures {
				return fmt.Errorf("receive failed %d times: %w", failures, err)
			}
			if !sleepContext(ctx, d.clock, d.cfg.ReceiveBackoff) {
				return nil
			}
			continue
		}

		failures = 0
		for _, event := range events {
			d.handleServerEvent(ctx, event)
		}
	}
}

func (d *Driver) handleServerEvent(ctx context.Context, event repositories.ServerEvent) {
	now := d.clock.Now()

	switch ev := event.(type) {
	case repositories.InputTranscript:
		if text := d.turns.Update(entities.MessageRoleUser, ev.Text, now); text != "" {
			d.bus.Emit(TranscriptEvent(entities.MessageRoleUser, text))
		}
	case repositories.OutputTranscript:
		if text := d.turns.Update(entities.MessageRoleAssistant, ev.Text, now); text != "" {
			d.bus.Emit(TranscriptEvent(entities.MessageRoleAssistant, text))
		}
	case repositories.AudioChunk:
		if len(ev.Data) == 0 {
			return
		}
		d.metrics.AudioChunksRecv.Inc()
		d.turns.Activity(entities.MessageRoleAssistant, now)
		if err := d.sink.Write(ctx, ev.Data); err != nil {
			d.logger.Warn("Failed to write audio chunk", zap.Error(err))
		}
	case repositories.OtherEvent:
		d.logger.Debug("Ignoring server event", zap.String("kind", ev.Kind))
	}
}

func (d *Driver) heartbeatLoop(ctx context.Context, ticker *clock.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.turns.Heartbeat(ctx, d.clock.Now())
		}
	}
}

func (d *Driver) commit(ctx context.Context, role entities.MessageRole, text string) error {
	return d.store.SaveMessage(ctx, d.ConversationID(), role, text)
}

// PushClientAudio queues PCM received from a remote client. It blocks while
// the outbound queue is full and returns ErrStopped once the session drains.
// An empty mimeType means raw PCM at the configured send rate.
func (d *Driver) PushClientAudio(ctx context.Context, pcm []byte, mimeType string) error {
	if len(pcm) == 0 {
		return nil
	}
	if mimeType == "" {
		mimeType = PCMMIMEType(d.cfg.SendRate)
	}
	if _, err := ParsePCMRate(mimeType); err != nil {
		return err
	}

	select {
	case <-d.stopCh:
		return ErrStopped
	default:
	}

	d.turns.Activity(entities.MessageRoleUser, d.clock.Now())

	frame := repositories.AudioFrame{Data: pcm, MIMEType: mimeType}
	select {
	case d.outbound <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopCh:
		return ErrStopped
	}
}

// Stop asks the session to drain and waits until Run has returned.
// It is safe to call more than once and before Run.
func (d *Driver) Stop() {
	d.signalStop()
	if d.running.Load() {
		<-d.done
	}
}

func (d *Driver) signalStop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Driver) setState(s State) {
	d.state.Store(int32(s))
}

// State returns the current lifecycle state
func (d *Driver) State() State {
	return State(d.state.Load())
}

// Done is closed when Run returns
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

// ConversationID returns the conversation resolved during connect
func (d *Driver) ConversationID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conversationID
}

// Group returns the broadcast group of this session
func (d *Driver) Group() string {
	return d.group
}

// LastUserActivity returns when the user last produced audio or a transcript
func (d *Driver) LastUserActivity() time.Time {
	return d.turns.LastActivity(entities.MessageRoleUser)
}

// Transcript returns the uncommitted rolling transcript of role
func (d *Driver) Transcript(role entities.MessageRole) string {
	text, _ := d.turns.Snapshot(role)
	return text
}
