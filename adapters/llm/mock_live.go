package llm

import (
	"context"
	"sync"

	"github.com/satriahrh/duplexvoice/domain/repositories"
)

// MockLive is an in-process LiveModel for tests and offline runs
type MockLive struct {
	mu       sync.Mutex
	sessions []*MockLiveSession
	setups   []repositories.LiveSetup

	// ConnectErr, when set, fails every Connect call
	ConnectErr error
	// OnText, when set, is called for every text turn a session receives
	OnText func(session *MockLiveSession, text string)
	// SessionCreated, when set, receives each session as soon as it opens
	SessionCreated chan *MockLiveSession
}

// NewMockLive creates a new mock live model
func NewMockLive() *MockLive {
	return &MockLive{}
}

// Connect implements repositories.LiveModel
func (m *MockLive) Connect(ctx context.Context, setup repositories.LiveSetup) (repositories.LiveSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.ConnectErr != nil {
		err := m.ConnectErr
		m.mu.Unlock()
		return nil, err
	}
	session := &MockLiveSession{
		onText:   m.OnText,
		incoming: make(chan mockReceive, 64),
		closed:   make(chan struct{}),
	}
	m.sessions = append(m.sessions, session)
	m.setups = append(m.setups, setup)
	created := m.SessionCreated
	m.mu.Unlock()

	if created != nil {
		select {
		case created <- session:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return session, nil
}

// Sessions returns every session opened so far
func (m *MockLive) Sessions() []*MockLiveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockLiveSession(nil), m.sessions...)
}

// Setups returns the setup of every Connect call
func (m *MockLive) Setups() []repositories.LiveSetup {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]repositories.LiveSetup(nil), m.setups...)
}

type mockReceive struct {
	events []repositories.ServerEvent
	err    error
}

// MockLiveSession records what was sent and replays injected server messages
type MockLiveSession struct {
	mu      sync.Mutex
	frames  []repositories.AudioFrame
	texts   []string
	sendErr error
	onText  func(session *MockLiveSession, text string)

	incoming  chan mockReceive
	closed    chan struct{}
	closeOnce sync.Once
}

// Inject queues one server message made of events
func (s *MockLiveSession) Inject(events ...repositories.ServerEvent) {
	s.incoming <- mockReceive{events: events}
}

// InjectError makes the next Receive fail with err
func (s *MockLiveSession) InjectError(err error) {
	s.incoming <- mockReceive{err: err}
}

// FailSends makes every following SendAudio and SendText return err. Nil restores success.
func (s *MockLiveSession) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// SendAudio implements repositories.LiveSession
func (s *MockLiveSession) SendAudio(frame repositories.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return repositories.ErrSessionClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, frame)
	return nil
}

// SendText implements repositories.LiveSession
func (s *MockLiveSession) SendText(text string) error {
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		return repositories.ErrSessionClosed
	}
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return err
	}
	s.texts = append(s.texts, text)
	onText := s.onText
	s.mu.Unlock()

	if onText != nil {
		onText(s, text)
	}
	return nil
}

// Receive implements repositories.LiveSession
func (s *MockLiveSession) Receive(ctx context.Context) ([]repositories.ServerEvent, error) {
	select {
	case r := <-s.incoming:
		return r.events, r.err
	case <-s.closed:
		return nil, repositories.ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements repositories.LiveSession
func (s *MockLiveSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close was called
func (s *MockLiveSession) Closed() bool {
	return s.isClosed()
}

func (s *MockLiveSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Frames returns the audio frames sent so far
func (s *MockLiveSession) Frames() []repositories.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]repositories.AudioFrame(nil), s.frames...)
}

// Texts returns the text turns sent so far
func (s *MockLiveSession) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}
