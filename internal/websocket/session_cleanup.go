package websocket

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// IdleSession is a connected voice client that can be reaped
type IdleSession interface {
	Group() string
	LastActivity() time.Time
	Disconnect(reason string)
}

// SessionCleanupService disconnects voice clients that stopped sending audio
type SessionCleanupService struct {
	sessions    func() []IdleSession
	interval    time.Duration
	idleTimeout time.Duration
	clock       clock.Clock
	logger      *zap.Logger
	stopChan    chan struct{}
	doneChan    chan struct{}
}

// CleanupConfig tunes the idle reaper
type CleanupConfig struct {
	Interval    time.Duration
	IdleTimeout time.Duration
}

// NewSessionCleanupService creates a new session cleanup service over the hub's clients
func NewSessionCleanupService(hub *Hub, config CleanupConfig, clk clock.Clock, logger *zap.Logger) *SessionCleanupService {
	return newCleanupService(func() []IdleSession {
		clients := hub.Clients()
		sessions := make([]IdleSession, 0, len(clients))
		for _, c := range clients {
			sessions = append(sessions, c)
		}
		return sessions
	}, config, clk, logger)
}

func newCleanupService(sessions func() []IdleSession, config CleanupConfig, clk clock.Clock, logger *zap.Logger) *SessionCleanupService {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 10 * time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}
	return &SessionCleanupService{
		sessions:    sessions,
		interval:    config.Interval,
		idleTimeout: config.IdleTimeout,
		clock:       clk,
		logger:      logger,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *SessionCleanupService) Start() {
	ticker := s.clock.Ticker(s.interval)
	go s.cleanupLoop(ticker)
	s.logger.Info("Session cleanup service started",
		zap.Duration("interval", s.interval),
		zap.Duration("idleTimeout", s.idleTimeout))
}

// Stop gracefully stops the cleanup service
func (s *SessionCleanupService) Stop() {
	close(s.stopChan)
	<-s.doneChan
	s.logger.Info("Session cleanup service stopped")
}

// cleanupLoop runs the cleanup process periodically
func (s *SessionCleanupService) cleanupLoop(ticker *clock.Ticker) {
	defer close(s.doneChan)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runCleanup(context.Background())
		}
	}
}

// runCleanup disconnects every session idle for longer than the timeout and returns how many
func (s *SessionCleanupService) runCleanup(ctx context.Context) int {
	now := s.clock.Now()
	reaped := 0
	for _, session := range s.sessions() {
		if ctx.Err() != nil {
			break
		}
		idle := now.Sub(session.LastActivity())
		if idle <= s.idleTimeout {
			continue
		}
		s.logger.Info("Disconnecting idle session",
			zap.String("group", session.Group()),
			zap.Duration("idle", idle))
		session.Disconnect("idle timeout")
		reaped++
	}
	if reaped > 0 {
		s.logger.Info("Session cleanup completed", zap.Int("reaped", reaped))
	}
	return reaped
}
