package duplex

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/duplexvoice/domain/entities"
	"github.com/satriahrh/duplexvoice/internal/metrics"
	"github.com/satriahrh/duplexvoice/internal/transcript"
)

// CommitFunc persists one completed turn
type CommitFunc func(ctx context.Context, role entities.MessageRole, text string) error

// TurnPolicy holds the silence thresholds that end a turn
type TurnPolicy struct {
	UserSilence      time.Duration
	AssistantSilence time.Duration
	SaveTimeout      time.Duration
	// AssistantDrained, when set, reports whether local playback has nothing
	// left queued. The assistant turn then ends once playback drains.
	AssistantDrained func() bool
}

type roleState struct {
	speaking      bool
	lastActivity  time.Time
	buffer        string
	lastCommitted string
}

// TurnTracker keeps the rolling transcript and speaking state of both roles
// and decides when a turn is complete.
type TurnTracker struct {
	mu    sync.Mutex
	roles map[entities.MessageRole]*roleState

	// commitMu serialises commits so a heartbeat and a final flush never save the same text twice
	commitMu sync.Mutex

	policy  TurnPolicy
	commit  CommitFunc
	emit    func(Event)
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewTurnTracker creates a tracker for the user and assistant roles
func NewTurnTracker(policy TurnPolicy, commit CommitFunc, emit func(Event), logger *zap.Logger, m *metrics.Metrics) *TurnTracker {
	if emit == nil {
		emit = func(Event) {}
	}
	if policy.SaveTimeout == 0 {
		policy.SaveTimeout = 5 * time.Second
	}
	return &TurnTracker{
		roles: map[entities.MessageRole]*roleState{
			entities.MessageRoleUser:      {},
			entities.MessageRoleAssistant: {},
		},
		policy:  policy,
		commit:  commit,
		emit:    emit,
		logger:  logger,
		metrics: m,
	}
}

// Activity records audio or text activity for role at now.
// The first activity of a turn marks the role as speaking and emits a status event.
func (t *TurnTracker) Activity(role entities.MessageRole, now time.Time) {
	t.mu.Lock()
	st := t.roles[role]
	st.lastActivity = now
	started := !st.speaking
	st.speaking = true
	t.mu.Unlock()

	if started {
		t.emit(StatusEvent(role, true))
	}
}

// Update replaces the rolling transcript of role and counts as activity.
// It returns the normalized text that was stored, or "" when text was blank.
func (t *TurnTracker) Update(role entities.MessageRole, text string, now time.Time) string {
	text = transcript.Normalize(text)
	if text == "" {
		return ""
	}

	t.mu.Lock()
	t.roles[role].buffer = text
	t.mu.Unlock()

	t.Activity(role, now)
	return text
}

// Heartbeat ends every turn whose silence threshold has elapsed at now,
// emitting speaking:false and committing its transcript.
func (t *TurnTracker) Heartbeat(ctx context.Context, now time.Time) {
	var ended []entities.MessageRole

	t.mu.Lock()
	for _, role := range []entities.MessageRole{entities.MessageRoleUser, entities.MessageRoleAssistant} {
		st := t.roles[role]
		if st.speaking && t.turnEnded(role, st, now) {
			st.speaking = false
			ended = append(ended, role)
		}
	}
	t.mu.Unlock()

	for _, role := range ended {
		t.emit(StatusEvent(role, false))
		if _, err := t.Commit(ctx, role); err != nil {
			t.logger.Warn("Failed to commit turn",
				zap.String("role", string(role)),
				zap.Error(err))
		}
	}
}

// turnEnded must be called with mu held
func (t *TurnTracker) turnEnded(role entities.MessageRole, st *roleState, now time.Time) bool {
	silence := now.Sub(st.lastActivity)
	if role == entities.MessageRoleUser {
		return silence > t.policy.UserSilence
	}
	if t.policy.AssistantDrained != nil && !t.policy.AssistantDrained() {
		return false
	}
	return silence > t.policy.AssistantSilence
}

// Commit persists the rolling transcript of role when it is non-empty and
// differs from the last committed text. It reports whether a save happened.
// The buffer is only cleared after a successful save.
func (t *TurnTracker) Commit(ctx context.Context, role entities.MessageRole) (bool, error) {
	t.commitMu.Lock()
	defer t.commitMu.Unlock()

	t.mu.Lock()
	st := t.roles[role]
	text, last := st.buffer, st.lastCommitted
	t.mu.Unlock()

	if text == "" || text == last {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.policy.SaveTimeout)
	defer cancel()

	if err := t.commit(ctx, role, text); err != nil {
		t.metrics.CommitErrors.Inc()
		return false, err
	}

	t.mu.Lock()
	st.lastCommitted = text
	if st.buffer == text {
		st.buffer = ""
	}
	t.mu.Unlock()

	t.metrics.TurnsCommitted.WithLabelValues(string(role)).Inc()
	t.logger.Debug("Turn committed",
		zap.String("role", string(role)),
		zap.String("text", text))
	return true, nil
}

// Flush commits both roles regardless of timers
func (t *TurnTracker) Flush(ctx context.Context) {
	for _, role := range []entities.MessageRole{entities.MessageRoleUser, entities.MessageRoleAssistant} {
		if _, err := t.Commit(ctx, role); err != nil {
			t.logger.Warn("Failed to flush turn",
				zap.String("role", string(role)),
				zap.Error(err))
		}
	}
}

// Snapshot returns the rolling transcript and speaking state of role
func (t *TurnTracker) Snapshot(role entities.MessageRole) (text string, speaking bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.roles[role]
	return st.buffer, st.speaking
}

// LastActivity returns the last time role produced audio or text
func (t *TurnTracker) LastActivity(role entities.MessageRole) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.roles[role].lastActivity
}
