package duplex

import (
	"context"
	"sync"

	"github.com/satriahrh/duplexvoice/domain/entities"
)

type savedMessage struct {
	ConversationID string
	Role           entities.MessageRole
	Content        string
}

type fakeStore struct {
	mu         sync.Mutex
	id         string
	history    string
	latestErr  error
	historyErr error
	saveErr    error
	saved      []savedMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{id: "conv-1", history: entities.NoPriorConversation}
}

func (s *fakeStore) LatestConversationID(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.latestErr
}

func (s *fakeStore) RecentHistory(context.Context, string, int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history, s.historyErr
}

func (s *fakeStore) SaveMessage(_ context.Context, id string, role entities.MessageRole, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, savedMessage{ConversationID: id, Role: role, Content: content})
	return nil
}

func (s *fakeStore) Saved() []savedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]savedMessage(nil), s.saved...)
}

func (s *fakeStore) SavedFor(role entities.MessageRole) []string {
	var out []string
	for _, m := range s.Saved() {
		if m.Role == role {
			out = append(out, m.Content)
		}
	}
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Emit(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) Publish(_ context.Context, _ string, event Event) error {
	r.Emit(event)
	return nil
}

func (r *eventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) Statuses(role entities.MessageRole) []bool {
	var out []bool
	for _, e := range r.Events() {
		if e.Kind == EventStatus && e.Role == role {
			out = append(out, e.Speaking)
		}
	}
	return out
}

func (r *eventRecorder) OfKind(kind EventKind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
