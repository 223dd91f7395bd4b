package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/duplexvoice/domain/repositories"
)

// liveConn is the subset of *genai.Session used by GeminiLiveSession
type liveConn interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendClientContent(input genai.LiveClientContentInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// GeminiLiveSession implements the LiveSession interface on top of a genai live session
type GeminiLiveSession struct {
	conn   liveConn
	logger *zap.Logger
	closed atomic.Bool
}

func newGeminiLiveSession(conn liveConn, logger *zap.Logger) *GeminiLiveSession {
	return &GeminiLiveSession{conn: conn, logger: logger}
}

// SendAudio streams one PCM frame as realtime input
func (s *GeminiLiveSession) SendAudio(frame repositories.AudioFrame) error {
	if s.closed.Load() {
		return repositories.ErrSessionClosed
	}
	return s.conn.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{
			MIMEType: frame.MIMEType,
			Data:     frame.Data,
		},
	})
}

// SendText sends a complete user text turn
func (s *GeminiLiveSession) SendText(text string) error {
	if s.closed.Load() {
		return repositories.ErrSessionClosed
	}
	return s.conn.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		TurnComplete: genai.Ptr(true),
	})
}

// Receive blocks for the next server message. The underlying read does not
// observe ctx; closing the session unblocks it.
func (s *GeminiLiveSession) Receive(ctx context.Context) ([]repositories.ServerEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg, err := s.conn.Receive()
	if err != nil {
		if s.closed.Load() || isClosedConnError(err) {
			return nil, fmt.Errorf("%w: %v", repositories.ErrSessionClosed, err)
		}
		return nil, err
	}
	return decodeServerMessage(msg), nil
}

// Close terminates the underlying connection. It is safe to call more than once.
func (s *GeminiLiveSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

func isClosedConnError(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) || errors.Is(err, net.ErrClosed)
}

// decodeServerMessage flattens a provider message into server events.
// Transcripts come first so turn state is current before audio is routed.
func decodeServerMessage(msg *genai.LiveServerMessage) []repositories.ServerEvent {
	if msg == nil {
		return nil
	}

	var events []repositories.ServerEvent

	if msg.SetupComplete != nil {
		events = append(events, repositories.OtherEvent{Kind: "setup_complete"})
	}
	if msg.GoAway != nil {
		events = append(events, repositories.OtherEvent{Kind: "go_away"})
	}
	if msg.ToolCall != nil {
		events = append(events, repositories.OtherEvent{Kind: "tool_call"})
	}

	content := msg.ServerContent
	if content == nil {
		return events
	}

	if content.InputTranscription != nil && content.InputTranscription.Text != "" {
		events = append(events, repositories.InputTranscript{Text: content.InputTranscription.Text})
	}
	if content.OutputTranscription != nil && content.OutputTranscription.Text != "" {
		events = append(events, repositories.OutputTranscript{Text: content.OutputTranscription.Text})
	}

	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") && part.InlineData.MIMEType != "" {
				continue
			}
			events = append(events, repositories.AudioChunk{
				Data:     decodeInlineAudio(part.InlineData.Data),
				MIMEType: part.InlineData.MIMEType,
			})
		}
	}

	if content.Interrupted {
		events = append(events, repositories.OtherEvent{Kind: "interrupted"})
	}
	if content.TurnComplete {
		events = append(events, repositories.OtherEvent{Kind: "turn_complete"})
	}
	return events
}

// minEncodedAudio is the shortest payload treated as base64 text. Short raw
// PCM can consist of alphabet bytes only; a longer run of them cannot in practice.
const minEncodedAudio = 64

// decodeInlineAudio handles payloads that arrive base64 encoded a second time.
// The decoded result must still be whole 16-bit samples.
func decodeInlineAudio(data []byte) []byte {
	if len(data) < minEncodedAudio || len(data)%4 != 0 || !isBase64Text(data) {
		return data
	}
	decoded, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil || len(decoded)%2 != 0 {
		return data
	}
	return decoded
}

func isBase64Text(data []byte) bool {
	for _, c := range data {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '+', c == '/', c == '=':
		default:
			return false
		}
	}
	return true
}
