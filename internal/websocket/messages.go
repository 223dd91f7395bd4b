package websocket

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/satriahrh/duplexvoice/internal/duplex"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Supported message types
const (
	MessageTypeAudio  MessageType = "audio"
	MessageTypeStatus MessageType = "status"
	MessageTypePing   MessageType = "ping"
	MessageTypePong   MessageType = "pong"
	MessageTypeError  MessageType = "error"
)

// ClientMessage is a JSON message sent by the browser
type ClientMessage struct {
	Type MessageType `json:"type"`
	// Data is base64 encoded PCM16 mono audio
	Data string `json:"data,omitempty"`
	MIME string `json:"mime,omitempty"`
}

// TranscriptMessage carries a rolling transcript. It has no type field.
type TranscriptMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// StatusMessage reports that a role started or stopped speaking
type StatusMessage struct {
	Type     MessageType `json:"type"`
	Role     string      `json:"role"`
	Speaking bool        `json:"speaking"`
}

// AudioMessage carries base64 encoded PCM for playback in the browser
type AudioMessage struct {
	Type MessageType `json:"type"`
	MIME string      `json:"mime"`
	Data string      `json:"data"`
	Rate int         `json:"rate,omitempty"`
}

// PongMessage represents a pong response
type PongMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"error_code"`
	Message string      `json:"message"`
}

// MessageValidator provides validation for WebSocket messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage parses an incoming text frame
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch msg.Type {
	case MessageTypeAudio:
		if msg.Data == "" {
			return nil, fmt.Errorf("audio data is required")
		}
		return &msg, nil
	case MessageTypePing:
		return &msg, nil
	default:
		return nil, fmt.Errorf("unsupported message type: %q", msg.Type)
	}
}

// DecodeAudio returns the PCM carried by an audio message
func DecodeAudio(msg *ClientMessage) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid audio payload: %w", err)
	}
	return pcm, nil
}

// EncodeEvent renders a session event in the browser wire format
func EncodeEvent(event duplex.Event) ([]byte, error) {
	switch event.Kind {
	case duplex.EventTranscript:
		return json.Marshal(TranscriptMessage{Role: string(event.Role), Text: event.Text})
	case duplex.EventStatus:
		return json.Marshal(StatusMessage{Type: MessageTypeStatus, Role: string(event.Role), Speaking: event.Speaking})
	case duplex.EventAudio:
		return json.Marshal(AudioMessage{Type: MessageTypeAudio, MIME: event.MIME, Data: event.Data, Rate: event.Rate})
	default:
		return nil, fmt.Errorf("unknown event kind: %q", event.Kind)
	}
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:    MessageTypeError,
		Code:    code,
		Message: message,
	}
}

// CreatePongMessage creates a pong response message
func CreatePongMessage() *PongMessage {
	return &PongMessage{
		Type:      MessageTypePong,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}
