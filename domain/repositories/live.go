package repositories

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by LiveSession.Receive once the remote stream is gone for good
var ErrSessionClosed = errors.New("live session closed")

// LiveModel abstracts a bidirectional streaming conversational model
type LiveModel interface {
	Connect(ctx context.Context, setup LiveSetup) (LiveSession, error)
}

// LiveSetup is the initial configuration sent when a live session opens
type LiveSetup struct {
	SystemInstruction string
	Voice             string
}

// LiveSession is one open duplex stream against the model
type LiveSession interface {
	SendAudio(frame AudioFrame) error
	SendText(text string) error
	// Receive blocks for the next server message and returns its decoded events.
	// A message may carry zero or more events.
	Receive(ctx context.Context) ([]ServerEvent, error)
	Close() error
}

// AudioFrame is a PCM buffer tagged with its MIME type, e.g. "audio/pcm;rate=16000"
type AudioFrame struct {
	Data     []byte
	MIMEType string
}

// ServerEvent is one decoded item of a server message.
// Implementations: AudioChunk, InputTranscript, OutputTranscript, OtherEvent.
type ServerEvent interface {
	serverEvent()
}

// AudioChunk carries decoded PCM audio produced by the model
type AudioChunk struct {
	Data     []byte
	MIMEType string
}

// InputTranscript is the latest cumulative transcript of the user's speech
type InputTranscript struct {
	Text string
}

// OutputTranscript is the latest cumulative transcript of the model's speech
type OutputTranscript struct {
	Text string
}

// OtherEvent is any server signal the session driver does not act on
type OtherEvent struct {
	Kind string
}

func (AudioChunk) serverEvent()       {}
func (InputTranscript) serverEvent()  {}
func (OutputTranscript) serverEvent() {}
func (OtherEvent) serverEvent()       {}
