package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/duplexvoice/domain/repositories"
)

const (
	defaultModel      = "models/gemini-2.0-flash-exp"
	defaultAPIVersion = "v1beta"
	defaultVoice      = "Puck"
)

// GeminiConfig configures the Gemini Live client
type GeminiConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	APIVersion  string  `yaml:"api_version"`
	Temperature float32 `yaml:"temperature"`
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("Google AI API key is required")
	}

	// Validate temperature is in the valid range
	if config.Temperature != 0 && (config.Temperature < 0 || config.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", config.Temperature)
	}

	return nil
}

// GeminiLive implements the LiveModel interface using the Gemini Live API
type GeminiLive struct {
	client *genai.Client
	logger *zap.Logger
	config GeminiConfig
}

// NewGeminiLive creates a new Gemini Live client
func NewGeminiLive(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiLive, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	if config.Model == "" {
		config.Model = defaultModel
		logger.Info("Using default model", zap.String("model", config.Model))
	}
	if config.APIVersion == "" {
		config.APIVersion = defaultAPIVersion
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      config.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{APIVersion: config.APIVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiLive{
		client: client,
		logger: logger,
		config: config,
	}, nil
}

// Connect opens a live session with audio responses and transcription enabled on both directions
func (g *GeminiLive) Connect(ctx context.Context, setup repositories.LiveSetup) (repositories.LiveSession, error) {
	session, err := g.client.Live.Connect(ctx, g.config.Model, liveConnectConfig(setup, g.config.Temperature))
	if err != nil {
		return nil, fmt.Errorf("failed to connect Gemini live session: %w", err)
	}

	g.logger.Info("Gemini live session opened",
		zap.String("model", g.config.Model),
		zap.String("voice", setup.Voice))

	return newGeminiLiveSession(session, g.logger), nil
}

func liveConnectConfig(setup repositories.LiveSetup, temperature float32) *genai.LiveConnectConfig {
	voice := setup.Voice
	if voice == "" {
		voice = defaultVoice
	}

	config := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if setup.SystemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(setup.SystemInstruction, genai.RoleUser)
	}
	if temperature != 0 {
		config.Temperature = genai.Ptr(temperature)
	}
	return config
}
