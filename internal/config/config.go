package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/satriahrh/duplexvoice/adapters/llm"
	"github.com/satriahrh/duplexvoice/adapters/mongo"
	"github.com/satriahrh/duplexvoice/adapters/redis"
	"github.com/satriahrh/duplexvoice/internal/duplex"
)

const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"

	ProviderGemini = "gemini"
	ProviderMock   = "mock"
)

// Config is the full runtime configuration of the server and the device CLI
type Config struct {
	Server  ServerConfig     `yaml:"server"`
	Gemini  llm.GeminiConfig `yaml:"gemini"`
	Session SessionConfig    `yaml:"session"`
	Store   string           `yaml:"store"`
	LLM     string           `yaml:"llm"`
	Mongo   mongo.Config     `yaml:"mongo"`
	Redis   redis.Config     `yaml:"redis"`
	Auth    AuthConfig       `yaml:"auth"`
	Cleanup CleanupConfig    `yaml:"cleanup"`
	Logging LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SessionConfig holds the tunables of a duplex session
type SessionConfig struct {
	SystemPrompt      string        `yaml:"system_prompt"`
	Voice             string        `yaml:"voice"`
	Greeting          string        `yaml:"greeting"`
	HistoryLimit      int           `yaml:"history_limit"`
	UserSilence       time.Duration `yaml:"user_silence"`
	AssistantSilence  time.Duration `yaml:"assistant_silence"`
	HeartbeatPeriod   time.Duration `yaml:"heartbeat_period"`
	OutboundQueueSize int           `yaml:"outbound_queue_size"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	RelayMinBytes     int           `yaml:"relay_min_bytes"`
	RelayMaxDelay     time.Duration `yaml:"relay_max_delay"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	// Required rejects websocket upgrades without a valid token
	Required bool `yaml:"required"`
}

type CleanupConfig struct {
	Interval    time.Duration `yaml:"interval"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is "json" or "console"
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing overrides it
func Default() Config {
	session := duplex.DefaultConfig()
	return Config{
		Server: ServerConfig{Port: "8080", ShutdownTimeout: 10 * time.Second},
		Session: SessionConfig{
			Voice:             session.Voice,
			Greeting:          session.Greeting,
			HistoryLimit:      session.HistoryLimit,
			UserSilence:       session.UserSilence,
			AssistantSilence:  session.AssistantSilence,
			HeartbeatPeriod:   session.HeartbeatPeriod,
			OutboundQueueSize: session.OutboundQueueSize,
			ConnectTimeout:    session.ConnectTimeout,
			RelayMinBytes:     session.RelayMinBytes,
			RelayMaxDelay:     session.RelayMaxDelay,
		},
		Store: StoreMemory,
		LLM:   ProviderGemini,
		Auth:  AuthConfig{TokenTTL: 24 * time.Hour},
		Cleanup: CleanupConfig{
			Interval:    time.Minute,
			IdleTimeout: 10 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from .env, an optional YAML file and the environment.
// An empty path falls back to CONFIG_FILE.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Gemini.APIKey, "GEMINI_API_KEY")
	setString(&cfg.Gemini.Model, "GEMINI_MODEL")
	setString(&cfg.Session.Voice, "GEMINI_VOICE")
	setString(&cfg.Session.SystemPrompt, "SYSTEM_PROMPT")
	setString(&cfg.Store, "STORE_BACKEND")
	setString(&cfg.LLM, "LLM_PROVIDER")
	setString(&cfg.Mongo.URI, "MONGODB_URI")
	setString(&cfg.Mongo.Database, "MONGODB_DATABASE")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")

	if err := setMillis(&cfg.Session.UserSilence, "USER_SILENCE_MS"); err != nil {
		return err
	}
	if err := setMillis(&cfg.Session.AssistantSilence, "ASSISTANT_SILENCE_MS"); err != nil {
		return err
	}
	if err := setMillis(&cfg.Session.HeartbeatPeriod, "HEARTBEAT_MS"); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("AUTH_REQUIRED"); ok {
		required, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AUTH_REQUIRED: %w", err)
		}
		cfg.Auth.Required = required
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setMillis(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}

// Validate checks every section
func (c Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server: port is required")
	}

	switch c.Store {
	case StoreMemory:
	case StoreMongo:
		if c.Mongo.URI == "" {
			return errors.New("mongo: uri is required when store is mongo")
		}
	default:
		return fmt.Errorf("store: unknown backend %q", c.Store)
	}

	switch c.LLM {
	case ProviderMock:
	case ProviderGemini:
		if err := llm.ValidateGeminiConfig(c.Gemini); err != nil {
			return fmt.Errorf("gemini: %w", err)
		}
	default:
		return fmt.Errorf("llm: unknown provider %q", c.LLM)
	}

	if c.Session.UserSilence < 0 || c.Session.AssistantSilence < 0 || c.Session.HeartbeatPeriod < 0 {
		return errors.New("session: durations must not be negative")
	}
	if c.Session.HeartbeatPeriod > 0 && c.Session.UserSilence > 0 && c.Session.HeartbeatPeriod > c.Session.UserSilence {
		return fmt.Errorf("session: heartbeat period %s exceeds user silence %s", c.Session.HeartbeatPeriod, c.Session.UserSilence)
	}

	if c.Auth.Required && c.Auth.JWTSecret == "" {
		return errors.New("auth: jwt secret is required when auth is required")
	}

	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging: unknown format %q", c.Logging.Format)
	}
	return nil
}

// Duplex converts the session section to a driver configuration
func (s SessionConfig) Duplex() duplex.Config {
	cfg := duplex.DefaultConfig()
	if s.SystemPrompt != "" {
		cfg.SystemPrompt = s.SystemPrompt
	}
	if s.Voice != "" {
		cfg.Voice = s.Voice
	}
	cfg.Greeting = s.Greeting
	if s.HistoryLimit > 0 {
		cfg.HistoryLimit = s.HistoryLimit
	}
	if s.UserSilence > 0 {
		cfg.UserSilence = s.UserSilence
	}
	if s.AssistantSilence > 0 {
		cfg.AssistantSilence = s.AssistantSilence
	}
	if s.HeartbeatPeriod > 0 {
		cfg.HeartbeatPeriod = s.HeartbeatPeriod
	}
	if s.OutboundQueueSize > 0 {
		cfg.OutboundQueueSize = s.OutboundQueueSize
	}
	if s.ConnectTimeout > 0 {
		cfg.ConnectTimeout = s.ConnectTimeout
	}
	if s.RelayMinBytes > 0 {
		cfg.RelayMinBytes = s.RelayMinBytes
	}
	if s.RelayMaxDelay > 0 {
		cfg.RelayMaxDelay = s.RelayMaxDelay
	}
	return cfg
}
