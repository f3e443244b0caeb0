package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config stores runtime configuration for the receptionist service.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Twilio   TwilioConfig
	TTS      TTSConfig
	Deepgram DeepgramConfig
	Gemini   GeminiConfig
	Session  SessionConfig
	LogLevel string
}

type ServerConfig struct {
	Addr          string
	PublicURL     string
	ShutdownGrace time.Duration
}

type DatabaseConfig struct {
	URL     string
	Migrate bool
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
}

type TTSConfig struct {
	Engine       string
	AzureKey     string
	AzureRegion  string
	OutputFormat string
	GoogleVoice  string
}

type DeepgramConfig struct {
	APIKey string
	Model  string
}

type GeminiConfig struct {
	APIKey string
	Model  string
}

type SessionConfig struct {
	MinTurnDuration  time.Duration
	SynthesisTimeout time.Duration
}

// TTS engines.
const (
	EngineAzure  = "azure"
	EngineGoogle = "google"
)

// Load resolves configuration from environment variables and defaults.
func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Addr:          envOrDefault("RECEPTIONIST_ADDR", ":8080"),
			PublicURL:     strings.TrimSpace(os.Getenv("PUBLIC_URL")),
			ShutdownGrace: envOrDefaultDuration("SHUTDOWN_GRACE", 10*time.Second),
		},
		Database: DatabaseConfig{
			URL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
			Migrate: envOrDefaultBool("DATABASE_MIGRATE", true),
		},
		Twilio: TwilioConfig{
			AccountSID: strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID")),
			AuthToken:  strings.TrimSpace(os.Getenv("TWILIO_AUTH_TOKEN")),
		},
		TTS: TTSConfig{
			Engine:       strings.ToLower(envOrDefault("TTS_ENGINE", EngineAzure)),
			AzureKey:     strings.TrimSpace(os.Getenv("AZURE_SPEECH_KEY")),
			AzureRegion:  strings.TrimSpace(os.Getenv("AZURE_SPEECH_REGION")),
			OutputFormat: strings.TrimSpace(os.Getenv("AZURE_SPEECH_OUTPUT_FORMAT")),
			GoogleVoice:  strings.TrimSpace(os.Getenv("GOOGLE_TTS_VOICE")),
		},
		Deepgram: DeepgramConfig{
			APIKey: strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY")),
			Model:  strings.TrimSpace(os.Getenv("DEEPGRAM_MODEL")),
		},
		Gemini: GeminiConfig{
			APIKey: strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
			Model:  strings.TrimSpace(os.Getenv("GEMINI_MODEL")),
		},
		Session: SessionConfig{
			MinTurnDuration:  envOrDefaultDuration("TURN_MIN_DURATION", 3*time.Second),
			SynthesisTimeout: envOrDefaultDuration("SYNTHESIS_TIMEOUT", 10*time.Second),
		},
		LogLevel: strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
	}

	if cfg.Session.MinTurnDuration <= 0 {
		cfg.Session.MinTurnDuration = 3 * time.Second
	}
	if cfg.Session.SynthesisTimeout <= 0 {
		cfg.Session.SynthesisTimeout = 10 * time.Second
	}

	switch cfg.TTS.Engine {
	case EngineAzure, EngineGoogle:
	default:
		return Config{}, fmt.Errorf("unknown TTS_ENGINE %q", cfg.TTS.Engine)
	}
	if cfg.TTS.Engine == EngineAzure && (cfg.TTS.AzureKey == "" || cfg.TTS.AzureRegion == "") {
		return Config{}, errors.New("AZURE_SPEECH_KEY and AZURE_SPEECH_REGION are required for the azure engine")
	}

	return cfg, nil
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// envOrDefaultDuration accepts Go durations ("3s") or plain milliseconds.
func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
