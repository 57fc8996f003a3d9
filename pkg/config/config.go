// Package config loads the phone agent's settings from the environment,
// following the teacher's .env-then-os.Getenv convention but returning
// errors instead of calling log.Fatal, since a library package must not
// terminate the process.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Settings holds every configuration key the phone agent needs.
type Settings struct {
	Host string
	Port string

	AgentName string

	DeepgramAPIKey string
	STTModel       string
	STTLanguage    string

	TTSProvider   string
	LokutorAPIKey string
	TTSModel      string
	TTSSampleRate int

	LLMProvider   string
	OpenAIAPIKey  string
	AnthropicKey  string
	GoogleAPIKey  string
	GroqAPIKey    string
	LLMModel      string
	MaxTokens     int

	TranscriptsDir   string
	SystemPromptPath string
}

// Load reads a .env file if present, then fills Settings from the
// environment, applying the same defaults the teacher's cmd/agent/main.go
// hardcodes. It returns an error rather than exiting so callers in cmd/
// decide how to report a missing key.
func Load() (*Settings, error) {
	_ = godotenv.Load()

	s := &Settings{
		Host:      getEnv("HOST", "0.0.0.0"),
		Port:      getEnv("PORT", "8080"),
		AgentName: getEnv("AGENT_NAME", "the assistant"),

		DeepgramAPIKey: os.Getenv("DEEPGRAM_API_KEY"),
		STTModel:       getEnv("STT_MODEL", "nova-2"),
		STTLanguage:    getEnv("STT_LANGUAGE", "en"),

		TTSProvider:   getEnv("TTS_PROVIDER", "deepgram"),
		LokutorAPIKey: os.Getenv("LOKUTOR_API_KEY"),
		TTSModel:      getEnv("TTS_MODEL", "aura-asteria-en"),

		LLMProvider:  getEnv("LLM_PROVIDER", "openai"),
		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		GoogleAPIKey: os.Getenv("GOOGLE_API_KEY"),
		GroqAPIKey:   os.Getenv("GROQ_API_KEY"),
		LLMModel:     os.Getenv("LLM_MODEL"),

		TranscriptsDir:   getEnv("TRANSCRIPTS_DIR", "transcripts"),
		SystemPromptPath: os.Getenv("SYSTEM_PROMPT_PATH"),
	}

	var err error
	if s.TTSSampleRate, err = getEnvInt("TTS_SAMPLE_RATE", 8000); err != nil {
		return nil, err
	}
	if s.MaxTokens, err = getEnvInt("MAX_TOKENS", 150); err != nil {
		return nil, err
	}

	if s.DeepgramAPIKey == "" {
		return nil, fmt.Errorf("DEEPGRAM_API_KEY must be set")
	}

	switch s.LLMProvider {
	case "openai":
		if s.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY must be set for LLM_PROVIDER=openai")
		}
	case "anthropic":
		if s.AnthropicKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY must be set for LLM_PROVIDER=anthropic")
		}
	case "google":
		if s.GoogleAPIKey == "" {
			return nil, fmt.Errorf("GOOGLE_API_KEY must be set for LLM_PROVIDER=google")
		}
	case "groq":
		if s.GroqAPIKey == "" {
			return nil, fmt.Errorf("GROQ_API_KEY must be set for LLM_PROVIDER=groq")
		}
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", s.LLMProvider)
	}

	switch s.TTSProvider {
	case "deepgram":
	case "lokutor":
		if s.LokutorAPIKey == "" {
			return nil, fmt.Errorf("LOKUTOR_API_KEY must be set for TTS_PROVIDER=lokutor")
		}
	default:
		return nil, fmt.Errorf("unknown TTS_PROVIDER %q", s.TTSProvider)
	}

	return s, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}
