package session

import (
	"context"
	"time"
)

// Logger is the structured logging seam used throughout the session
// package. cmd/phoneagent wires a real implementation; tests use the
// NoOpLogger.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// NoOpLogger discards everything. Used as the default so callers never
// need a nil check.
type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// TranscriptEvent is an immutable record emitted by an STTStream.
type TranscriptEvent struct {
	Text        string
	IsFinal     bool
	SpeechFinal bool
	Confidence  float64
}

// STTConfig carries the recognizer configuration spec.md §4.3 enumerates.
type STTConfig struct {
	Model          string
	Language       string
	Encoding       string
	SampleRate     int
	Channels       int
	Punctuate      bool
	InterimResults bool
	VADEvents      bool
	Endpointing    time.Duration
	UtteranceEnd   time.Duration
	PingInterval   time.Duration
}

// STTStream is a live, per-call streaming recognition session.
type STTStream interface {
	// SendAudio forwards one codec payload. It blocks until the
	// connection has completed its handshake; if the connection is
	// closed it returns nil (the call is dropped silently, per
	// spec.md §4.3 — termination is observed via another path).
	SendAudio(payload []byte) error
	// Close sends a graceful shutdown sentinel and closes the transport.
	Close() error
}

// STTProvider opens long-lived streaming recognition sessions.
type STTProvider interface {
	// Connect opens the session and begins delivering TranscriptEvents
	// to onTranscript from a background receive loop. onTranscript MUST
	// NOT block — callers should do no more than forward to a channel.
	// A 403 from the upstream is reported as ErrSTTAuthFailed.
	Connect(ctx context.Context, cfg STTConfig, onTranscript func(TranscriptEvent)) (STTStream, error)
	Name() string
}

// LLMProvider drives a streaming chat completion.
type LLMProvider interface {
	// StreamComplete issues one completion request and calls onDelta
	// once per text fragment as it arrives. onDelta errors abort the
	// stream and are returned from StreamComplete.
	StreamComplete(ctx context.Context, messages []Message, maxTokens int, onDelta func(string) error) error
	Name() string
}

// TTSProvider converts one text segment into codec-ready audio.
type TTSProvider interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	StreamSynthesize(ctx context.Context, text string, onChunk func([]byte) error) error
	Name() string
}

// State is one of the Session Controller's lifecycle states (spec.md §3).
type State string

const (
	Connecting State = "CONNECTING"
	Greeting   State = "GREETING"
	Listening  State = "LISTENING"
	Processing State = "PROCESSING"
	Speaking   State = "SPEAKING"
	Ended      State = "ENDED"
)

// EventType labels an observability event emitted on a Call's Events
// channel. Purely informational — nothing downstream of the pipeline
// depends on consuming these.
type EventType string

const (
	StateChanged    EventType = "STATE_CHANGED"
	UserSpeaking    EventType = "USER_SPEAKING"
	TranscriptFinal EventType = "TRANSCRIPT_FINAL"
	BotThinking     EventType = "BOT_THINKING"
	BotSpeaking     EventType = "BOT_SPEAKING"
	AudioChunkSent  EventType = "AUDIO_CHUNK_SENT"
	Interrupted     EventType = "INTERRUPTED"
	ErrorEvent      EventType = "ERROR"
)

// CallEvent is a single observability event for one call.
type CallEvent struct {
	Type   EventType
	CallID string
	Data   interface{}
}

// CallMetadata is set once from the telephony `start` event and read
// only thereafter.
type CallMetadata struct {
	CallSID   string
	StreamSID string
	Caller    string
	Called    string
	StartTime time.Time
}

// Config is the per-call behavior configuration (spec.md §4.1, §4.2).
type Config struct {
	AgentName          string
	GreetingTemplate   string
	GreetingMarkName   string
	MaxContextMessages int
	ChunkSize          int
	ChunkInterval      time.Duration
	SpeechQueueSize    int
	FallbackUtterance  string
	MaxTokens          int
	SystemPrompt       string
}

// DefaultConfig returns the configuration spec.md's literal scenarios
// assume: a 640-byte chunk size paced at ~20ms, and the canned greeting
// and fallback strings from original_source/src/call_handler.py.
func DefaultConfig() Config {
	return Config{
		AgentName:          "AI Assistant",
		GreetingTemplate:   "Hello, this is %s. How can I help you?",
		GreetingMarkName:   "greeting_end",
		MaxContextMessages: 40,
		ChunkSize:          640,
		ChunkInterval:      20 * time.Millisecond,
		SpeechQueueSize:    32,
		FallbackUtterance:  "I'm sorry, I'm having trouble understanding. Could you please repeat that?",
		MaxTokens:          300,
	}
}
