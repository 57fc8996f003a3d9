package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lokutor-ai/telephone-agent/pkg/config"
	llmProvider "github.com/lokutor-ai/telephone-agent/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/telephone-agent/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/telephone-agent/pkg/providers/tts"
	"github.com/lokutor-ai/telephone-agent/pkg/session"
	"github.com/lokutor-ai/telephone-agent/pkg/telephony"
)

// slogLogger adapts the standard library's structured logger to
// session.Logger.
type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Debug(msg string, args ...interface{}) { s.l.Debug(msg, args...) }
func (s slogLogger) Info(msg string, args ...interface{})  { s.l.Info(msg, args...) }
func (s slogLogger) Warn(msg string, args ...interface{})  { s.l.Warn(msg, args...) }
func (s slogLogger) Error(msg string, args ...interface{}) { s.l.Error(msg, args...) }

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	systemPrompt := "You are a helpful and concise phone assistant. Use short sentences suitable for speech."
	if cfg.SystemPromptPath != "" {
		data, err := os.ReadFile(cfg.SystemPromptPath)
		if err != nil {
			logger.Error("failed to read system prompt file", "path", cfg.SystemPromptPath, "error", err)
			os.Exit(1)
		}
		systemPrompt = string(data)
	}

	llm, err := buildLLM(cfg)
	if err != nil {
		logger.Error("llm provider setup failed", "error", err)
		os.Exit(1)
	}
	tts, err := buildTTS(cfg)
	if err != nil {
		logger.Error("tts provider setup failed", "error", err)
		os.Exit(1)
	}
	stt := sttProvider.NewDeepgramSTT(cfg.DeepgramAPIKey)

	srv := &server{
		cfg:          cfg,
		stt:          stt,
		llm:          llm,
		tts:          tts,
		logger:       slogLogger{logger},
		systemPrompt: systemPrompt,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.handleStatus)
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/incoming-call", srv.handleIncomingCall)
	mux.HandleFunc("/media-stream", srv.handleMediaStream)

	addr := cfg.Host + ":" + cfg.Port
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("phone agent listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
}

func buildLLM(cfg *config.Settings) (session.LLMProvider, error) {
	switch cfg.LLMProvider {
	case "openai":
		model := cfg.LLMModel
		if model == "" {
			model = "gpt-4o"
		}
		return llmProvider.NewOpenAILLM(cfg.OpenAIAPIKey, model), nil
	case "anthropic":
		model := cfg.LLMModel
		if model == "" {
			model = "claude-3-5-sonnet-20241022"
		}
		return llmProvider.NewAnthropicLLM(cfg.AnthropicKey, model), nil
	case "google":
		model := cfg.LLMModel
		if model == "" {
			model = "gemini-1.5-flash"
		}
		return llmProvider.NewGoogleLLM(cfg.GoogleAPIKey, model), nil
	case "groq":
		model := cfg.LLMModel
		if model == "" {
			model = "llama3-70b-8192"
		}
		return llmProvider.NewGroqLLM(cfg.GroqAPIKey, model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
}

func buildTTS(cfg *config.Settings) (session.TTSProvider, error) {
	switch cfg.TTSProvider {
	case "deepgram":
		return ttsProvider.NewDeepgramTTS(cfg.DeepgramAPIKey, cfg.TTSModel, cfg.TTSSampleRate), nil
	case "lokutor":
		return ttsProvider.NewLokutorTTS(cfg.LokutorAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", cfg.TTSProvider)
	}
}

type server struct {
	cfg          *config.Settings
	stt          session.STTProvider
	llm          session.LLMProvider
	tts          session.TTSProvider
	logger       session.Logger
	systemPrompt string
}

const statusPage = `<!DOCTYPE html>
<html>
<head><title>Phone Agent</title></head>
<body>
<h1>Phone Agent</h1>
<p>Server is running.</p>
<ul>
<li><code>POST /incoming-call</code> - telephony webhook</li>
<li><code>WS /media-stream</code> - audio WebSocket</li>
</ul>
</body>
</html>`

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(statusPage))
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy"}`))
}

// handleIncomingCall returns TwiML that connects the call's audio to
// our media-stream websocket, carrying caller/called as custom stream
// parameters (original_source/src/main.py::incoming_call).
func (s *server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	host := r.Header.Get("Host")
	if host == "" {
		host = s.cfg.Host + ":" + s.cfg.Port
	}
	wsProto := "ws"
	if r.Header.Get("X-Forwarded-Proto") == "https" {
		wsProto = "wss"
	}

	_ = r.ParseForm()
	caller := r.FormValue("From")
	if caller == "" {
		caller = "Unknown"
	}
	called := r.FormValue("To")

	s.logger.Info("incoming call", "caller", caller, "called", called)

	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="%s://%s/media-stream">
            <Parameter name="caller" value="%s" />
            <Parameter name="called" value="%s" />
        </Stream>
    </Connect>
</Response>`, wsProto, host, caller, called)

	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(twiml))
}

func (s *server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	link, err := telephony.Accept(w, r)
	if err != nil {
		s.logger.Error("media stream accept failed", "error", err)
		return
	}
	defer link.Close()

	sttCfg := session.STTConfig{
		Model:          s.cfg.STTModel,
		Language:       s.cfg.STTLanguage,
		Encoding:       "mulaw",
		SampleRate:     8000,
		Channels:       1,
		Punctuate:      true,
		InterimResults: true,
		VADEvents:      true,
		Endpointing:    300 * time.Millisecond,
		UtteranceEnd:   1000 * time.Millisecond,
	}

	callCfg := session.DefaultConfig()
	callCfg.AgentName = s.cfg.AgentName
	callCfg.MaxTokens = s.cfg.MaxTokens
	callCfg.SystemPrompt = s.systemPrompt

	call, err := session.NewCall(r.Context(), link, s.stt, s.llm, s.tts, s.logger, callCfg, sttCfg)
	if err != nil {
		s.logger.Error("call setup failed", "error", err)
		return
	}

	writer := &transcriptWriter{dir: s.cfg.TranscriptsDir, logger: s.logger}
	go writer.watch(call)

	if err := call.Run(); err != nil {
		s.logger.Error("call ended with error", "error", err)
	}
}

// transcriptWriter persists a call's conversation to disk once Run
// returns, mirroring original_source/src/call_handler.py::_save_transcript.
// Formatting/writing of post-call transcripts lives only here, outside
// pkg/session, so the pipeline itself has no filesystem dependency.
type transcriptWriter struct {
	dir    string
	logger session.Logger
}

func (t *transcriptWriter) watch(call *session.Call) {
	for range call.Events() {
		// Drain so the call's event channel never blocks; the writer
		// only needs conversation state once the call has ended.
	}
	t.save(call)
}

func (t *transcriptWriter) save(call *session.Call) {
	meta := call.Metadata()
	transcript := call.Conversation().Transcript()
	if transcript == "" {
		return
	}

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		t.logger.Warn("failed to create transcripts dir", "error", err)
		return
	}

	timestamp := meta.StartTime.Format("20060102_150405")
	sidPrefix := meta.CallSID
	if len(sidPrefix) > 8 {
		sidPrefix = sidPrefix[:8]
	}
	filename := fmt.Sprintf("call_%s_%s.txt", timestamp, sidPrefix)
	path := filepath.Join(t.dir, filename)

	content := "Call Transcript\n" +
		"===============\n" +
		"Time: " + meta.StartTime.Format(time.RFC3339) + "\n" +
		"Caller: " + meta.Caller + "\n" +
		"Call SID: " + meta.CallSID + "\n\n" +
		"Conversation:\n" +
		"-------------\n" +
		transcript + "\n"

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.logger.Warn("failed to write transcript", "error", err)
		return
	}
	t.logger.Info("transcript saved", "path", path)
}
