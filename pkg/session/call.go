package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lokutor-ai/telephone-agent/pkg/telephony"
)

// Link is the outbound+inbound surface the Call needs from a telephony
// transport. *telephony.Link satisfies it; tests use a fake.
type Link interface {
	ReadFrame(ctx context.Context) (telephony.Frame, error)
	SendMedia(ctx context.Context, base64Payload string) error
	SendClear(ctx context.Context) error
	SendMark(ctx context.Context, name string) error
}

// Call is the generalization of the teacher's ManagedStream from a
// local mic/speaker loop to a telephony media-stream socket: one Call
// per phone call, owning the STT session, the conversation, and the
// speaking/listening state machine.
type Call struct {
	cfg      Config
	sttCfg   STTConfig
	link     Link
	stt      STTProvider
	llm      LLMProvider
	tts      TTSProvider
	logger   Logger
	conv     *Conversation

	ctx    context.Context
	cancel context.CancelFunc

	events chan CallEvent

	mu               sync.Mutex
	state            State
	metadata         CallMetadata
	sttStream        STTStream
	currentUtterance string
	interrupted      bool
	speaking         bool

	speechQueue chan string

	userStopTime        time.Time
	llmStartTime        time.Time
	llmEndTime          time.Time
	firstSentenceTime   time.Time
	ttsStartTime        time.Time
	ttsEndTime          time.Time
	firstAudioChunkTime time.Time

	closeOnce sync.Once
}

// NewCall constructs a Call ready to Run. ctx governs the whole call's
// lifetime; cancelling it tears everything down.
func NewCall(ctx context.Context, link Link, stt STTProvider, llm LLMProvider, tts TTSProvider, logger Logger, cfg Config, sttCfg STTConfig) (*Call, error) {
	if link == nil || stt == nil || llm == nil || tts == nil {
		return nil, ErrNilProvider
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}

	callCtx, cancel := context.WithCancel(ctx)
	return &Call{
		cfg:         cfg,
		sttCfg:      sttCfg,
		link:        link,
		stt:         stt,
		llm:         llm,
		tts:         tts,
		logger:      logger,
		conv:        NewConversation(cfg.MaxContextMessages),
		ctx:         callCtx,
		cancel:      cancel,
		events:      make(chan CallEvent, 256),
		state:       Connecting,
		speechQueue: make(chan string, cfg.SpeechQueueSize),
	}, nil
}

// Events exposes observability events for this call. Never closed until
// Close.
func (c *Call) Events() <-chan CallEvent {
	return c.events
}

// Conversation exposes the call's message history for transcript
// persistence after Run returns.
func (c *Call) Conversation() *Conversation {
	return c.conv
}

// Metadata returns the call's identifying metadata, populated once the
// telephony "start" frame has been received.
func (c *Call) Metadata() CallMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metadata
}

// State returns the call's current lifecycle state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run processes the call's telephony frames until the peer disconnects,
// a "stop" frame arrives, or ctx is cancelled. It blocks; callers invoke
// it from the media-stream HTTP handler's goroutine.
func (c *Call) Run() error {
	defer c.Close()

	sttStream, err := c.stt.Connect(c.ctx, c.sttCfg, c.onTranscript)
	if err != nil {
		c.logger.Error("stt connect failed", "error", err)
		return fmt.Errorf("session: %w", err)
	}
	c.mu.Lock()
	c.sttStream = sttStream
	c.mu.Unlock()

	go c.speechSender()

	for {
		frame, err := c.link.ReadFrame(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, telephony.ErrMalformedFrame) {
				c.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			// Connection loss: tear down (spec.md §7).
			c.setState(Ended)
			return nil
		}

		if err := c.handleFrame(frame); err != nil {
			c.logger.Warn("dropping frame", "event", frame.Event, "error", err)
		}

		if c.State() == Ended {
			return nil
		}
	}
}

func (c *Call) handleFrame(frame telephony.Frame) error {
	switch frame.Event {
	case "connected":
		c.logger.Debug("telephony link connected")

	case "start":
		c.mu.Lock()
		c.metadata = CallMetadata{
			CallSID:   frame.Start.CallSID,
			StreamSID: frame.Start.StreamSID,
			Caller:    frame.Start.CustomParams["caller"],
			Called:    frame.Start.CustomParams["called"],
			StartTime: time.Now(),
		}
		c.mu.Unlock()
		c.setState(Greeting)
		c.queueGreeting()

	case "media":
		if frame.MediaPayload == "" {
			return nil
		}
		raw, err := base64.StdEncoding.DecodeString(frame.MediaPayload)
		if err != nil {
			return fmt.Errorf("decode media payload: %w", err)
		}
		c.mu.Lock()
		stream := c.sttStream
		c.mu.Unlock()
		if stream != nil {
			if err := stream.SendAudio(raw); err != nil {
				return fmt.Errorf("forward audio to stt: %w", err)
			}
		}

	case "stop":
		c.setState(Ended)

	case "mark":
		if frame.MarkName == c.cfg.GreetingMarkName && c.State() == Greeting {
			c.setState(Listening)
		}
	}
	return nil
}

func (c *Call) queueGreeting() {
	greeting := fmt.Sprintf(c.cfg.GreetingTemplate, c.cfg.AgentName)
	c.conv.AddAssistantMessage(greeting)
	select {
	case c.speechQueue <- greeting:
	case <-c.ctx.Done():
	}
}

// onTranscript is handed to STTProvider.Connect. It must never block —
// it only mutates locked state and, for a completed utterance, spawns a
// goroutine to do the actual work (spec.md §4.3).
func (c *Call) onTranscript(ev TranscriptEvent) {
	if c.State() == Ended {
		return
	}

	if ev.IsFinal {
		c.mu.Lock()
		c.currentUtterance = strings.TrimSpace(c.currentUtterance + " " + ev.Text)
		c.mu.Unlock()

		if ev.SpeechFinal {
			c.mu.Lock()
			utterance := strings.TrimSpace(c.currentUtterance)
			c.currentUtterance = ""
			c.userStopTime = time.Now()
			c.llmStartTime = time.Time{}
			c.llmEndTime = time.Time{}
			c.firstSentenceTime = time.Time{}
			c.ttsStartTime = time.Time{}
			c.ttsEndTime = time.Time{}
			c.firstAudioChunkTime = time.Time{}
			c.mu.Unlock()

			if utterance != "" {
				go c.processUtterance(utterance)
			}
		}
		return
	}

	// Interim result: an observability signal that the caller is
	// talking, and a barge-in trigger if we're currently speaking.
	if strings.TrimSpace(ev.Text) == "" {
		return
	}
	c.emit(UserSpeaking, ev.Text)

	c.mu.Lock()
	speaking := c.speaking
	c.mu.Unlock()
	if speaking {
		c.mu.Lock()
		c.interrupted = true
		c.mu.Unlock()
		// Cut any in-flight synthesis short immediately rather than
		// waiting for the pacer's next between-chunk check, matching
		// the teacher's own direct tts.Abort() call in its interrupt
		// handler (pkg/orchestrator/managed_stream.go).
		if aborter, ok := c.tts.(ttsAborter); ok {
			if err := aborter.Abort(); err != nil {
				c.logger.Warn("tts abort failed", "error", err)
			}
		}
		c.emit(Interrupted, ev.Text)
	}
}

// ttsAborter is implemented by TTSProviders that can cut a synthesis
// call short once barge-in latches. Not part of the TTSProvider
// interface itself: a provider without it still works correctly, since
// the outbound pacer's own between-chunk interrupt check (spec.md
// §4.6) is the baseline guarantee.
type ttsAborter interface {
	Abort() error
}

func (c *Call) processUtterance(utterance string) {
	c.setState(Processing)
	c.emit(TranscriptFinal, utterance)
	c.conv.AddUserMessage(utterance)

	c.mu.Lock()
	c.llmStartTime = time.Now()
	c.mu.Unlock()
	c.emit(BotThinking, nil)

	var splitter SentenceSplitter
	var full strings.Builder

	err := c.llm.StreamComplete(c.ctx, c.conv.ToAPIMessages(c.cfg.SystemPrompt), c.cfg.MaxTokens, func(delta string) error {
		for _, sentence := range splitter.Feed(delta) {
			c.mu.Lock()
			if c.firstSentenceTime.IsZero() {
				c.firstSentenceTime = time.Now()
			}
			c.mu.Unlock()
			full.WriteString(sentence)
			full.WriteString(" ")
			select {
			case c.speechQueue <- sentence:
			case <-c.ctx.Done():
				return c.ctx.Err()
			}
		}
		return nil
	})

	c.mu.Lock()
	c.llmEndTime = time.Now()
	c.mu.Unlock()

	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.Warn("llm generation failed", "error", err)
			c.emit(ErrorEvent, fmt.Sprintf("llm error: %v", err))
			select {
			case c.speechQueue <- c.cfg.FallbackUtterance:
			case <-c.ctx.Done():
			}
		}
		return
	}

	if trailing := splitter.Flush(); trailing != "" {
		full.WriteString(trailing)
		select {
		case c.speechQueue <- trailing:
		case <-c.ctx.Done():
			return
		}
	}

	if resp := strings.TrimSpace(full.String()); resp != "" {
		c.conv.AddAssistantMessage(resp)
	}
}

// speechSender is the single consumer draining speechQueue and pacing
// synthesized audio out over the telephony link, mirroring the
// teacher's dedicated per-stream goroutine pattern.
func (c *Call) speechSender() {
	for {
		if c.State() == Ended {
			return
		}
		select {
		case <-c.ctx.Done():
			return
		case text := <-c.speechQueue:
			c.speak(text)
		case <-time.After(time.Second):
		}
	}
}

func (c *Call) speak(text string) {
	isGreeting := c.State() == Greeting

	c.mu.Lock()
	c.speaking = true
	c.interrupted = false
	c.ttsStartTime = time.Now()
	c.mu.Unlock()
	// The greeting plays out while the call stays in Greeting; the
	// Greeting -> Listening transition is driven by the mark echo
	// (handleFrame's "mark" case), not by the speech queue draining.
	if !isGreeting {
		c.setState(Speaking)
	}
	c.emit(BotSpeaking, text)

	audio, err := c.tts.Synthesize(c.ctx, text)
	if err != nil {
		c.logger.Warn("tts synthesis failed", "error", err)
		c.emit(ErrorEvent, fmt.Sprintf("tts error: %v", err))
		c.mu.Lock()
		c.speaking = false
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.firstAudioChunkTime.IsZero() {
		c.firstAudioChunkTime = time.Now()
	}
	c.mu.Unlock()

	pacer := telephony.NewPacer()
	pacer.ChunkSize = c.cfg.ChunkSize
	pacer.Interval = c.cfg.ChunkInterval

	complete, sendErr := pacer.Send(c.ctx, c.link, audio, c.isInterrupted, func(n int) {
		c.emit(AudioChunkSent, n)
	})
	if sendErr != nil && c.ctx.Err() == nil {
		c.logger.Warn("failed to send audio", "error", sendErr)
	}

	c.mu.Lock()
	c.speaking = false
	c.ttsEndTime = time.Now()
	c.mu.Unlock()

	if c.ctx.Err() != nil {
		return
	}

	if !complete {
		c.drainSpeechQueue()
		c.setState(Listening)
		return
	}

	if isGreeting {
		if err := c.link.SendMark(c.ctx, c.cfg.GreetingMarkName); err != nil {
			c.logger.Warn("failed to send greeting mark", "error", err)
		}
		return
	}

	if len(c.speechQueue) == 0 && c.State() != Ended {
		c.setState(Listening)
	}
}

func (c *Call) isInterrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupted
}

func (c *Call) drainSpeechQueue() {
	for {
		select {
		case <-c.speechQueue:
		default:
			return
		}
	}
}

// setState transitions the call to s, unless the call has already
// reached Ended: that state is terminal (spec.md §3, §8 invariant 1)
// and must never be left once entered, even by a goroutine racing a
// concurrent "stop"/socket-close.
func (c *Call) setState(s State) {
	c.mu.Lock()
	if c.state == Ended {
		c.mu.Unlock()
		return
	}
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.emit(StateChanged, s)
	}
}

func (c *Call) emit(eventType EventType, data interface{}) {
	select {
	case <-c.ctx.Done():
		return
	default:
	}

	c.mu.Lock()
	callSID := c.metadata.CallSID
	c.mu.Unlock()

	select {
	case c.events <- CallEvent{Type: eventType, CallID: callSID, Data: data}:
	default:
		// Channel full, drop non-critical observability event.
	}
}

// Close tears the call down: cancels its context, closes the STT
// session, and closes the events channel. Safe to call more than once.
func (c *Call) Close() {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		stream := c.sttStream
		c.mu.Unlock()
		if stream != nil {
			if err := stream.Close(); err != nil {
				c.logger.Warn("stt close failed", "error", err)
			}
		}
		close(c.events)
	})
}

// LatencyBreakdown reports per-stage timings for the most recently
// completed utterance, adapted from the teacher's RMS-VAD-keyed
// instrumentation to the telephony pipeline's STT/LLM/TTS stages
// (SPEC_FULL.md §E).
type LatencyBreakdown struct {
	UserToLLMEnd          int64
	LLMDuration           int64
	UserToFirstSentence   int64
	UserToFirstAudioChunk int64
	TTSDuration           int64
}

func (c *Call) GetLatencyBreakdown() LatencyBreakdown {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bd LatencyBreakdown
	if c.userStopTime.IsZero() {
		return bd
	}
	if !c.llmEndTime.IsZero() {
		bd.UserToLLMEnd = c.llmEndTime.Sub(c.userStopTime).Milliseconds()
	}
	if !c.llmStartTime.IsZero() && !c.llmEndTime.IsZero() {
		bd.LLMDuration = c.llmEndTime.Sub(c.llmStartTime).Milliseconds()
	}
	if !c.firstSentenceTime.IsZero() {
		bd.UserToFirstSentence = c.firstSentenceTime.Sub(c.userStopTime).Milliseconds()
	}
	if !c.firstAudioChunkTime.IsZero() {
		bd.UserToFirstAudioChunk = c.firstAudioChunkTime.Sub(c.userStopTime).Milliseconds()
	}
	if !c.ttsStartTime.IsZero() && !c.ttsEndTime.IsZero() {
		bd.TTSDuration = c.ttsEndTime.Sub(c.ttsStartTime).Milliseconds()
	}
	return bd
}
