package session

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/telephone-agent/pkg/telephony"
)

// fakeLink is a hand-rolled Link test double; it feeds a scripted frame
// sequence and records every outbound call, matching the teacher's style
// of small mock structs rather than a mocking framework.
type fakeLink struct {
	mu      sync.Mutex
	frames  chan telephony.Frame
	media   []string
	clears  int
	marks   []string
	closed  bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{frames: make(chan telephony.Frame, 32)}
}

func (f *fakeLink) push(frame telephony.Frame) {
	f.frames <- frame
}

func (f *fakeLink) ReadFrame(ctx context.Context) (telephony.Frame, error) {
	select {
	case frame, ok := <-f.frames:
		if !ok {
			return telephony.Frame{}, errors.New("fakeLink: closed")
		}
		return frame, nil
	case <-ctx.Done():
		return telephony.Frame{}, ctx.Err()
	}
}

func (f *fakeLink) SendMedia(ctx context.Context, base64Payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, base64Payload)
	return nil
}

func (f *fakeLink) SendClear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeLink) SendMark(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, name)
	return nil
}

func (f *fakeLink) markCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.marks)
}

// fakeSTTStream records forwarded audio and whether it was closed; tests
// push transcript events through fakeSTTProvider.onTranscript.
type fakeSTTStream struct {
	mu     sync.Mutex
	audio  [][]byte
	closed bool
}

func (s *fakeSTTStream) SendAudio(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, payload)
	return nil
}

func (s *fakeSTTStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeSTTProvider struct {
	stream       *fakeSTTStream
	onTranscript func(TranscriptEvent)
}

func (p *fakeSTTProvider) Connect(ctx context.Context, cfg STTConfig, onTranscript func(TranscriptEvent)) (STTStream, error) {
	p.onTranscript = onTranscript
	p.stream = &fakeSTTStream{}
	return p.stream, nil
}

func (p *fakeSTTProvider) Name() string { return "fake-stt" }

type fakeLLMProvider struct {
	reply string
	err   error
}

func (p *fakeLLMProvider) StreamComplete(ctx context.Context, messages []Message, maxTokens int, onDelta func(string) error) error {
	if p.err != nil {
		return p.err
	}
	return onDelta(p.reply)
}

func (p *fakeLLMProvider) Name() string { return "fake-llm" }

type fakeTTSProvider struct {
	audio []byte
	err   error
}

func (p *fakeTTSProvider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.audio, nil
}

func (p *fakeTTSProvider) StreamSynthesize(ctx context.Context, text string, onChunk func([]byte) error) error {
	return onChunk(p.audio)
}

func (p *fakeTTSProvider) Name() string { return "fake-tts" }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ChunkSize = 4
	cfg.ChunkInterval = time.Millisecond
	return cfg
}

func waitForEvent(t *testing.T, events <-chan CallEvent, want EventType, timeout time.Duration) CallEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", want)
		}
	}
}

func TestNewCallRejectsNilProvider(t *testing.T) {
	_, err := NewCall(context.Background(), newFakeLink(), nil, &fakeLLMProvider{}, &fakeTTSProvider{}, nil, DefaultConfig(), STTConfig{})
	if !errors.Is(err, ErrNilProvider) {
		t.Fatalf("expected ErrNilProvider, got %v", err)
	}
}

func TestCallGreetingThenListeningOnMarkEcho(t *testing.T) {
	link := newFakeLink()
	stt := &fakeSTTProvider{}
	llm := &fakeLLMProvider{reply: "hi."}
	tts := &fakeTTSProvider{audio: []byte{1, 2, 3, 4, 5, 6}}

	call, err := NewCall(context.Background(), link, stt, llm, tts, nil, testConfig(), STTConfig{})
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	defer call.Close()

	go call.Run()

	link.push(telephony.Frame{Event: "start", Start: telephony.StartPayload{CallSID: "CA123", StreamSID: "MZ1"}})

	waitForEvent(t, call.Events(), BotSpeaking, time.Second)

	// Greeting audio should have been paced out in full before the mark
	// is requested.
	deadline := time.After(time.Second)
	for call.markCountSafe(link) == 0 {
		select {
		case <-call.Events():
		case <-deadline:
			t.Fatal("timed out waiting for greeting mark request")
		}
	}

	if call.State() != Greeting {
		t.Fatalf("expected call still in Greeting before mark echo, got %s", call.State())
	}

	link.push(telephony.Frame{Event: "mark", MarkName: call.cfg.GreetingMarkName})

	deadline = time.After(time.Second)
	for call.State() != Listening {
		select {
		case <-call.Events():
		case <-deadline:
			t.Fatalf("timed out waiting for Listening, state=%s", call.State())
		}
	}
}

func (c *Call) markCountSafe(link *fakeLink) int {
	return link.markCount()
}

func TestCallProcessesUtteranceThroughLLMAndTTS(t *testing.T) {
	link := newFakeLink()
	stt := &fakeSTTProvider{}
	llm := &fakeLLMProvider{reply: "All set."}
	tts := &fakeTTSProvider{audio: []byte{9, 9, 9, 9}}

	cfg := testConfig()
	call, err := NewCall(context.Background(), link, stt, llm, tts, nil, cfg, STTConfig{})
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	defer call.Close()

	go call.Run()

	link.push(telephony.Frame{Event: "start", Start: telephony.StartPayload{CallSID: "CA1", StreamSID: "MZ1"}})
	waitForEvent(t, call.Events(), BotSpeaking, time.Second)
	link.push(telephony.Frame{Event: "mark", MarkName: cfg.GreetingMarkName})
	waitForEvent(t, call.Events(), StateChanged, time.Second)

	stt.onTranscript(TranscriptEvent{Text: "book me a flight", IsFinal: true, SpeechFinal: true})

	waitForEvent(t, call.Events(), TranscriptFinal, time.Second)
	waitForEvent(t, call.Events(), BotThinking, time.Second)

	deadline := time.After(time.Second)
	for {
		transcript := call.Conversation().Transcript()
		if transcript != "" && containsAll(transcript, "book me a flight", "All set.") {
			break
		}
		select {
		case <-call.Events():
		case <-deadline:
			t.Fatalf("timed out waiting for conversation update, got %q", transcript)
		}
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !containsSubstr(s, sub) {
			return false
		}
	}
	return true
}

func containsSubstr(s, sub string) bool {
	return len(sub) == 0 || (len(s) >= len(sub) && indexOf(s, sub) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestCallBargeInSendsClear(t *testing.T) {
	link := newFakeLink()
	stt := &fakeSTTProvider{}
	llm := &fakeLLMProvider{reply: "A very long reply that keeps speaking for a while."}
	tts := &fakeTTSProvider{audio: make([]byte, 4096)}

	cfg := testConfig()
	call, err := NewCall(context.Background(), link, stt, llm, tts, nil, cfg, STTConfig{})
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	defer call.Close()

	go call.Run()

	link.push(telephony.Frame{Event: "start", Start: telephony.StartPayload{CallSID: "CA1", StreamSID: "MZ1"}})
	waitForEvent(t, call.Events(), BotSpeaking, time.Second)

	// Latch an interim transcript while the greeting audio is still
	// being paced out — this should trigger a SendClear.
	stt.onTranscript(TranscriptEvent{Text: "wait", IsFinal: false})

	waitForEvent(t, call.Events(), Interrupted, time.Second)

	deadline := time.After(time.Second)
	for link.clears == 0 {
		link.mu.Lock()
		n := link.clears
		link.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out waiting for SendClear after barge-in")
		}
	}
}

func TestCallFallsBackOnLLMError(t *testing.T) {
	link := newFakeLink()
	stt := &fakeSTTProvider{}
	llm := &fakeLLMProvider{err: errors.New("boom")}
	tts := &fakeTTSProvider{audio: []byte{1, 2}}

	cfg := testConfig()
	call, err := NewCall(context.Background(), link, stt, llm, tts, nil, cfg, STTConfig{})
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	defer call.Close()

	go call.Run()

	link.push(telephony.Frame{Event: "start", Start: telephony.StartPayload{CallSID: "CA1", StreamSID: "MZ1"}})
	waitForEvent(t, call.Events(), BotSpeaking, time.Second)
	link.push(telephony.Frame{Event: "mark", MarkName: cfg.GreetingMarkName})
	waitForEvent(t, call.Events(), StateChanged, time.Second)

	stt.onTranscript(TranscriptEvent{Text: "garbled", IsFinal: true, SpeechFinal: true})

	waitForEvent(t, call.Events(), ErrorEvent, time.Second)
}

func TestCallEndsOnStopFrame(t *testing.T) {
	link := newFakeLink()
	stt := &fakeSTTProvider{}
	llm := &fakeLLMProvider{reply: "hi."}
	tts := &fakeTTSProvider{audio: []byte{1}}

	call, err := NewCall(context.Background(), link, stt, llm, tts, nil, testConfig(), STTConfig{})
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}

	done := make(chan struct{})
	go func() {
		call.Run()
		close(done)
	}()

	link.push(telephony.Frame{Event: "start", Start: telephony.StartPayload{CallSID: "CA1", StreamSID: "MZ1"}})
	link.push(telephony.Frame{Event: "stop"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Run to return after stop frame")
	}

	if call.State() != Ended {
		t.Fatalf("expected Ended state, got %s", call.State())
	}
}

func TestFakeLinkRecordsBase64Payloads(t *testing.T) {
	// sanity check that fakeLink records base64-encoded payloads, not raw
	// bytes, matching telephony.Link's real wire contract.
	link := newFakeLink()
	_ = link.SendMedia(context.Background(), base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))
	if len(link.media) != 1 {
		t.Fatalf("expected one media payload recorded")
	}
	decoded, err := base64.StdEncoding.DecodeString(link.media[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("expected 3 decoded bytes, got %d", len(decoded))
	}
}
