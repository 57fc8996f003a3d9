package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/lokutor-ai/telephone-agent/pkg/session"
)

// DeepgramSTT is the sole live streaming STT provider (SPEC_FULL.md §B):
// it opens one long-lived duplex websocket per call, matching
// original_source/src/stt.py exactly (query parameters, Authorization
// header, Results/UtteranceEnd message shapes, CloseStream sentinel).
type DeepgramSTT struct {
	apiKey string
	host   string
	scheme string
}

func NewDeepgramSTT(apiKey string) *DeepgramSTT {
	return &DeepgramSTT{apiKey: apiKey, host: "api.deepgram.com", scheme: "wss"}
}

func (s *DeepgramSTT) Name() string {
	return "deepgram-stt"
}

func (s *DeepgramSTT) Connect(ctx context.Context, cfg session.STTConfig, onTranscript func(session.TranscriptEvent)) (session.STTStream, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("%w: deepgram api key is empty", session.ErrSTTAuthFailed)
	}

	scheme := s.scheme
	if scheme == "" {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: s.host, Path: "/v1/listen"}
	q := u.Query()
	q.Set("model", orDefault(cfg.Model, "nova-2"))
	q.Set("language", orDefault(cfg.Language, "en-US"))
	q.Set("encoding", orDefault(cfg.Encoding, "mulaw"))
	q.Set("sample_rate", strconv.Itoa(orDefaultInt(cfg.SampleRate, 8000)))
	q.Set("channels", strconv.Itoa(orDefaultInt(cfg.Channels, 1)))
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("vad_events", strconv.FormatBool(cfg.VADEvents))
	q.Set("utterance_end_ms", strconv.Itoa(int(orDefaultMillis(cfg.UtteranceEnd, 1000))))
	q.Set("endpointing", strconv.Itoa(int(orDefaultMillis(cfg.Endpointing, 300))))
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: map[string][]string{
			"Authorization": {"Token " + s.apiKey},
		},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == 403 {
			return nil, fmt.Errorf("%w: deepgram rejected credentials", session.ErrSTTAuthFailed)
		}
		return nil, fmt.Errorf("%w: %v", session.ErrSTTConnectFailed, err)
	}

	stream := &deepgramStream{conn: conn}

	streamCtx, cancel := context.WithCancel(ctx)
	stream.cancel = cancel

	go stream.receiveLoop(streamCtx, onTranscript)

	return stream, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultMillis(v time.Duration, def int64) int64 {
	ms := v.Milliseconds()
	if ms == 0 {
		return def
	}
	return ms
}

type deepgramStream struct {
	conn   *websocket.Conn
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (d *deepgramStream) SendAudio(payload []byte) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil
	}
	return d.conn.Write(context.Background(), websocket.MessageBinary, payload)
}

func (d *deepgramStream) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	ctx := context.Background()
	_ = d.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
	d.cancel()
	return d.conn.Close(websocket.StatusNormalClosure, "")
}

func (d *deepgramStream) receiveLoop(ctx context.Context, onTranscript func(session.TranscriptEvent)) {
	for {
		_, raw, err := d.conn.Read(ctx)
		if err != nil {
			return
		}

		var msg deepgramMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			alt := msg.Channel.Alternatives[0]
			text := trimSpace(alt.Transcript)
			if text == "" {
				continue
			}
			onTranscript(session.TranscriptEvent{
				Text:        text,
				IsFinal:     msg.IsFinal,
				SpeechFinal: msg.SpeechFinal,
				Confidence:  alt.Confidence,
			})
		case "UtteranceEnd":
			// End-of-turn marker with no transcript text of its own; the
			// preceding Results message with speech_final already
			// triggered utterance dispatch.
		}
	}
}

type deepgramMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpaceByte(s[start]) {
		start++
	}
	for end > start && isSpaceByte(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
