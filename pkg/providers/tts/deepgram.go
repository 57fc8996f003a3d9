package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lokutor-ai/telephone-agent/pkg/session"
)

// DeepgramTTS is the primary TTS provider (SPEC_FULL.md §B, §G),
// grounded directly in original_source/src/tts.py: a shared HTTP
// client with a ~30s timeout posting {"text": ...} to Deepgram's Aura
// speak endpoint and returning mulaw-encoded audio.
type DeepgramTTS struct {
	apiKey     string
	baseURL    string
	model      string
	sampleRate int
	client     *http.Client

	mu      sync.Mutex
	aborted bool
	cancel  context.CancelFunc
}

func NewDeepgramTTS(apiKey, model string, sampleRate int) *DeepgramTTS {
	if model == "" {
		model = "aura-asteria-en"
	}
	if sampleRate == 0 {
		sampleRate = 8000
	}
	return &DeepgramTTS{
		apiKey:     apiKey,
		baseURL:    "https://api.deepgram.com/v1/speak",
		model:      model,
		sampleRate: sampleRate,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *DeepgramTTS) Name() string {
	return "deepgram-tts"
}

func (t *DeepgramTTS) url() string {
	return fmt.Sprintf("%s?model=%s&encoding=mulaw&sample_rate=%d", t.baseURL, t.model, t.sampleRate)
}

func (t *DeepgramTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.aborted = false
	t.cancel = cancel
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.cancel = nil
		t.mu.Unlock()
		cancel()
	}()

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.url(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrTTSFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: deepgram tts status %d: %s", session.ErrTTSFailed, resp.StatusCode, string(respBody))
	}

	return io.ReadAll(resp.Body)
}

// StreamSynthesize reads the HTTP response body in fixed chunks,
// matching synthesize_streaming's 1024-byte read size, so callers can
// start pacing audio out before the full utterance has downloaded.
func (t *DeepgramTTS) StreamSynthesize(ctx context.Context, text string, onChunk func([]byte) error) error {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.aborted = false
	t.cancel = cancel
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.cancel = nil
		t.mu.Unlock()
		cancel()
	}()

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.url(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrTTSFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: deepgram tts status %d: %s", session.ErrTTSFailed, resp.StatusCode, string(respBody))
	}

	buf := make([]byte, 1024)
	for {
		t.mu.Lock()
		aborted := t.aborted
		t.mu.Unlock()
		if aborted {
			return nil
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			if cbErr := onChunk(buf[:n]); cbErr != nil {
				return cbErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", session.ErrTTSFailed, err)
		}
	}
}

// Abort cuts short any in-flight Synthesize/StreamSynthesize call: it
// cancels the request's context (unblocking a pending HTTP read
// immediately) and marks the StreamSynthesize read loop to stop on its
// next iteration. Called from the Session Controller's barge-in path
// (spec.md §4.6), the same point the teacher's managed_stream.go calls
// its own tts.Abort().
func (t *DeepgramTTS) Abort() error {
	t.mu.Lock()
	t.aborted = true
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
