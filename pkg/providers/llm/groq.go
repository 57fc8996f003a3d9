package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lokutor-ai/telephone-agent/pkg/session"
)

// GroqLLM fills the gap the teacher's own cmd/agent/main.go referenced
// but never committed (SPEC_FULL.md §B): Groq serves the same
// OpenAI-compatible chat-completions streaming shape, just against a
// different host and model catalogue.
type GroqLLM struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewGroqLLM(apiKey string, model string) *GroqLLM {
	if model == "" {
		model = "llama3-70b-8192"
	}
	return &GroqLLM{
		apiKey: apiKey,
		url:    "https://api.groq.com/openai/v1/chat/completions",
		model:  model,
		client: &http.Client{},
	}
}

func (l *GroqLLM) StreamComplete(ctx context.Context, messages []session.Message, maxTokens int, onDelta func(string) error) error {
	payload := map[string]interface{}{
		"model":    l.model,
		"messages": messages,
		"stream":   true,
	}
	if maxTokens > 0 {
		payload["max_tokens"] = maxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrLLMFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: groq status %d: %s", session.ErrLLMFailed, resp.StatusCode, string(respBody))
	}

	return scanSSELines(resp.Body, func(payload string) error {
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return nil
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			return nil
		}
		return onDelta(delta)
	})
}

func (l *GroqLLM) Name() string {
	return "groq-llm"
}
