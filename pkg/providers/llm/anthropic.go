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

// AnthropicLLM streams Claude's messages API via its
// content_block_delta SSE events (SPEC_FULL.md §B).
type AnthropicLLM struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewAnthropicLLM(apiKey string, model string) *AnthropicLLM {
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	return &AnthropicLLM{
		apiKey: apiKey,
		url:    "https://api.anthropic.com/v1/messages",
		model:  model,
		client: &http.Client{},
	}
}

func (l *AnthropicLLM) StreamComplete(ctx context.Context, messages []session.Message, maxTokens int, onDelta func(string) error) error {
	var system string
	var anthropicMessages []map[string]string

	for _, msg := range messages {
		if msg.Role == "system" {
			system = msg.Content
		} else {
			anthropicMessages = append(anthropicMessages, map[string]string{
				"role":    msg.Role,
				"content": msg.Content,
			})
		}
	}

	if maxTokens <= 0 {
		maxTokens = 1024
	}

	payload := map[string]interface{}{
		"model":      l.model,
		"messages":   anthropicMessages,
		"max_tokens": maxTokens,
		"stream":     true,
	}
	if system != "" {
		payload["system"] = system
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
	req.Header.Set("x-api-key", l.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrLLMFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: anthropic status %d: %s", session.ErrLLMFailed, resp.StatusCode, string(respBody))
	}

	return scanSSELines(resp.Body, func(payload string) error {
		var event struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return nil
		}
		if event.Type != "content_block_delta" || event.Delta.Type != "text_delta" {
			return nil
		}
		if event.Delta.Text == "" {
			return nil
		}
		return onDelta(event.Delta.Text)
	})
}

func (l *AnthropicLLM) Name() string {
	return "anthropic-llm"
}
