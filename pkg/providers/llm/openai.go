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

// OpenAILLM drives OpenAI's chat-completions endpoint in streaming mode
// (SPEC_FULL.md §B): the Dialogue Engine needs token deltas as they
// arrive to feed sentence segmentation, not a single blocking response.
type OpenAILLM struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewOpenAILLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAILLM{
		apiKey: apiKey,
		url:    "https://api.openai.com/v1/chat/completions",
		model:  model,
		client: &http.Client{},
	}
}

func (l *OpenAILLM) StreamComplete(ctx context.Context, messages []session.Message, maxTokens int, onDelta func(string) error) error {
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
		return fmt.Errorf("%w: openai status %d: %s", session.ErrLLMFailed, resp.StatusCode, string(respBody))
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

func (l *OpenAILLM) Name() string {
	return "openai-llm"
}
