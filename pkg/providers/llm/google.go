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

// GoogleLLM streams Gemini's streamGenerateContent endpoint using its
// alt=sse query parameter (SPEC_FULL.md §B).
type GoogleLLM struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewGoogleLLM(apiKey string, model string) *GoogleLLM {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GoogleLLM{
		apiKey: apiKey,
		url:    "https://generativelanguage.googleapis.com/v1beta/models/" + model + ":streamGenerateContent",
		model:  model,
		client: &http.Client{},
	}
}

func (l *GoogleLLM) StreamComplete(ctx context.Context, messages []session.Message, maxTokens int, onDelta func(string) error) error {
	type googlePart struct {
		Text string `json:"text"`
	}
	type googleMessage struct {
		Role  string       `json:"role"`
		Parts []googlePart `json:"parts"`
	}

	var googleMessages []googleMessage
	for _, m := range messages {
		role := m.Role
		if role == "system" {
			role = "user"
		}
		if role == "assistant" {
			role = "model"
		}
		googleMessages = append(googleMessages, googleMessage{
			Role:  role,
			Parts: []googlePart{{Text: m.Content}},
		})
	}

	payload := map[string]interface{}{
		"contents": googleMessages,
	}
	if maxTokens > 0 {
		payload["generationConfig"] = map[string]interface{}{"maxOutputTokens": maxTokens}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url+"?alt=sse&key="+l.apiKey, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrLLMFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: google status %d: %s", session.ErrLLMFailed, resp.StatusCode, string(respBody))
	}

	return scanSSELines(resp.Body, func(payload string) error {
		var chunk struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return nil
		}
		if len(chunk.Candidates) == 0 || len(chunk.Candidates[0].Content.Parts) == 0 {
			return nil
		}
		text := chunk.Candidates[0].Content.Parts[0].Text
		if text == "" {
			return nil
		}
		return onDelta(text)
	})
}

func (l *GoogleLLM) Name() string {
	return "google-llm"
}
