package llm

import (
	"bufio"
	"io"
	"strings"
)

// scanSSELines walks a Server-Sent-Events body line by line, handing
// each "data: ..." payload to onData. It stops at a literal "[DONE]"
// payload or at EOF. Shared by all four streaming providers (OpenAI,
// Groq, Anthropic, Google); each parses its own payload shape in onData.
func scanSSELines(body io.Reader, onData func(payload string) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return nil
		}
		if err := onData(payload); err != nil {
			return err
		}
	}
	return scanner.Err()
}
