package llmtransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPTransport calls an OpenAI-compatible chat-completions endpoint.
// Grounded on the teacher's matrix.HTTPSender: a held *http.Client, a
// bearer token header, a JSON body built with encoding/json, and a
// status-code check against the raw response body on failure.
type HTTPTransport struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	model    string
	provider string
}

// NewHTTPTransport builds a transport against baseURL (an OpenAI-compatible
// /v1/chat/completions root) using apiKey as a bearer token. provider is a
// short label (e.g. "openai", "anthropic") stored on llm_calls rows, not
// sent on the wire.
func NewHTTPTransport(client *http.Client, baseURL, apiKey, model, provider string) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPTransport{
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		model:    model,
		provider: provider,
	}
}

func (t *HTTPTransport) Name() string { return t.provider }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends prompt as a single user message and returns the first
// choice's content verbatim, unparsed. Call applies JSON extraction and
// classification on top of this; Complete's only job is to get text back
// from the wire or report why it couldn't.
func (t *HTTPTransport) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    t.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("llmtransport: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llmtransport: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err // may wrap context.DeadlineExceeded; Call unwraps it
	}
	defer resp.Body.Close()

	out, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("llmtransport: provider %s returned status %d: %s", t.provider, resp.StatusCode, compact(out))
	}
	if readErr != nil {
		return "", fmt.Errorf("llmtransport: read response: %w", readErr)
	}

	var parsed chatResponse
	if err := json.Unmarshal(out, &parsed); err != nil {
		return "", fmt.Errorf("llmtransport: decode provider envelope: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llmtransport: provider %s returned no choices", t.provider)
	}
	return parsed.Choices[0].Message.Content, nil
}

func compact(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 500 {
		s = s[:500] + "..."
	}
	return s
}
