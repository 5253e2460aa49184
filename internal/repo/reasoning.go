package repo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrQuotaExceeded is returned when the reasoning service rejects a request for rate or quota reasons.
var ErrQuotaExceeded = errors.New("reasoning quota exceeded")

// ReasoningClient calls an OpenAI-compatible chat completions endpoint.
type ReasoningClient struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	httpClient  *http.Client
}

// NewReasoningClient constructs a client; an empty baseURL targets api.openai.com.
func NewReasoningClient(baseURL, apiKey, model string, timeout time.Duration) *ReasoningClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &ReasoningClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       model,
		temperature: 0.1,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// Model returns the configured model name.
func (c *ReasoningClient) Model() string { return c.model }

// Complete sends a system and user prompt and returns the first choice's content.
func (c *ReasoningClient) Complete(ctx context.Context, system, user string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("reasoning client not initialised")
	}
	payload := map[string]any{
		"model":       c.model,
		"temperature": c.temperature,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"response_format": map[string]string{"type": "json_object"},
	}
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}

	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	err := doJSON(ctx, c.httpClient, requestSpec{
		service:  "reasoning service",
		method:   http.MethodPost,
		endpoint: resolvePath(c.baseURL, "/v1/chat/completions"),
		headers:  headers,
		payload:  payload,
	}, &response)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode == http.StatusPaymentRequired) {
			return "", fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	content := strings.TrimSpace(response.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("chat completion returned empty content")
	}
	return content, nil
}
