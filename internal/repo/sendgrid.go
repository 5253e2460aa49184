package repo

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Email is one outgoing message.
type Email struct {
	From    string
	To      []string
	Subject string
	Text    string
	HTML    string
}

// SendGridClient delivers email through the SendGrid v3 mail/send API.
type SendGridClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewSendGridClient constructs a client; an empty baseURL targets api.sendgrid.com.
func NewSendGridClient(baseURL, apiKey string, timeout time.Duration) *SendGridClient {
	if baseURL == "" {
		baseURL = "https://api.sendgrid.com"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SendGridClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Send delivers msg. SendGrid acknowledges accepted mail with 202.
func (c *SendGridClient) Send(ctx context.Context, msg Email) error {
	if c == nil {
		return fmt.Errorf("sendgrid client not initialised")
	}
	if c.apiKey == "" {
		return fmt.Errorf("sendgrid api key not configured")
	}
	if msg.From == "" || len(msg.To) == 0 {
		return fmt.Errorf("email sender and recipients are required")
	}

	to := make([]map[string]string, 0, len(msg.To))
	for _, addr := range msg.To {
		to = append(to, map[string]string{"email": addr})
	}
	content := []map[string]string{{"type": "text/plain", "value": msg.Text}}
	if msg.HTML != "" {
		content = append(content, map[string]string{"type": "text/html", "value": msg.HTML})
	}
	payload := map[string]any{
		"personalizations": []map[string]any{{"to": to}},
		"from":             map[string]string{"email": msg.From},
		"subject":          msg.Subject,
		"content":          content,
	}

	err := doJSON(ctx, c.httpClient, requestSpec{
		service:  "sendgrid",
		method:   http.MethodPost,
		endpoint: resolvePath(c.baseURL, "/v3/mail/send"),
		headers:  map[string]string{"Authorization": "Bearer " + c.apiKey},
		payload:  payload,
		accept:   []int{http.StatusOK, http.StatusAccepted},
	}, nil)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
