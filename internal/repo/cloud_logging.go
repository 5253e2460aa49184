package repo

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// EntriesPage is one page of Cloud Logging entries.
type EntriesPage struct {
	Entries       []map[string]any `json:"entries"`
	NextPageToken string           `json:"nextPageToken"`
}

// CloudLoggingClient wraps the Cloud Logging v2 entries:list REST API.
type CloudLoggingClient struct {
	baseURL    string
	projectID  string
	token      string
	httpClient *http.Client
}

// NewCloudLoggingClient constructs a client for projectID authenticated with a bearer token.
func NewCloudLoggingClient(baseURL, projectID, token string, timeout time.Duration) *CloudLoggingClient {
	if baseURL == "" {
		baseURL = "https://logging.googleapis.com"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CloudLoggingClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		projectID:  projectID,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ProjectID returns the configured project.
func (c *CloudLoggingClient) ProjectID() string {
	if c == nil {
		return ""
	}
	return c.projectID
}

// ListEntries fetches one page of entries matching filter, oldest first.
func (c *CloudLoggingClient) ListEntries(ctx context.Context, filter string, pageSize int, pageToken string) (EntriesPage, error) {
	if c == nil {
		return EntriesPage{}, fmt.Errorf("cloud logging client not initialised")
	}
	if c.projectID == "" {
		return EntriesPage{}, fmt.Errorf("cloud logging project not configured")
	}
	payload := map[string]any{
		"resourceNames": []string{"projects/" + c.projectID},
		"orderBy":       "timestamp asc",
	}
	if filter != "" {
		payload["filter"] = filter
	}
	if pageSize > 0 {
		payload["pageSize"] = pageSize
	}
	if pageToken != "" {
		payload["pageToken"] = pageToken
	}

	var page EntriesPage
	err := doJSON(ctx, c.httpClient, requestSpec{
		service:  "cloud logging",
		method:   http.MethodPost,
		endpoint: resolvePath(c.baseURL, "/v2/entries:list"),
		headers:  c.authHeaders(),
		payload:  payload,
	}, &page)
	if err != nil {
		return EntriesPage{}, fmt.Errorf("cloud logging entries request failed: %w", err)
	}
	return page, nil
}

// Validate checks that the credentials can read the project's logs.
func (c *CloudLoggingClient) Validate(ctx context.Context) error {
	if c == nil || c.projectID == "" {
		return fmt.Errorf("cloud logging project not configured")
	}
	if c.token == "" {
		return fmt.Errorf("cloud logging access token not configured")
	}
	if _, err := c.ListEntries(ctx, "", 1, ""); err != nil {
		return fmt.Errorf("validate cloud logging credentials: %w", err)
	}
	return nil
}

func (c *CloudLoggingClient) authHeaders() map[string]string {
	if c.token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.token}
}
