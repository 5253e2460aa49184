package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

const maxErrorBody = 4 << 10

// StatusError reports a non-success HTTP response from an upstream service.
type StatusError struct {
	Service    string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned %s", e.Service, e.Status)
	}
	return fmt.Sprintf("%s returned %s: %s", e.Service, e.Status, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type requestSpec struct {
	service  string
	method   string
	endpoint string
	headers  map[string]string
	payload  any
	accept   []int
}

func doJSON(ctx context.Context, client *http.Client, spec requestSpec, out any) error {
	if spec.endpoint == "" {
		return fmt.Errorf("%s: empty endpoint", spec.service)
	}
	var body io.Reader
	if spec.payload != nil {
		data, err := json.Marshal(spec.payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, spec.method, spec.endpoint, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range spec.headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !acceptStatus(resp.StatusCode, spec.accept) {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Service:    spec.service,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", spec.service, err)
	}
	return nil
}

func acceptStatus(code int, accept []int) bool {
	if len(accept) == 0 {
		return code == http.StatusOK
	}
	for _, c := range accept {
		if c == code {
			return true
		}
	}
	return false
}

func resolvePath(baseURL, p string) string {
	if baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(baseURL)
	if err != nil {
		return strings.TrimRight(baseURL, "/") + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}
