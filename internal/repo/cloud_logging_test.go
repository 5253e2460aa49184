package repo

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

func TestListEntriesSendsFilterAndToken(t *testing.T) {
	client := NewCloudLoggingClient("https://logging.example.com", "proj-1", "tok", time.Second)
	client.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/v2/entries:list" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("unexpected auth header %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["filter"] != `severity>=WARNING` || body["pageToken"] != "next" {
			t.Fatalf("unexpected body: %+v", body)
		}
		names, _ := body["resourceNames"].([]any)
		if len(names) != 1 || names[0] != "projects/proj-1" {
			t.Fatalf("unexpected resource names: %+v", body["resourceNames"])
		}
		return jsonResponse(t, http.StatusOK, map[string]any{
			"entries":       []map[string]any{{"textPayload": "boom", "severity": "ERROR"}},
			"nextPageToken": "more",
		}), nil
	}))

	page, err := client.ListEntries(context.Background(), "severity>=WARNING", 50, "next")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Entries) != 1 || page.NextPageToken != "more" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestValidateReportsUpstreamRejection(t *testing.T) {
	client := NewCloudLoggingClient("https://logging.example.com", "proj-1", "bad", time.Second)
	client.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(t, http.StatusUnauthorized, map[string]any{"error": "invalid token"}), nil
	}))
	if err := client.Validate(context.Background()); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidateRequiresProjectAndToken(t *testing.T) {
	if err := NewCloudLoggingClient("", "", "tok", 0).Validate(context.Background()); err == nil {
		t.Fatalf("expected error without project")
	}
	if err := NewCloudLoggingClient("", "proj", "", 0).Validate(context.Background()); err == nil {
		t.Fatalf("expected error without token")
	}
}
