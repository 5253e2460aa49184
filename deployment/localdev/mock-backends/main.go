package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Fakes for the three HTTP backends the engine talks to: chat completions,
// Cloud Logging entries:list and SendGrid mail send.

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		severity := "medium"
		for _, m := range req.Messages {
			if strings.Contains(m.Content, `"severity": "critical"`) {
				severity = "critical"
			} else if strings.Contains(m.Content, `"severity": "high"`) {
				severity = "high"
			}
		}
		report := map[string]any{
			"title":         "Mock incident analysis",
			"severity":      severity,
			"issue_summary": "Repeated error events were detected for the affected resources.",
			"root_cause":    "Mock reasoning backend: upstream dependency failures.",
			"impact":        "Requests to the affected service may fail intermittently.",
			"confidence":    0.7,
		}
		content, _ := json.Marshal(report)
		writeJSON(w, map[string]any{
			"id":    "chatcmpl-mock",
			"model": req.Model,
			"choices": []map[string]any{
				{"index": 0, "message": map[string]string{"role": "assistant", "content": "```json\n" + string(content) + "\n```"}},
			},
		})
	})

	feed := newLogFeed()
	mux.HandleFunc("/v2/entries:list", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		writeJSON(w, map[string]any{"entries": feed.next()})
	})

	mux.HandleFunc("/v3/mail/send", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	logger := log.New(log.Writer(), "backend-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8090",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8090")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

// logFeed emits a couple of fresh entries per poll, alternating between a
// noisy database and a healthy frontend.
type logFeed struct {
	mu  sync.Mutex
	seq int
}

func newLogFeed() *logFeed { return &logFeed{} }

func (f *logFeed) next() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	now := time.Now().UTC()
	entries := []map[string]any{
		{
			"insertId":    "mock-info-" + strconv.Itoa(f.seq),
			"timestamp":   now.Format(time.RFC3339Nano),
			"severity":    "INFO",
			"textPayload": "GET /healthz 200",
			"resource":    map[string]any{"type": "cloud_run_revision", "labels": map[string]any{"service_name": "frontend"}},
		},
	}
	if f.seq%2 == 0 {
		entries = append(entries, map[string]any{
			"insertId":    "mock-err-" + strconv.Itoa(f.seq),
			"timestamp":   now.Format(time.RFC3339Nano),
			"severity":    "ERROR",
			"textPayload": "dial tcp 10.0.0.12:5432: connection refused",
			"resource":    map[string]any{"type": "cloudsql_database", "labels": map[string]any{"database_id": "orders"}},
		})
	}
	return entries
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
