package api

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/rules"
	"github.com/miradorstack/mirador-logwatch/internal/session"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

// SessionService is the application surface shared by the HTTP and gRPC transports.
type SessionService interface {
	StartSimulation(ctx context.Context, r io.Reader, notify bool) (*session.Session, error)
	StartLive(ctx context.Context, notify bool) (*session.Session, error)
	Stop(mode models.Mode) (*session.Session, error)
	// Session resolves a session ID, or a mode name to that mode's current session.
	Session(ref string) (*session.Session, error)
	Sessions() []models.SessionInfo
	Rules() []*rules.Rule
}

const defaultMaxUploadBytes = 50 << 20

// Router wires HTTP endpoints to the session service.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	svc       SessionService
	upgrader  websocket.Upgrader
	maxUpload int64
	now       func() time.Time
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svc SessionService, maxUploadBytes int64) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		svc:    svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		maxUpload: maxUploadBytes,
		now:       time.Now,
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("GET /healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("GET /api/rules", r.audit(r.handleRules))
	r.mux.HandleFunc("POST /api/sessions/simulation", r.audit(r.handleStartSimulation))
	r.mux.HandleFunc("POST /api/sessions/live", r.audit(r.handleStartLive))
	r.mux.HandleFunc("POST /api/sessions/{mode}/stop", r.audit(r.handleStop))
	r.mux.HandleFunc("GET /api/sessions", r.audit(r.handleListSessions))
	r.mux.HandleFunc("GET /api/sessions/{id}", r.audit(r.handleGetSession))
	r.mux.HandleFunc("GET /api/sessions/{id}/reports", r.audit(r.handleReports))
	r.mux.HandleFunc("GET /ws/sessions/{id}", r.audit(r.handleSessionWS))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ruleView struct {
	Name        string          `json:"name"`
	Severity    models.Severity `json:"severity"`
	Author      string          `json:"author,omitempty"`
	Description string          `json:"description,omitempty"`
	Source      string          `json:"source,omitempty"`
	Predicates  []string        `json:"predicates"`
	Condition   string          `json:"condition"`
}

func (r *Router) handleRules(w http.ResponseWriter, req *http.Request) {
	loaded := r.svc.Rules()
	views := make([]ruleView, 0, len(loaded))
	for _, rule := range loaded {
		preds := rule.Predicates()
		exprs := make([]string, 0, len(preds))
		for _, p := range preds {
			exprs = append(exprs, p.String())
		}
		views = append(views, ruleView{
			Name:        rule.Name,
			Severity:    rule.Severity,
			Author:      rule.Author,
			Description: rule.Description,
			Source:      rule.Source,
			Predicates:  exprs,
			Condition:   rule.Condition(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": views, "count": len(views)})
}

func (r *Router) handleStartSimulation(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, r.maxUpload)
	body, err := r.readUpload(req)
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, "empty upload")
		return
	}
	sess, err := r.svc.StartSimulation(req.Context(), bytes.NewReader(body), queryBool(req, "notify_email"))
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess.Info())
}

// readUpload returns the raw request body, or the "file" part of a multipart form.
func (r *Router) readUpload(req *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return io.ReadAll(req.Body)
	}
	mr, err := req.MultipartReader()
	if err != nil {
		return nil, utils.NewAppError(utils.KindInvalidRequest, "upload", "malformed multipart body", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, utils.NewAppError(utils.KindInvalidRequest, "upload", `multipart field "file" is required`, nil)
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			defer part.Close()
			return io.ReadAll(part)
		}
		part.Close()
	}
}

func (r *Router) handleStartLive(w http.ResponseWriter, req *http.Request) {
	sess, err := r.svc.StartLive(req.Context(), queryBool(req, "notify_email"))
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess.Info())
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request) {
	mode, err := models.ParseMode(req.PathValue("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := r.svc.Stop(mode)
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess.Info())
}

func (r *Router) handleListSessions(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": r.svc.Sessions()})
}

func (r *Router) handleGetSession(w http.ResponseWriter, req *http.Request) {
	sess, err := r.svc.Session(req.PathValue("id"))
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	info, reports := sess.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"session": info, "reports": reports})
}

// handleReports streams the session's reports as newline-delimited JSON,
// ending with the terminal marker.
func (r *Router) handleReports(w http.ResponseWriter, req *http.Request) {
	sess, err := r.svc.Session(req.PathValue("id"))
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	events, err := sess.Stream(req.Context())
	if err != nil {
		r.writeAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(StreamPayload(ev)); err != nil {
			r.logger.Debug("report stream client went away", slog.String("session", sess.ID()), slog.Any("error", err))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type wsFrame struct {
	Type      string                 `json:"type"`
	Session   *models.SessionInfo    `json:"session,omitempty"`
	Report    *models.IncidentReport `json:"report,omitempty"`
	Total     *int                   `json:"total,omitempty"`
	State     models.SessionState    `json:"state,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Timestamp *time.Time             `json:"timestamp,omitempty"`
}

// handleSessionWS pushes report frames and then a done frame. Client
// messages are read concurrently to answer heartbeats and detect disconnects.
func (r *Router) handleSessionWS(w http.ResponseWriter, req *http.Request) {
	sess, err := r.svc.Session(req.PathValue("id"))
	if err != nil {
		r.writeAppError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writeMu sync.Mutex
	send := func(frame wsFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(frame)
	}

	go func() {
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				_ = send(wsFrame{Type: "error", Message: "invalid JSON message"})
				continue
			}
			if msg.Type == "heartbeat" {
				ts := r.now().UTC()
				_ = send(wsFrame{Type: "heartbeat_ack", Timestamp: &ts})
			}
		}
	}()

	events, err := sess.Stream(ctx)
	if err != nil {
		_ = send(wsFrame{Type: "error", Message: err.Error()})
		return
	}
	info := sess.Info()
	if err := send(wsFrame{Type: "connection", Session: &info}); err != nil {
		return
	}
	for ev := range events {
		frame := wsFrame{Type: "report", Report: ev.Report}
		if ev.Done {
			total := ev.Total
			frame = wsFrame{Type: "done", Total: &total, State: ev.State}
		}
		if err := send(frame); err != nil {
			return
		}
	}
	writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete"), time.Now().Add(time.Second))
	writeMu.Unlock()
}

func (r *Router) writeAppError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		r.logger.Error("request failed", slog.Any("error", err))
	}
	writeError(w, status, err.Error())
}

func queryBool(req *http.Request, key string) bool {
	v, err := strconv.ParseBool(req.URL.Query().Get(key))
	return err == nil && v
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		r.logger.Debug("http request",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("status", status),
			slog.Int("bytes", recorder.bytes),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	sr.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
