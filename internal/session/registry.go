package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

// StartRequest describes a new session.
type StartRequest struct {
	Mode   models.Mode
	Source LogSource
	// NotifyEmail enables report emails for this session when a notifier is configured.
	NotifyEmail bool
}

// Registry owns the sessions of every mode. Starting a session aborts the
// previous non-terminal session of the same mode and resets the mode's
// namespace, so at most one session per mode is ever running.
type Registry struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	newID  func() string

	mu      sync.Mutex
	closed  bool
	current map[models.Mode]*Session
	history map[models.Mode][]*Session
	byID    map[string]*Session
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg Config, deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Registry{
		cfg:     cfg.withDefaults(),
		deps:    deps,
		logger:  deps.Logger,
		newID:   uuid.NewString,
		current: make(map[models.Mode]*Session),
		history: make(map[models.Mode][]*Session),
		byID:    make(map[string]*Session),
	}
}

// Start launches a session for req.Mode, superseding any session of that mode.
func (r *Registry) Start(ctx context.Context, req StartRequest) (*Session, error) {
	mode, err := models.ParseMode(string(req.Mode))
	if err != nil {
		return nil, utils.NewAppError(utils.KindInvalidRequest, "start session", err.Error(), err)
	}
	if req.Source == nil {
		return nil, utils.NewAppError(utils.KindInvalidRequest, "start session", "log source is required", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, utils.NewAppError(utils.KindUnavailable, "start session", "registry is shutting down", nil)
	}

	id := r.newID()
	if prev := r.current[mode]; prev != nil && prev.Abort(fmt.Sprintf("superseded by session %s", id)) {
		r.logger.Info("previous session superseded", slog.String("mode", string(mode)), slog.String("previous", prev.ID()), slog.String("session", id))
	}
	if r.deps.Store != nil {
		if err := r.deps.Store.Reset(ctx, mode); err != nil {
			return nil, utils.NewAppError(utils.KindUnavailable, "start session", "reset namespace", err)
		}
	}

	s := newSession(id, mode, req.Source, req.NotifyEmail, r.cfg, r.deps)
	r.current[mode] = s
	r.byID[id] = s
	r.history[mode] = append(r.history[mode], s)
	r.trimLocked(mode)
	s.start()
	return s, nil
}

func (r *Registry) trimLocked(mode models.Mode) {
	sessions := r.history[mode]
	for len(sessions) > r.cfg.SessionHistory {
		evicted := sessions[0]
		if !evicted.State().Terminal() {
			break
		}
		delete(r.byID, evicted.ID())
		sessions = sessions[1:]
	}
	r.history[mode] = sessions
}

// Get returns a session by ID.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, utils.NewAppError(utils.KindNotFound, "get session", fmt.Sprintf("session %s not found", id), nil)
	}
	return s, nil
}

// Active returns the session that currently owns mode's namespace. It may
// already be terminal.
func (r *Registry) Active(mode models.Mode) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.current[mode]
	return s, ok
}

// Stop requests a graceful stop of mode's running session.
func (r *Registry) Stop(mode models.Mode) (*Session, error) {
	s, ok := r.Active(mode)
	if !ok || !s.Stop() {
		return nil, utils.NewAppError(utils.KindNotFound, "stop session", fmt.Sprintf("no running %s session", mode), nil)
	}
	return s, nil
}

// List returns the info of every retained session, newest first.
func (r *Registry) List() []models.SessionInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]models.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.After(infos[j].StartedAt)
	})
	return infos
}

// Shutdown refuses new sessions, aborts the running ones and waits for
// their goroutines to return or ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	active := make([]*Session, 0, len(r.current))
	for _, s := range r.current {
		active = append(active, s)
	}
	r.mu.Unlock()

	for _, s := range active {
		s.Abort("service shutting down")
	}
	for _, s := range active {
		if err := s.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
