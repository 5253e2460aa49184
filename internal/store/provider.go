package store

import (
	"context"
	"errors"
	"sync"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

// Namespace is the per-mode storage a pipeline session writes its results to.
// Each mode has its own namespace; a new session resets it before running.
type Namespace interface {
	Reset(ctx context.Context, mode models.Mode) error
	AppendReport(ctx context.Context, mode models.Mode, report models.IncidentReport) error
	Reports(ctx context.Context, mode models.Mode) ([]models.IncidentReport, error)
	SaveSession(ctx context.Context, info models.SessionInfo) error
	Session(ctx context.Context, mode models.Mode) (models.SessionInfo, error)
	Close() error
}

// ErrNotFound signals that the namespace holds no session record.
var ErrNotFound = errors.New("not found")

// MemoryNamespace keeps namespaces in process memory.
type MemoryNamespace struct {
	mu       sync.RWMutex
	reports  map[models.Mode][]models.IncidentReport
	sessions map[models.Mode]models.SessionInfo
}

// NewMemoryNamespace returns an empty in-memory namespace store.
func NewMemoryNamespace() *MemoryNamespace {
	return &MemoryNamespace{
		reports:  make(map[models.Mode][]models.IncidentReport),
		sessions: make(map[models.Mode]models.SessionInfo),
	}
}

// Reset drops everything stored for mode.
func (m *MemoryNamespace) Reset(_ context.Context, mode models.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reports, mode)
	delete(m.sessions, mode)
	return nil
}

// AppendReport adds a report to the end of mode's report log.
func (m *MemoryNamespace) AppendReport(_ context.Context, mode models.Mode, report models.IncidentReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[mode] = append(m.reports[mode], report)
	return nil
}

// Reports returns a copy of mode's report log.
func (m *MemoryNamespace) Reports(_ context.Context, mode models.Mode) ([]models.IncidentReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.IncidentReport(nil), m.reports[mode]...), nil
}

// SaveSession records the latest view of the mode's session.
func (m *MemoryNamespace) SaveSession(_ context.Context, info models.SessionInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[info.Mode] = info
	return nil
}

// Session returns the stored session view, or ErrNotFound.
func (m *MemoryNamespace) Session(_ context.Context, mode models.Mode) (models.SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.sessions[mode]
	if !ok {
		return models.SessionInfo{}, ErrNotFound
	}
	return info, nil
}

// Close is a no-op.
func (m *MemoryNamespace) Close() error { return nil }
