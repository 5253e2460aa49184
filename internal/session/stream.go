package session

import (
	"context"
	"errors"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

// ErrStreamBusy is returned when a session already has a stream reader.
var ErrStreamBusy = errors.New("session report stream already has a reader")

// Stream returns the session's reports in production order followed by a
// terminal marker carrying the final total and state. Reports produced
// before the call are replayed first. Only one reader is allowed at a time;
// cancelling ctx releases the slot without affecting the session.
func (s *Session) Stream(ctx context.Context) (<-chan models.StreamEvent, error) {
	s.mu.Lock()
	if s.reading {
		s.mu.Unlock()
		return nil, ErrStreamBusy
	}
	s.reading = true
	s.mu.Unlock()

	out := make(chan models.StreamEvent, s.cfg.StreamBuffer)
	go func() {
		defer close(out)
		defer s.releaseReader()

		next := 0
		for {
			s.mu.Lock()
			pending := s.reports[next:len(s.reports):len(s.reports)]
			state := s.state
			total := len(s.reports)
			changed := s.changed
			s.mu.Unlock()

			for i := range pending {
				report := pending[i]
				select {
				case out <- models.StreamEvent{Report: &report}:
					next++
				case <-ctx.Done():
					return
				}
			}
			if len(pending) > 0 {
				continue
			}
			if state.Terminal() {
				select {
				case out <- models.StreamEvent{Done: true, Total: total, State: state}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Session) releaseReader() {
	s.mu.Lock()
	s.reading = false
	s.mu.Unlock()
}
