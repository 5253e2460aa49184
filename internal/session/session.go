package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/miradorstack/mirador-logwatch/internal/engine"
	"github.com/miradorstack/mirador-logwatch/internal/ingest"
	"github.com/miradorstack/mirador-logwatch/internal/metrics"
	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/store"
)

// LogSource yields batches of raw payloads. Next returns io.EOF once a
// finite source is exhausted; live sources may return empty batches.
type LogSource interface {
	Next(ctx context.Context) ([]models.RawLog, error)
}

type skipCounter interface {
	Skipped() int64
}

// Evaluator matches rules against single events.
type Evaluator interface {
	Evaluate(event models.LogEvent) []models.Anomaly
}

// ReportGenerator turns a closed group into a report and never fails.
type ReportGenerator interface {
	Generate(ctx context.Context, group *models.AnomalyGroup) models.IncidentReport
}

// Notifier delivers report emails.
type Notifier interface {
	Notify(ctx context.Context, report models.IncidentReport) (bool, error)
}

// Archiver persists the reports of a completed session.
type Archiver interface {
	Archive(ctx context.Context, info models.SessionInfo, reports []models.IncidentReport) error
}

// Config tunes sessions.
type Config struct {
	Window                time.Duration
	MaxMembers            int
	SimilarityBuckets     bool
	GenerationConcurrency int64
	GenerationTimeout     time.Duration
	StreamBuffer          int
	SessionHistory        int
	NotifyTimeout         time.Duration
	ArchiveTimeout        time.Duration
	StoreTimeout          time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = engine.DefaultWindow
	}
	if c.GenerationConcurrency <= 0 {
		c.GenerationConcurrency = 4
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 60 * time.Second
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = 16
	}
	if c.SessionHistory <= 0 {
		c.SessionHistory = 8
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 30 * time.Second
	}
	if c.ArchiveTimeout <= 0 {
		c.ArchiveTimeout = 2 * time.Minute
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 2 * time.Second
	}
	return c
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Engine    Evaluator
	Generator ReportGenerator
	Store     store.Namespace
	Notifier  Notifier
	Archiver  Archiver
	Logger    *slog.Logger
}

// Session is one run of the pipeline over one log source. A single goroutine
// ingests, evaluates and groups in arrival order; closed groups are handed to
// generation goroutines bounded by a semaphore.
type Session struct {
	id     string
	mode   models.Mode
	source LogSource
	notify bool
	cfg    Config
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted

	inflight sync.WaitGroup
	done     chan struct{}

	mu          sync.Mutex
	state       models.SessionState
	started     bool
	stopping    bool
	stopIngest  context.CancelFunc
	reports     []models.IncidentReport
	changed     chan struct{}
	reading     bool
	startedAt   time.Time
	finishedAt  time.Time
	abortReason string
	lastErr     string
	stats       models.SessionStats
}

func newSession(id string, mode models.Mode, source LogSource, notify bool, cfg Config, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:      id,
		mode:    mode,
		source:  source,
		notify:  notify,
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With(slog.String("session", id), slog.String("mode", string(mode))),
		tracer:  otel.Tracer("mirador.logwatch.session"),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		sem:     semaphore.NewWeighted(cfg.GenerationConcurrency),
		done:    make(chan struct{}),
		state:   models.SessionCreated,
		changed: make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Mode returns the session mode.
func (s *Session) Mode() models.Mode { return s.mode }

// Done is closed once the pipeline goroutine and every generation call have returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until Done or ctx expires.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle state.
func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a point-in-time view of the session.
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() models.SessionInfo {
	return models.SessionInfo{
		ID:          s.id,
		Mode:        s.mode,
		State:       s.state,
		StartedAt:   s.startedAt,
		FinishedAt:  s.finishedAt,
		ReportCount: len(s.reports),
		AbortReason: s.abortReason,
		LastError:   s.lastErr,
		Stats:       s.stats,
	}
}

// Snapshot returns the session info and a copy of every report produced so far.
func (s *Session) Snapshot() (models.SessionInfo, []models.IncidentReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked(), append([]models.IncidentReport(nil), s.reports...)
}

func (s *Session) start() {
	s.mu.Lock()
	if s.state != models.SessionCreated {
		s.mu.Unlock()
		close(s.done)
		return
	}
	s.state = models.SessionRunning
	s.started = true
	s.startedAt = s.now().UTC()
	ingestCtx, stopIngest := context.WithCancel(s.ctx)
	s.stopIngest = stopIngest
	s.persistLocked()
	s.broadcastLocked()
	s.mu.Unlock()

	metrics.SessionStarted(string(s.mode))
	s.logger.Info("session started")
	go s.run(ingestCtx)
}

// Stop requests a graceful end: ingestion stops, open groups are closed and
// the session completes once their reports are generated.
func (s *Session) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.SessionRunning || s.stopping {
		return false
	}
	s.stopping = true
	if s.stopIngest != nil {
		s.stopIngest()
	}
	s.logger.Info("session stop requested")
	return true
}

// Abort ends the session immediately. No further reports are accepted;
// generation calls already running finish and their results are discarded.
// It reports whether this call performed the transition.
func (s *Session) Abort(reason string) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = models.SessionAborted
	s.abortReason = reason
	s.finishedAt = s.now().UTC()
	s.persistLocked()
	s.broadcastLocked()
	started := s.started
	s.mu.Unlock()

	s.cancel()
	if started {
		metrics.SessionFinished(string(s.mode), string(models.SessionAborted))
	}
	s.logger.Warn("session aborted", slog.String("reason", reason))
	return true
}

func (s *Session) run(ingestCtx context.Context) {
	defer close(s.done)
	defer s.cancel()
	ctx, span := s.tracer.Start(s.ctx, "session.run",
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.String("session.mode", string(s.mode)),
		),
	)
	defer span.End()

	key := engine.DefaultKey
	if s.cfg.SimilarityBuckets {
		key = engine.SimilarityKey
	}
	grouper := engine.NewGrouper(engine.GrouperConfig{
		Window:     s.cfg.Window,
		MaxMembers: s.cfg.MaxMembers,
		Key:        key,
	})

	if err := s.ingest(ingestCtx, ctx, grouper); err != nil {
		if s.ctx.Err() == nil {
			s.fail(err)
		}
		span.SetStatus(codes.Error, "session aborted")
		s.inflight.Wait()
		return
	}

	s.mu.Lock()
	if s.state == models.SessionRunning {
		s.state = models.SessionDraining
		s.persistLocked()
		s.broadcastLocked()
	}
	s.mu.Unlock()

	s.submit(ctx, grouper.CloseAll())
	s.inflight.Wait()
	s.complete(span)
}

func (s *Session) ingest(ingestCtx, traceCtx context.Context, grouper *engine.AnomalyGrouper) error {
	var (
		index  int64
		lastTS time.Time
	)
	for {
		if s.stopRequested() {
			return nil
		}
		batch, err := s.source.Next(ingestCtx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if s.stopRequested() && s.ctx.Err() == nil {
				return nil
			}
			if s.ctx.Err() != nil {
				return s.ctx.Err()
			}
			return err
		}

		now := s.now().UTC()
		var anomalies int64
		for _, raw := range batch {
			// Replayed records without a timestamp take the previous record's time.
			fallback := now
			if s.mode == models.ModeSimulation {
				fallback = lastTS
			}
			event := ingest.Normalize(raw, fallback).WithIndex(index)
			if !event.Timestamp.IsZero() {
				lastTS = event.Timestamp
			}
			index++
			for _, a := range s.deps.Engine.Evaluate(event) {
				anomalies++
				metrics.IncAnomaly(a.RuleName)
				s.submit(traceCtx, grouper.Accept(a))
			}
		}
		if s.mode == models.ModeLive {
			s.submit(traceCtx, grouper.Expire(now))
		}

		var skipped int64
		if sc, ok := s.source.(skipCounter); ok {
			skipped = sc.Skipped()
		}
		s.mu.Lock()
		newlySkipped := skipped - s.stats.RecordsSkipped
		s.stats.EventsIngested += int64(len(batch))
		s.stats.Anomalies += anomalies
		if newlySkipped > 0 {
			s.stats.RecordsSkipped = skipped
		}
		s.mu.Unlock()
		metrics.AddEvents(string(s.mode), len(batch), int(newlySkipped))
	}
}

func (s *Session) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.logger.Error("ingestion failed", slog.Any("error", err))
	s.Abort(fmt.Sprintf("ingestion failed: %v", err))
}

// submit schedules report generation for closed groups. Each call runs with
// its own timeout, detached from session cancellation.
func (s *Session) submit(ctx context.Context, groups []*models.AnomalyGroup) {
	if len(groups) == 0 {
		return
	}
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.stats.GroupsClosed += int64(len(groups))
	s.inflight.Add(len(groups))
	s.mu.Unlock()
	metrics.AddGroupsClosed(string(s.mode), len(groups))

	for _, group := range groups {
		go func(group *models.AnomalyGroup) {
			defer s.inflight.Done()
			if err := s.sem.Acquire(s.ctx, 1); err != nil {
				return
			}
			defer s.sem.Release(1)
			if s.State().Terminal() {
				return
			}

			genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.GenerationTimeout)
			started := s.now()
			report := s.deps.Generator.Generate(genCtx, group)
			cancel()
			metrics.ObserveGeneration(s.now().Sub(started), report.Degraded)
			s.appendReport(report)
		}(group)
	}
}

func (s *Session) appendReport(report models.IncidentReport) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		s.logger.Debug("discarding report of aborted session", slog.String("group", report.GroupID))
		return
	}
	s.reports = append(s.reports, report)
	s.stats.ReportsGenerated++
	if report.Degraded {
		s.stats.ReportsDegraded++
	}
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
		if err := s.deps.Store.AppendReport(ctx, s.mode, report); err != nil {
			s.lastErr = err.Error()
			s.logger.Warn("failed to store report", slog.String("group", report.GroupID), slog.Any("error", err))
		}
		cancel()
	}
	s.broadcastLocked()
	s.mu.Unlock()

	if s.notify && s.deps.Notifier != nil {
		go s.sendEmail(report)
	}
}

func (s *Session) sendEmail(report models.IncidentReport) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
	defer cancel()
	sent, err := s.deps.Notifier.Notify(ctx, report)
	switch {
	case err != nil:
		metrics.IncEmail("failed")
		s.logger.Warn("report email failed", slog.String("group", report.GroupID), slog.Any("error", err))
	case sent:
		metrics.IncEmail("sent")
	default:
		metrics.IncEmail("suppressed")
	}
}

func (s *Session) complete(span trace.Span) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = models.SessionCompleted
	s.finishedAt = s.now().UTC()
	s.persistLocked()
	s.broadcastLocked()
	info := s.infoLocked()
	reports := append([]models.IncidentReport(nil), s.reports...)
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("session.reports", info.ReportCount))
	metrics.SessionFinished(string(s.mode), string(models.SessionCompleted))
	s.logger.Info("session completed",
		slog.Int("reports", info.ReportCount),
		slog.Int64("events", info.Stats.EventsIngested),
		slog.Int64("anomalies", info.Stats.Anomalies),
	)

	if s.deps.Archiver != nil {
		go s.archive(info, reports)
	}
}

func (s *Session) archive(info models.SessionInfo, reports []models.IncidentReport) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ArchiveTimeout)
	defer cancel()
	if err := s.deps.Archiver.Archive(ctx, info, reports); err != nil {
		s.logger.Warn("session archive failed", slog.Any("error", err))
	}
}

// persistLocked mirrors the session info into the mode namespace. Callers hold s.mu.
func (s *Session) persistLocked() {
	if s.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()
	if err := s.deps.Store.SaveSession(ctx, s.infoLocked()); err != nil {
		s.logger.Warn("failed to store session state", slog.Any("error", err))
	}
}

// broadcastLocked wakes every stream reader waiting for a change. Callers hold s.mu.
func (s *Session) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
