package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/store"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

var t0 = time.Date(2024, 2, 9, 14, 0, 0, 0, time.UTC)

func errorLog(ts time.Time, resource, msg string) models.RawLog {
	return models.RawLog{
		"timestamp":   ts.Format(time.RFC3339Nano),
		"severity":    "ERROR",
		"textPayload": msg,
		"resource":    map[string]any{"type": resource},
	}
}

type sliceSource struct {
	mu      sync.Mutex
	batches [][]models.RawLog
	err     error
}

func (s *sliceSource) Next(ctx context.Context) ([]models.RawLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

// blockingSource yields its batches and then blocks until ctx ends.
type blockingSource struct {
	sliceSource
}

func (b *blockingSource) Next(ctx context.Context) ([]models.RawLog, error) {
	b.mu.Lock()
	if len(b.batches) > 0 {
		batch := b.batches[0]
		b.batches = b.batches[1:]
		b.mu.Unlock()
		return batch, nil
	}
	b.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

type severityEvaluator struct{}

func (severityEvaluator) Evaluate(ev models.LogEvent) []models.Anomaly {
	if ev.Severity < models.LogSeverityError {
		return nil
	}
	return []models.Anomaly{{RuleName: "errors", Severity: models.SeverityHigh, Event: ev, MatchedAt: ev.Timestamp}}
}

type fakeGenerator struct {
	degraded bool
	gate     chan struct{}
	started  chan string
	calls    atomic.Int32
}

func (f *fakeGenerator) Generate(ctx context.Context, g *models.AnomalyGroup) models.IncidentReport {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- g.ID
	}
	if f.gate != nil {
		<-f.gate
	}
	return models.IncidentReport{
		GroupID:      g.ID,
		Title:        "incident on " + g.Key.ResourceType,
		Severity:     g.Severity,
		AnomalyCount: len(g.Members),
		Degraded:     f.degraded,
		FirstSeen:    g.FirstSeen,
	}
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeNotifier) Notify(_ context.Context, r models.IncidentReport) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, r.GroupID)
	return true, nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeArchiver struct {
	mu      sync.Mutex
	infos   []models.SessionInfo
	reports int
}

func (f *fakeArchiver) Archive(_ context.Context, info models.SessionInfo, reports []models.IncidentReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos = append(f.infos, info)
	f.reports = len(reports)
	return nil
}

func (f *fakeArchiver) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.infos)
}

func newTestRegistry(gen ReportGenerator, ns store.Namespace) *Registry {
	return NewRegistry(Config{Window: 5 * time.Minute, GenerationConcurrency: 2, SessionHistory: 10},
		Deps{Engine: severityEvaluator{}, Generator: gen, Store: ns})
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx), "session did not finish")
}

func collect(t *testing.T, ch <-chan models.StreamEvent) []models.StreamEvent {
	t.Helper()
	var out []models.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not terminate, got %d events", len(out))
		}
	}
}

func scenarioBatches() [][]models.RawLog {
	return [][]models.RawLog{
		{
			errorLog(t0, "gce_instance", "connection refused"),
			errorLog(t0.Add(30*time.Second), "gce_instance", "connection refused"),
			errorLog(t0, "k8s_container", "crash loop"),
		},
		{
			errorLog(t0.Add(60*time.Second), "gce_instance", "connection refused"),
			{"severity": "INFO", "textPayload": "ok", "timestamp": t0.Add(61 * time.Second).Format(time.RFC3339)},
			errorLog(t0.Add(11*time.Minute), "gce_instance", "disk full"),
		},
	}
}

func TestSimulationCompletesWithDegradedReports(t *testing.T) {
	ns := store.NewMemoryNamespace()
	notifier := &fakeNotifier{}
	archiver := &fakeArchiver{}
	reg := NewRegistry(Config{GenerationConcurrency: 2}, Deps{
		Engine: severityEvaluator{}, Generator: &fakeGenerator{degraded: true},
		Store: ns, Notifier: notifier, Archiver: archiver,
	})

	s, err := reg.Start(context.Background(), StartRequest{
		Mode:        models.ModeSimulation,
		Source:      &sliceSource{batches: scenarioBatches()},
		NotifyEmail: true,
	})
	require.NoError(t, err)
	waitDone(t, s)

	info, reports := s.Snapshot()
	assert.Equal(t, models.SessionCompleted, info.State)
	assert.Equal(t, 3, info.ReportCount)
	assert.Len(t, reports, 3)
	assert.EqualValues(t, 6, info.Stats.EventsIngested)
	assert.EqualValues(t, 5, info.Stats.Anomalies)
	assert.EqualValues(t, 3, info.Stats.GroupsClosed)
	assert.EqualValues(t, 3, info.Stats.ReportsGenerated)
	assert.EqualValues(t, 3, info.Stats.ReportsDegraded)
	assert.False(t, info.FinishedAt.IsZero())

	counts := map[int]int{}
	for _, r := range reports {
		counts[r.AnomalyCount]++
	}
	assert.Equal(t, map[int]int{3: 1, 1: 2}, counts)

	stored, err := ns.Reports(context.Background(), models.ModeSimulation)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
	storedInfo, err := ns.Session(context.Background(), models.ModeSimulation)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, storedInfo.State)

	events := collect(t, mustStream(t, s, context.Background()))
	require.Len(t, events, 4)
	last := events[3]
	assert.True(t, last.Done)
	assert.Equal(t, 3, last.Total)
	assert.Equal(t, models.SessionCompleted, last.State)

	require.Eventually(t, func() bool { return notifier.count() == 3 && archiver.calls() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, archiver.reports)
	assert.Equal(t, models.SessionCompleted, archiver.infos[0].State)
}

func TestSimulationRecordWithoutTimestampKeepsReplayTime(t *testing.T) {
	batch := []models.RawLog{errorLog(t0, "gce_instance", "connection refused")}
	batch = append(batch, models.RawLog{"severity": "ERROR", "textPayload": "no clock", "resource": map[string]any{"type": "cloud_run_revision"}})
	for i := 1; i < 6; i++ {
		batch = append(batch, errorLog(t0.Add(time.Duration(i)*10*time.Second), "gce_instance", "connection refused"))
	}
	reg := newTestRegistry(&fakeGenerator{}, store.NewMemoryNamespace())
	s, err := reg.Start(context.Background(), StartRequest{Mode: models.ModeSimulation, Source: &sliceSource{batches: [][]models.RawLog{batch}}})
	require.NoError(t, err)
	waitDone(t, s)

	info, reports := s.Snapshot()
	assert.Equal(t, models.SessionCompleted, info.State)
	require.Len(t, reports, 2)
	counts := map[int]int{}
	for _, r := range reports {
		counts[r.AnomalyCount]++
		assert.True(t, r.FirstSeen.Equal(t0), "first seen %v", r.FirstSeen)
	}
	assert.Equal(t, map[int]int{6: 1, 1: 1}, counts)
}

func mustStream(t *testing.T, s *Session, ctx context.Context) <-chan models.StreamEvent {
	t.Helper()
	ch, err := s.Stream(ctx)
	require.NoError(t, err)
	return ch
}

func TestStreamDeliversLiveReportsInOrderToOneReader(t *testing.T) {
	gen := &fakeGenerator{gate: make(chan struct{}), started: make(chan string, 8)}
	reg := newTestRegistry(gen, store.NewMemoryNamespace())
	s, err := reg.Start(context.Background(), StartRequest{Mode: models.ModeSimulation, Source: &sliceSource{batches: scenarioBatches()}})
	require.NoError(t, err)

	ch := mustStream(t, s, context.Background())
	_, err = s.Stream(context.Background())
	assert.ErrorIs(t, err, ErrStreamBusy)

	for i := 0; i < 3; i++ {
		gen.gate <- struct{}{}
	}
	events := collect(t, ch)
	require.Len(t, events, 4)
	_, reports := s.Snapshot()
	for i, r := range reports {
		require.NotNil(t, events[i].Report)
		assert.Equal(t, r.GroupID, events[i].Report.GroupID)
	}
	assert.Equal(t, models.StreamEvent{Done: true, Total: 3, State: models.SessionCompleted}, events[3])

	var replay <-chan models.StreamEvent
	require.Eventually(t, func() bool {
		ch, err := s.Stream(context.Background())
		replay = ch
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, collect(t, replay), 4)
}

func TestStreamReaderCancellationReleasesSlot(t *testing.T) {
	reg := newTestRegistry(&fakeGenerator{}, nil)
	s, err := reg.Start(context.Background(), StartRequest{Mode: models.ModeLive, Source: &blockingSource{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := mustStream(t, s, ctx)
	cancel()
	for range ch {
	}
	require.Eventually(t, func() bool {
		readerCtx, stop := context.WithCancel(context.Background())
		defer stop()
		_, err := s.Stream(readerCtx)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.SessionRunning, s.State())
	require.NoError(t, reg.Shutdown(context.Background()))
}

func TestNewSessionAbortsPreviousAndDiscardsInflightReports(t *testing.T) {
	ns := store.NewMemoryNamespace()
	gen := &fakeGenerator{gate: make(chan struct{}), started: make(chan string, 8)}
	reg := newTestRegistry(gen, ns)

	first, err := reg.Start(context.Background(), StartRequest{Mode: models.ModeSimulation, Source: &sliceSource{batches: [][]models.RawLog{
		{errorLog(t0, "gce_instance", "boom")},
	}}})
	require.NoError(t, err)
	select {
	case <-gen.started:
	case <-time.After(5 * time.Second):
		t.Fatal("generation never started")
	}

	second, err := reg.Start(context.Background(), StartRequest{Mode: models.ModeSimulation, Source: &blockingSource{}})
	require.NoError(t, err)
	assert.Equal(t, models.SessionAborted, first.State())
	assert.Contains(t, first.Info().AbortReason, second.ID())

	close(gen.gate)
	waitDone(t, first)

	info, reports := first.Snapshot()
	assert.Empty(t, reports)
	assert.Equal(t, 0, info.ReportCount)
	stored, err := ns.Reports(context.Background(), models.ModeSimulation)
	require.NoError(t, err)
	assert.Empty(t, stored)

	events := collect(t, mustStream(t, first, context.Background()))
	assert.Equal(t, []models.StreamEvent{{Done: true, Total: 0, State: models.SessionAborted}}, events)

	active, ok := reg.Active(models.ModeSimulation)
	require.True(t, ok)
	assert.Equal(t, second.ID(), active.ID())
	got, err := reg.Get(first.ID())
	require.NoError(t, err)
	assert.Equal(t, first, got)

	require.NoError(t, reg.Shutdown(context.Background()))
}

func TestAtMostOneRunningSessionPerMode(t *testing.T) {
	reg := newTestRegistry(&fakeGenerator{}, store.NewMemoryNamespace())

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Start(context.Background(), StartRequest{Mode: models.ModeLive, Source: &blockingSource{}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	running := 0
	infos := reg.List()
	assert.Len(t, infos, 6)
	for _, info := range infos {
		if !info.State.Terminal() {
			running++
		}
	}
	assert.Equal(t, 1, running)

	require.NoError(t, reg.Shutdown(context.Background()))
	for _, info := range reg.List() {
		assert.Equal(t, models.SessionAborted, info.State)
	}
	_, err := reg.Start(context.Background(), StartRequest{Mode: models.ModeLive, Source: &blockingSource{}})
	assert.True(t, utils.IsKind(err, utils.KindUnavailable))
}

func TestIngestionFailureAbortsSession(t *testing.T) {
	reg := newTestRegistry(&fakeGenerator{}, nil)
	s, err := reg.Start(context.Background(), StartRequest{Mode: models.ModeSimulation, Source: &sliceSource{
		batches: [][]models.RawLog{{errorLog(t0, "gce_instance", "boom")}},
		err:     errors.New("upstream exploded"),
	}})
	require.NoError(t, err)
	waitDone(t, s)

	info := s.Info()
	assert.Equal(t, models.SessionAborted, info.State)
	assert.Contains(t, info.AbortReason, "ingestion failed")
	assert.Equal(t, "upstream exploded", info.LastError)
	assert.EqualValues(t, 1, info.Stats.EventsIngested)
}

func TestStopDrainsLiveSession(t *testing.T) {
	gen := &fakeGenerator{}
	reg := newTestRegistry(gen, nil)
	s, err := reg.Start(context.Background(), StartRequest{Mode: models.ModeLive, Source: &blockingSource{sliceSource{
		batches: [][]models.RawLog{{errorLog(time.Now().UTC(), "cloud_run_revision", "timeout")}},
	}}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Info().Stats.EventsIngested == 1 }, 2*time.Second, 5*time.Millisecond)
	stopped, err := reg.Stop(models.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, s, stopped)
	waitDone(t, s)

	info := s.Info()
	assert.Equal(t, models.SessionCompleted, info.State)
	assert.Equal(t, 1, info.ReportCount)

	_, err = reg.Stop(models.ModeLive)
	assert.True(t, utils.IsKind(err, utils.KindNotFound))
}

func TestStartValidatesRequest(t *testing.T) {
	reg := newTestRegistry(&fakeGenerator{}, nil)
	_, err := reg.Start(context.Background(), StartRequest{Mode: "batch", Source: &sliceSource{}})
	assert.True(t, utils.IsKind(err, utils.KindInvalidRequest))
	_, err = reg.Start(context.Background(), StartRequest{Mode: models.ModeLive})
	assert.True(t, utils.IsKind(err, utils.KindInvalidRequest))
	_, err = reg.Get("missing")
	assert.True(t, utils.IsKind(err, utils.KindNotFound))
}

func TestHistoryIsBounded(t *testing.T) {
	reg := NewRegistry(Config{SessionHistory: 2}, Deps{Engine: severityEvaluator{}, Generator: &fakeGenerator{}})
	var ids []string
	for i := 0; i < 4; i++ {
		s, err := reg.Start(context.Background(), StartRequest{Mode: models.ModeSimulation, Source: &sliceSource{}})
		require.NoError(t, err, fmt.Sprintf("start %d", i))
		waitDone(t, s)
		ids = append(ids, s.ID())
	}
	assert.Len(t, reg.List(), 2)
	_, err := reg.Get(ids[0])
	assert.Error(t, err)
	_, err = reg.Get(ids[3])
	assert.NoError(t, err)
}
