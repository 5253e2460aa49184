package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/repo"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

func drain(t *testing.T, src *ReplaySource) ([]models.RawLog, error) {
	t.Helper()
	var out []models.RawLog
	for {
		batch, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, batch...)
	}
}

func TestNormalizeCloudLoggingEntry(t *testing.T) {
	raw := models.RawLog{
		"timestamp":   "2024-05-01T09:00:00.5Z",
		"severity":    "ERROR",
		"insertId":    "abc",
		"resource":    map[string]any{"type": "gce_instance", "labels": map[string]any{"instance_id": "123"}},
		"jsonPayload": map[string]any{"message": "connection refused", "component": "db-proxy"},
		"httpRequest": map[string]any{"status": 503.0, "latency": "6.250s"},
	}
	ev := Normalize(raw, time.Time{})
	assert.Equal(t, models.LogSeverityError, ev.Severity)
	assert.Equal(t, "connection refused", ev.Message)
	assert.Equal(t, "gce_instance", ev.ResourceType)
	assert.Equal(t, time.Date(2024, 5, 1, 9, 0, 0, 500000000, time.UTC), ev.Timestamp)

	component, ok := ev.Field("component")
	require.True(t, ok)
	assert.Equal(t, "db-proxy", component)
	latency, ok := ev.Field("latency_ms")
	require.True(t, ok)
	assert.InDelta(t, 6250.0, latency, 0.001)
	status, ok := ev.Field("http_request.status")
	require.True(t, ok)
	assert.Equal(t, 503.0, status)
	zone, ok := ev.Field("resource_labels.instance_id")
	require.True(t, ok)
	assert.Equal(t, "123", zone)
}

func TestNormalizeFallbacks(t *testing.T) {
	fallback := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ev := Normalize(models.RawLog{"jsonPayload": map[string]any{"level": 3.0, "code": 7.0}}, fallback)
	assert.Equal(t, fallback, ev.Timestamp)
	assert.Equal(t, models.LogSeverityError, ev.Severity)
	assert.Contains(t, ev.Message, `"code":7`)

	ev = Normalize(models.RawLog{"textPayload": "plain", "severity": "NOTICE", "resource_type": "k8s_container"}, fallback)
	assert.Equal(t, models.LogSeverityInfo, ev.Severity)
	assert.Equal(t, "plain", ev.Message)
	assert.Equal(t, "k8s_container", ev.ResourceType)
}

func TestReplayJSONLinesSkipsMalformedLines(t *testing.T) {
	input := `{"textPayload": "one"}
not json at all
{"textPayload": "two", "broken": }

{
  "textPayload": "three",
  "nested": {"brace": "}"}
}
{"textPayload": "four"}`
	src, err := NewReplaySource(strings.NewReader(input), ReplayOptions{BatchSize: 2})
	require.NoError(t, err)
	logs, err := drain(t, src)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "one", logs[0]["textPayload"])
	assert.Equal(t, "three", logs[1]["textPayload"])
	assert.Equal(t, "four", logs[2]["textPayload"])
	assert.EqualValues(t, 2, src.Skipped())
}

func TestReplayTruncatedLineKeepsFollowingRecords(t *testing.T) {
	input := `{"textPayload": "one"}
{"textPayload": "unterminated
{"textPayload": "two"}
{"textPayload": "unclosed", "labels": {"a": "b"}

{"textPayload": "three"}
{"textPayload": "four"}`
	src, err := NewReplaySource(strings.NewReader(input), ReplayOptions{BatchSize: 10})
	require.NoError(t, err)
	logs, err := drain(t, src)
	require.NoError(t, err)
	require.Len(t, logs, 4)
	for i, want := range []string{"one", "two", "three", "four"} {
		assert.Equal(t, want, logs[i]["textPayload"])
	}
	assert.EqualValues(t, 2, src.Skipped())
}

func TestReplayJSONArrayGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(`[{"textPayload":"a"}, 42, {"textPayload":"b"}]`))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	src, err := NewReplaySource(&buf, ReplayOptions{})
	require.NoError(t, err)
	logs, err := drain(t, src)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "b", logs[1]["textPayload"])
	assert.EqualValues(t, 1, src.Skipped())
}

func TestReplayMalformedArrayFails(t *testing.T) {
	src, err := NewReplaySource(strings.NewReader(`[{"textPayload":"a"}, {"textPayload": ]`), ReplayOptions{BatchSize: 1})
	require.NoError(t, err)
	logs, err := drain(t, src)
	require.Error(t, err)
	assert.True(t, utils.IsKind(err, utils.KindIngestion))
	assert.Len(t, logs, 1)
}

func TestReplayEmptyInput(t *testing.T) {
	src, err := NewReplaySource(strings.NewReader("  \n"), ReplayOptions{})
	require.NoError(t, err)
	logs, err := drain(t, src)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

type fakeLister struct {
	pages   []repo.EntriesPage
	errs    []error
	filters []string
	calls   int
}

func (f *fakeLister) ListEntries(_ context.Context, filter string, _ int, _ string) (repo.EntriesPage, error) {
	idx := f.calls
	f.calls++
	f.filters = append(f.filters, filter)
	if idx < len(f.errs) && f.errs[idx] != nil {
		return repo.EntriesPage{}, f.errs[idx]
	}
	if idx < len(f.pages) {
		return f.pages[idx], nil
	}
	return repo.EntriesPage{}, nil
}

func immediate(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func TestPollingSourceAdvancesCursorAndDedupes(t *testing.T) {
	lister := &fakeLister{pages: []repo.EntriesPage{
		{Entries: []map[string]any{
			{"insertId": "a", "timestamp": "2024-05-01T09:00:00Z", "textPayload": "first"},
			{"insertId": "b", "timestamp": "2024-05-01T09:00:05Z", "textPayload": "second"},
		}},
		{Entries: []map[string]any{
			{"insertId": "b", "timestamp": "2024-05-01T09:00:05Z", "textPayload": "second"},
			{"insertId": "c", "timestamp": "2024-05-01T09:00:09Z", "textPayload": "third"},
		}},
	}}
	src := NewPollingSource(lister, PollingConfig{Filter: "severity>=WARNING", Since: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}, nil)
	src.after = immediate

	first, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := src.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "third", second[0]["textPayload"])
	assert.Equal(t, `timestamp >= "2024-05-01T09:00:05Z" AND (severity>=WARNING)`, lister.filters[1])
}

func TestPollingSourceFailsAfterConsecutiveErrors(t *testing.T) {
	boom := errors.New("unavailable")
	lister := &fakeLister{errs: []error{boom, boom, boom}}
	src := NewPollingSource(lister, PollingConfig{MaxFailures: 3}, nil)
	src.after = immediate

	for i := 0; i < 2; i++ {
		batch, err := src.Next(context.Background())
		require.NoError(t, err)
		assert.Empty(t, batch)
	}
	_, err := src.Next(context.Background())
	require.Error(t, err)
	assert.True(t, utils.IsKind(err, utils.KindIngestion))
}

func TestPollingSourceHonoursCancellation(t *testing.T) {
	src := NewPollingSource(&fakeLister{}, PollingConfig{PollInterval: time.Hour}, nil)
	_, err := src.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
