package repo

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

type fakePutter struct {
	failures int
	calls    int
	key      string
	body     []byte
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("throttled")
	}
	f.key = *in.Key
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = data
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveRetriesAndEncodesJSONLines(t *testing.T) {
	putter := &fakePutter{failures: 2}
	archiver := newS3Archiver(ArchiveConfig{Bucket: "b", Prefix: "/logwatch/", Retries: 3}, putter, nil)
	var slept []time.Duration
	archiver.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	info := models.SessionInfo{ID: "s-1", Mode: models.ModeSimulation, State: models.SessionCompleted, StartedAt: time.Date(2024, 2, 9, 10, 0, 0, 0, time.UTC)}
	reports := []models.IncidentReport{{GroupID: "g1", Title: "one"}, {GroupID: "g2", Title: "two"}}
	if err := archiver.Archive(context.Background(), info, reports); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if putter.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", putter.calls)
	}
	if len(slept) != 2 || slept[0] != 200*time.Millisecond || slept[1] != 400*time.Millisecond {
		t.Fatalf("unexpected backoff: %v", slept)
	}
	if putter.key != "logwatch/simulation/2024/02/09/s-1.jsonl.gz" {
		t.Fatalf("unexpected key %q", putter.key)
	}

	gz, err := gzip.NewReader(bytes.NewReader(putter.body))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	scanner := bufio.NewScanner(gz)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 3 {
		t.Fatalf("expected header plus two reports, got %d lines", len(lines))
	}
	var second models.IncidentReport
	if err := json.Unmarshal([]byte(lines[2]), &second); err != nil || second.Title != "two" {
		t.Fatalf("unexpected last line %q (err %v)", lines[2], err)
	}
}

func TestArchiveGivesUpAfterRetries(t *testing.T) {
	putter := &fakePutter{failures: 10}
	archiver := newS3Archiver(ArchiveConfig{Bucket: "b", Retries: 2}, putter, nil)
	archiver.sleep = func(context.Context, time.Duration) error { return nil }
	err := archiver.Archive(context.Background(), models.SessionInfo{ID: "s", Mode: models.ModeLive}, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if putter.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", putter.calls)
	}
}
