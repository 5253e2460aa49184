package repo

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

// ArchiveConfig controls where finished sessions are uploaded.
type ArchiveConfig struct {
	Bucket  string
	Prefix  string
	Region  string
	Timeout time.Duration
	Retries int
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads completed session reports as gzip-compressed JSON Lines.
type S3Archiver struct {
	cfg    ArchiveConfig
	client objectPutter
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewS3Archiver loads the default AWS credential chain for cfg.Region.
func NewS3Archiver(ctx context.Context, cfg ArchiveConfig, logger *slog.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 1
	})
	return newS3Archiver(cfg, client, logger), nil
}

func newS3Archiver(cfg ArchiveConfig, client objectPutter, logger *slog.Logger) *S3Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	return &S3Archiver{cfg: cfg, client: client, logger: logger, sleep: sleepCtx}
}

// ObjectKey is prefix/mode/yyyy/mm/dd/session.jsonl.gz, dated by session start.
func (a *S3Archiver) ObjectKey(info models.SessionInfo) string {
	started := info.StartedAt.UTC()
	return path.Join(
		strings.Trim(a.cfg.Prefix, "/"),
		string(info.Mode),
		started.Format("2006"), started.Format("01"), started.Format("02"),
		info.ID+".jsonl.gz",
	)
}

// Archive encodes the session header and its reports and uploads them.
func (a *S3Archiver) Archive(ctx context.Context, info models.SessionInfo, reports []models.IncidentReport) error {
	body, err := EncodeReportsJSONLGZ(info, reports)
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}
	key := a.ObjectKey(info)
	if err := a.upload(ctx, key, body); err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", a.cfg.Bucket, key, err)
	}
	a.logger.Info("session archived",
		slog.String("session_id", info.ID),
		slog.String("key", key),
		slog.Int("reports", len(reports)),
		slog.Int("bytes", len(body)),
	)
	return nil
}

// upload retries with exponential backoff capped at two seconds; each
// attempt gets its own timeout.
func (a *S3Archiver) upload(ctx context.Context, key string, body []byte) error {
	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 1; attempt <= a.cfg.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		_, err := a.client.PutObject(attemptCtx, &s3.PutObjectInput{
			Bucket:          aws.String(a.cfg.Bucket),
			Key:             aws.String(key),
			Body:            bytes.NewReader(body),
			ContentLength:   aws.Int64(int64(len(body))),
			ContentType:     aws.String("application/x-ndjson"),
			ContentEncoding: aws.String("gzip"),
		})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		a.logger.Warn("archive upload failed", slog.String("key", key), slog.Int("attempt", attempt), slog.Any("error", err))
		if attempt == a.cfg.Retries {
			break
		}
		if err := a.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
	}
	return lastErr
}

// EncodeReportsJSONLGZ writes the session info followed by one report per line, gzip-compressed.
func EncodeReportsJSONLGZ(info models.SessionInfo, reports []models.IncidentReport) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	enc := json.NewEncoder(gz)
	if err := enc.Encode(map[string]any{"session": info}); err != nil {
		_ = gz.Close()
		return nil, err
	}
	for i := range reports {
		if err := enc.Encode(reports[i]); err != nil {
			_ = gz.Close()
			return nil, err
		}
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
