package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	redis "github.com/redis/go-redis/v9"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

// RedisConfig holds connection parameters for the Redis namespace store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
	TTL       time.Duration
}

// RedisNamespace stores namespaces in Redis: a list of JSON reports and a
// JSON session record per mode.
type RedisNamespace struct {
	client  redis.UniversalClient
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
	ttl     time.Duration
}

// NewRedisNamespace connects and pings the server so bad credentials fail fast.
func NewRedisNamespace(cfg RedisConfig, logger *slog.Logger) (*RedisNamespace, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return newRedisNamespace(client, cfg, logger), nil
}

func newRedisNamespace(client redis.UniversalClient, cfg RedisConfig, logger *slog.Logger) *RedisNamespace {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.TrimSuffix(cfg.KeyPrefix, ":")
	if prefix == "" {
		prefix = "mirador:logwatch"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &RedisNamespace{client: client, logger: logger, prefix: prefix, timeout: timeout, ttl: cfg.TTL}
}

func (r *RedisNamespace) reportsKey(mode models.Mode) string {
	return r.prefix + ":" + string(mode) + ":reports"
}

func (r *RedisNamespace) sessionKey(mode models.Mode) string {
	return r.prefix + ":" + string(mode) + ":session"
}

// Reset deletes the mode's keys.
func (r *RedisNamespace) Reset(ctx context.Context, mode models.Mode) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Del(ctx, r.reportsKey(mode), r.sessionKey(mode)).Err(); err != nil {
		return fmt.Errorf("reset namespace %s: %w", mode, err)
	}
	return nil
}

// AppendReport pushes a report onto the mode's list and refreshes its TTL.
func (r *RedisNamespace) AppendReport(ctx context.Context, mode models.Mode, report models.IncidentReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	key := r.reportsKey(mode)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append report: %w", err)
	}
	return nil
}

// Reports reads the whole report list for mode. Undecodable entries are logged and skipped.
func (r *RedisNamespace) Reports(ctx context.Context, mode models.Mode) ([]models.IncidentReport, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	raw, err := r.client.LRange(ctx, r.reportsKey(mode), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read reports: %w", err)
	}
	reports := make([]models.IncidentReport, 0, len(raw))
	for _, item := range raw {
		var report models.IncidentReport
		if err := json.Unmarshal([]byte(item), &report); err != nil {
			r.logger.Warn("discarding undecodable report", slog.String("mode", string(mode)), slog.Any("error", err))
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// SaveSession overwrites the mode's session record.
func (r *RedisNamespace) SaveSession(ctx context.Context, info models.SessionInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Set(ctx, r.sessionKey(info.Mode), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Session loads the mode's session record, or ErrNotFound.
func (r *RedisNamespace) Session(ctx context.Context, mode models.Mode) (models.SessionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	raw, err := r.client.Get(ctx, r.sessionKey(mode)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.SessionInfo{}, ErrNotFound
		}
		return models.SessionInfo{}, fmt.Errorf("load session: %w", err)
	}
	var info models.SessionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return models.SessionInfo{}, fmt.Errorf("decode session: %w", err)
	}
	return info, nil
}

// Close releases the client connection pool.
func (r *RedisNamespace) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
