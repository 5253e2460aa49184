package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/repo"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

// EntryLister lists Cloud Logging entries page by page.
type EntryLister interface {
	ListEntries(ctx context.Context, filter string, pageSize int, pageToken string) (repo.EntriesPage, error)
}

// PollingConfig tunes a PollingSource.
type PollingConfig struct {
	Filter       string
	PollInterval time.Duration
	PageSize     int
	MaxPages     int
	MaxFailures  int
	// Since is the lower bound of the first poll; zero means "now".
	Since time.Time
}

// PollingSource turns a log listing API into an endless batch source. Next
// blocks until the next poll is due and returns an empty batch when nothing
// new arrived, so callers can advance wall-clock state between polls.
type PollingSource struct {
	lister   EntryLister
	cfg      PollingConfig
	logger   *slog.Logger
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
	cursor   time.Time
	atCursor map[string]struct{}
	polled   bool
	failures int
}

// NewPollingSource constructs a live source over lister.
func NewPollingSource(lister EntryLister, cfg PollingConfig, logger *slog.Logger) *PollingSource {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 20
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	return &PollingSource{
		lister:   lister,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		after:    time.After,
		cursor:   cfg.Since,
		atCursor: make(map[string]struct{}),
	}
}

// Next waits for the poll interval (except on the first call) and returns the
// entries newer than the last one seen.
func (p *PollingSource) Next(ctx context.Context) ([]models.RawLog, error) {
	if p.polled {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.after(p.backoff()):
		}
	}
	p.polled = true
	if p.cursor.IsZero() {
		p.cursor = p.now().UTC()
	}

	batch, err := p.poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.failures++
		if p.failures >= p.cfg.MaxFailures {
			return nil, utils.NewAppError(utils.KindIngestion, "live poll", fmt.Sprintf("%d consecutive failures", p.failures), err)
		}
		p.logger.Warn("live log poll failed", slog.Int("failures", p.failures), slog.Any("error", err))
		return nil, nil
	}
	p.failures = 0
	return batch, nil
}

// backoff doubles the interval per consecutive failure, capped at eight intervals.
func (p *PollingSource) backoff() time.Duration {
	d := p.cfg.PollInterval
	for i := 0; i < p.failures && i < 3; i++ {
		d *= 2
	}
	return d
}

func (p *PollingSource) poll(ctx context.Context) ([]models.RawLog, error) {
	filter := fmt.Sprintf(`timestamp >= "%s"`, p.cursor.Format(time.RFC3339Nano))
	if p.cfg.Filter != "" {
		filter += " AND (" + p.cfg.Filter + ")"
	}

	var (
		batch     []models.RawLog
		token     string
		newCursor = p.cursor
		newSeen   = make(map[string]struct{})
	)
	for page := 0; page < p.cfg.MaxPages; page++ {
		resp, err := p.lister.ListEntries(ctx, filter, p.cfg.PageSize, token)
		if err != nil {
			return nil, err
		}
		for _, entry := range resp.Entries {
			id, _ := entry["insertId"].(string)
			ts, err := utils.ParseTimestamp(entry["timestamp"])
			if err != nil {
				ts = p.now().UTC()
			}
			if ts.Equal(p.cursor) && id != "" {
				if _, dup := p.atCursor[id]; dup {
					continue
				}
			}
			switch {
			case ts.After(newCursor):
				newCursor = ts
				newSeen = map[string]struct{}{id: {}}
			case ts.Equal(newCursor):
				newSeen[id] = struct{}{}
			}
			batch = append(batch, models.RawLog(entry))
		}
		token = resp.NextPageToken
		if token == "" {
			break
		}
	}

	if newCursor.After(p.cursor) {
		p.cursor = newCursor
		p.atCursor = newSeen
	} else {
		for id := range newSeen {
			p.atCursor[id] = struct{}{}
		}
	}
	return batch, nil
}
