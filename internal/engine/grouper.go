package engine

import (
	"container/list"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/patterns"
)

// DefaultWindow is the grouping window used when none is configured.
const DefaultWindow = 5 * time.Minute

// KeyFunc derives the clustering key of an anomaly.
type KeyFunc func(models.Anomaly) models.GroupKey

// DefaultKey groups by resource type and rule severity tier.
func DefaultKey(a models.Anomaly) models.GroupKey {
	return models.GroupKey{ResourceType: a.Event.ResourceType, Tier: a.Severity}
}

// SimilarityKey refines DefaultKey with the message template, so unrelated
// failures on the same resource type form separate groups.
func SimilarityKey(a models.Anomaly) models.GroupKey {
	key := DefaultKey(a)
	key.Bucket = patterns.Template(a.Event.Message)
	return key
}

// GrouperConfig tunes an AnomalyGrouper.
type GrouperConfig struct {
	Window time.Duration
	// MaxMembers closes a group once it holds this many anomalies; 0 disables the cap.
	MaxMembers int
	Key        KeyFunc
	NewID      func() string
}

// AnomalyGrouper clusters anomalies online in one pass. Each key has at most
// one open group; a group closes once no anomaly has joined it for longer
// than the window, measured against the newest anomaly seen. Not safe for
// concurrent use; a session owns its grouper.
type AnomalyGrouper struct {
	cfg       GrouperConfig
	open      map[models.GroupKey]*list.Element
	lru       *list.List
	watermark time.Time
}

// NewGrouper constructs a grouper with defaults applied.
func NewGrouper(cfg GrouperConfig) *AnomalyGrouper {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Key == nil {
		cfg.Key = DefaultKey
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	return &AnomalyGrouper{
		cfg:  cfg,
		open: make(map[models.GroupKey]*list.Element),
		lru:  list.New(),
	}
}

// Accept places a into a group and returns every group this call closed.
func (g *AnomalyGrouper) Accept(a models.Anomaly) []*models.AnomalyGroup {
	var closed []*models.AnomalyGroup
	key := g.cfg.Key(a)

	if a.MatchedAt.After(g.watermark) {
		g.watermark = a.MatchedAt
	}

	if el, ok := g.open[key]; ok {
		group := el.Value.(*models.AnomalyGroup)
		if a.MatchedAt.Sub(group.LastSeen) > g.cfg.Window {
			closed = append(closed, g.close(el))
		} else {
			group.Add(a)
			g.lru.MoveToBack(el)
			if g.cfg.MaxMembers > 0 && len(group.Members) >= g.cfg.MaxMembers {
				closed = append(closed, g.close(el))
			}
			return append(closed, g.expireBefore(g.watermark.Add(-g.cfg.Window))...)
		}
	}

	group := &models.AnomalyGroup{ID: g.cfg.NewID(), Key: key}
	group.Add(a)
	el := g.lru.PushBack(group)
	g.open[key] = el
	if g.cfg.MaxMembers == 1 {
		closed = append(closed, g.close(el))
	}
	return append(closed, g.expireBefore(g.watermark.Add(-g.cfg.Window))...)
}

// Expire closes groups idle for longer than the window relative to now.
func (g *AnomalyGrouper) Expire(now time.Time) []*models.AnomalyGroup {
	if now.After(g.watermark) {
		g.watermark = now
	}
	return g.expireBefore(g.watermark.Add(-g.cfg.Window))
}

// CloseAll flushes every open group, ordered by first seen.
func (g *AnomalyGrouper) CloseAll() []*models.AnomalyGroup {
	closed := make([]*models.AnomalyGroup, 0, g.lru.Len())
	for el := g.lru.Front(); el != nil; {
		next := el.Next()
		closed = append(closed, g.close(el))
		el = next
	}
	sort.SliceStable(closed, func(i, j int) bool {
		return closed[i].FirstSeen.Before(closed[j].FirstSeen)
	})
	return closed
}

// Open is the number of open groups.
func (g *AnomalyGrouper) Open() int {
	return len(g.open)
}

// expireBefore closes groups whose last member is older than cutoff. Events
// may arrive out of timestamp order, so touch order says nothing about
// LastSeen and every open group is checked.
func (g *AnomalyGrouper) expireBefore(cutoff time.Time) []*models.AnomalyGroup {
	var closed []*models.AnomalyGroup
	for el := g.lru.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*models.AnomalyGroup).LastSeen.Before(cutoff) {
			closed = append(closed, g.close(el))
		}
		el = next
	}
	return closed
}

func (g *AnomalyGrouper) close(el *list.Element) *models.AnomalyGroup {
	group := g.lru.Remove(el).(*models.AnomalyGroup)
	delete(g.open, group.Key)
	group.Closed = true
	return group
}
