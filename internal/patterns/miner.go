package patterns

import (
	"regexp"
	"sort"
	"strings"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

const (
	maxTemplateLength = 240
	maxExampleLength  = 500
)

var (
	uuidPattern   = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	ipPattern     = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?\b`)
	hexPattern    = regexp.MustCompile(`(?i)\b(?:0x[0-9a-f]+|[0-9a-f]*\d[0-9a-f]*[a-f][0-9a-f]*|[0-9a-f]*[a-f][0-9a-f]*\d[0-9a-f]*)\b`)
	quotedPattern = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	numberPattern = regexp.MustCompile(`\b\d+(?:\.\d+)?(?:ms|s|m|h|kb|mb|gb|%)?\b`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// Template reduces a log message to its constant skeleton so messages that
// differ only in identifiers, addresses or counters compare equal.
func Template(message string) string {
	t := uuidPattern.ReplaceAllString(message, "<uuid>")
	t = ipPattern.ReplaceAllString(t, "<ip>")
	t = quotedPattern.ReplaceAllString(t, "<str>")
	t = hexPattern.ReplaceAllStringFunc(t, func(s string) string {
		if len(s) < 8 && !strings.HasPrefix(strings.ToLower(s), "0x") {
			return s
		}
		return "<hex>"
	})
	t = numberPattern.ReplaceAllString(t, "<num>")
	t = strings.TrimSpace(spacePattern.ReplaceAllString(t, " "))
	t = strings.ToLower(t)
	return utils.TruncateBytes(t, maxTemplateLength)
}

// TemplateCount is one mined message template with its frequency.
type TemplateCount struct {
	Template string `json:"template"`
	Count    int    `json:"count"`
	Example  string `json:"example"`
}

// Miner extracts the dominant message templates of an anomaly group.
type Miner struct {
	limit int
}

// NewMiner returns a miner keeping at most limit templates (default 5).
func NewMiner(limit int) *Miner {
	if limit <= 0 {
		limit = 5
	}
	return &Miner{limit: limit}
}

// Mine counts templates over the group's members, most frequent first.
func (m *Miner) Mine(group *models.AnomalyGroup) []TemplateCount {
	if group == nil || len(group.Members) == 0 {
		return nil
	}
	stats := make(map[string]*TemplateCount)
	for _, member := range group.Members {
		tpl := Template(member.Event.Message)
		if tpl == "" {
			continue
		}
		tc, ok := stats[tpl]
		if !ok {
			tc = &TemplateCount{Template: tpl, Example: utils.TruncateBytes(member.Event.Message, maxExampleLength)}
			stats[tpl] = tc
		}
		tc.Count++
	}

	out := make([]TemplateCount, 0, len(stats))
	for _, tc := range stats {
		out = append(out, *tc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Template < out[j].Template
	})
	if len(out) > m.limit {
		out = out[:m.limit]
	}
	return out
}
