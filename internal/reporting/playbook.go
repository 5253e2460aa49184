package reporting

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

var defaultActions = []string{
	"Review the affected resources for recent deployments or configuration changes",
	"Inspect error logs around the incident window",
	"Check resource utilisation (CPU, memory, disk, connections)",
}

// Playbook maps anomaly groups onto remediation actions.
type Playbook struct {
	entries []PlaybookEntry
	logger  *slog.Logger
}

// PlaybookEntry is one remediation rule.
type PlaybookEntry struct {
	ID      string        `yaml:"id"`
	Match   PlaybookMatch `yaml:"match"`
	Actions []string      `yaml:"actions"`
}

// PlaybookMatch defines optional attributes an entry matches on. Empty
// attributes match everything.
type PlaybookMatch struct {
	Rule         string `yaml:"rule"`
	ResourceType string `yaml:"resource_type"`
	Severity     string `yaml:"severity"`
}

// PlaybookFile is the YAML root structure.
type PlaybookFile struct {
	Entries []PlaybookEntry `yaml:"playbook"`
}

// LoadPlaybook reads entries from path. A missing or empty path yields an
// empty playbook that only returns the default actions.
func LoadPlaybook(path string, logger *slog.Logger) (*Playbook, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return &Playbook{logger: logger}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("playbook not found, using default actions", slog.String("path", path))
			return &Playbook{logger: logger}, nil
		}
		return nil, err
	}
	return ParsePlaybook(data, logger)
}

// ParsePlaybook decodes a YAML playbook document.
func ParsePlaybook(data []byte, logger *slog.Logger) (*Playbook, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var file PlaybookFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return &Playbook{entries: file.Entries, logger: logger}, nil
}

// Len is the number of entries.
func (p *Playbook) Len() int {
	if p == nil {
		return 0
	}
	return len(p.entries)
}

// Actions returns the unique actions of every matching entry in file order,
// or the default actions when nothing matches.
func (p *Playbook) Actions(group *models.AnomalyGroup) []string {
	matched := make([]string, 0)
	if p != nil && group != nil {
		rules := group.RuleNames()
		for _, entry := range p.entries {
			if entry.Match.Rule != "" && !containsFold(rules, entry.Match.Rule) {
				continue
			}
			if entry.Match.ResourceType != "" && !strings.EqualFold(entry.Match.ResourceType, group.Key.ResourceType) {
				continue
			}
			if entry.Match.Severity != "" && group.Severity.Rank() < models.ParseSeverity(entry.Match.Severity).Rank() {
				continue
			}
			matched = appendUnique(matched, entry.Actions...)
		}
	}
	if len(matched) == 0 {
		return appendUnique(nil, defaultActions...)
	}
	return matched
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
