package reporting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/patterns"
	"github.com/miradorstack/mirador-logwatch/internal/repo"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

const maxSampleBytes = 500

const systemPrompt = `You are an expert Site Reliability Engineer analysing log anomalies from a cloud environment.
Identify the most likely root cause, not just the symptoms, assess the impact and propose specific actions.
Respond with a single JSON object and nothing else, using these keys:
title (string), severity (low|medium|high|critical), issue_summary (string), root_cause (string),
impact (string), suggested_actions (array of strings), affected_resources (array of strings),
confidence (number between 0 and 1).`

// Completer is a chat-completion style reasoning backend.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// GeneratorConfig tunes prompt construction.
type GeneratorConfig struct {
	MaxSamples   int
	MaxTemplates int
	Stats        patterns.StatsConfig
}

// Generator turns closed anomaly groups into incident reports.
type Generator struct {
	client   Completer
	cfg      GeneratorConfig
	playbook *Playbook
	miner    *patterns.Miner
	analyzer *patterns.Analyzer
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewGenerator constructs a generator. A nil client produces degraded reports only.
func NewGenerator(client Completer, cfg GeneratorConfig, playbook *Playbook, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 20
	}
	if cfg.MaxTemplates <= 0 {
		cfg.MaxTemplates = 5
	}
	return &Generator{
		client:   client,
		cfg:      cfg,
		playbook: playbook,
		miner:    patterns.NewMiner(cfg.MaxTemplates),
		analyzer: patterns.NewAnalyzer(cfg.Stats),
		logger:   logger,
		tracer:   otel.Tracer("mirador.logwatch.reporting"),
		now:      time.Now,
	}
}

// Generate produces a report for group. It never fails: any problem with the
// reasoning backend yields a degraded report explaining the failure.
func (g *Generator) Generate(ctx context.Context, group *models.AnomalyGroup) models.IncidentReport {
	ctx, span := g.tracer.Start(ctx, "reporting.generate",
		trace.WithAttributes(
			attribute.String("group.id", group.ID),
			attribute.String("group.key", group.Key.String()),
			attribute.Int("group.members", len(group.Members)),
		),
	)
	defer span.End()

	stats := g.analyzer.Analyze(group)
	span.SetAttributes(attribute.Int("group.signals", len(stats.Signals)))
	report := g.generate(ctx, span, group, stats)
	report.Stats = &stats
	return report
}

func (g *Generator) generate(ctx context.Context, span trace.Span, group *models.AnomalyGroup, stats models.GroupStats) models.IncidentReport {
	if g.client == nil {
		span.SetAttributes(attribute.Bool("report.degraded", true))
		return g.degraded(group, stats, "reasoning backend not configured")
	}

	raw, err := g.client.Complete(ctx, systemPrompt, g.buildPrompt(group, stats))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		g.logger.Warn("report generation failed", slog.String("group", group.ID), slog.Any("error", err))
		return g.degraded(group, stats, describeFailure(ctx, err))
	}

	report, err := g.parse(raw, group)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed response")
		g.logger.Warn("malformed reasoning response", slog.String("group", group.ID), slog.Any("error", err))
		return g.degraded(group, stats, "malformed reasoning response: "+err.Error())
	}
	span.SetAttributes(attribute.Float64("report.confidence", report.Confidence))
	return report
}

func describeFailure(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "reasoning backend timed out"
	case errors.Is(err, context.Canceled):
		return "report generation cancelled"
	case errors.Is(err, repo.ErrQuotaExceeded):
		return "reasoning backend quota exceeded"
	}
	return "reasoning backend error: " + err.Error()
}

type promptGroup struct {
	Rules        []string                 `json:"rules"`
	Severity     models.Severity          `json:"severity"`
	ResourceType string                   `json:"resource_type"`
	Resources    []string                 `json:"affected_resources"`
	FirstSeen    time.Time                `json:"first_seen"`
	LastSeen     time.Time                `json:"last_seen"`
	Anomalies    int                      `json:"anomaly_count"`
	Templates    []patterns.TemplateCount `json:"top_message_templates"`
	Stats        models.GroupStats        `json:"statistics"`
	Samples      []promptSample           `json:"samples"`
}

type promptSample struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"`
	Rule      string    `json:"rule"`
	Message   string    `json:"message"`
}

func (g *Generator) buildPrompt(group *models.AnomalyGroup, stats models.GroupStats) string {
	pg := promptGroup{
		Rules:        group.RuleNames(),
		Severity:     group.Severity,
		ResourceType: group.Key.ResourceType,
		Resources:    group.Resources(),
		FirstSeen:    group.FirstSeen,
		LastSeen:     group.LastSeen,
		Anomalies:    len(group.Members),
		Templates:    g.miner.Mine(group),
		Stats:        stats,
	}
	for i, m := range group.Members {
		if i >= g.cfg.MaxSamples {
			break
		}
		msg := m.Event.Message
		if len(msg) > maxSampleBytes {
			msg = utils.TruncateBytes(msg, maxSampleBytes) + "..."
		}
		pg.Samples = append(pg.Samples, promptSample{
			Timestamp: m.MatchedAt,
			Severity:  m.Event.Severity.String(),
			Rule:      m.RuleName,
			Message:   msg,
		})
	}
	var data bytes.Buffer
	enc := json.NewEncoder(&data)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(pg); err != nil {
		data.Reset()
		fmt.Fprintf(&data, "%+v\n", pg)
	}

	var b strings.Builder
	b.WriteString("Analyse the following group of related log anomalies and write an incident report.\n\n")
	b.WriteString("ANOMALY GROUP:\n")
	b.Write(data.Bytes())
	b.WriteString("\nRespond with the JSON object described in the instructions.")
	return b.String()
}

type completionReport struct {
	Title             string   `json:"title"`
	Severity          string   `json:"severity"`
	IssueSummary      string   `json:"issue_summary"`
	RootCause         string   `json:"root_cause"`
	Impact            string   `json:"impact"`
	SuggestedActions  []string `json:"suggested_actions"`
	AffectedResources []string `json:"affected_resources"`
	Confidence        *float64 `json:"confidence"`
}

func (g *Generator) parse(raw string, group *models.AnomalyGroup) (models.IncidentReport, error) {
	body := stripFences(raw)
	var parsed completionReport
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return models.IncidentReport{}, fmt.Errorf("decode: %w", err)
	}
	if strings.TrimSpace(parsed.Title) == "" {
		return models.IncidentReport{}, fmt.Errorf("missing title")
	}
	if strings.TrimSpace(parsed.RootCause) == "" {
		return models.IncidentReport{}, fmt.Errorf("missing root_cause")
	}

	severity := group.Severity
	if s := models.Severity(strings.ToLower(strings.TrimSpace(parsed.Severity))); s.Valid() {
		severity = s
	}
	confidence := 0.5
	if parsed.Confidence != nil {
		confidence = clamp(*parsed.Confidence)
	}
	actions := appendUnique(nil, parsed.SuggestedActions...)
	if len(actions) == 0 {
		actions = g.playbook.Actions(group)
	}
	resources := appendUnique(nil, parsed.AffectedResources...)
	if len(resources) == 0 {
		resources = group.Resources()
	}

	report := g.base(group)
	report.Title = strings.TrimSpace(parsed.Title)
	report.Severity = severity
	report.IssueSummary = strings.TrimSpace(parsed.IssueSummary)
	report.RootCause = strings.TrimSpace(parsed.RootCause)
	report.Impact = strings.TrimSpace(parsed.Impact)
	report.SuggestedActions = actions
	report.AffectedResources = resources
	report.Confidence = confidence
	return report, nil
}

func (g *Generator) degraded(group *models.AnomalyGroup, stats models.GroupStats, reason string) models.IncidentReport {
	rules := group.RuleNames()
	report := g.base(group)
	report.Title = fmt.Sprintf("%s on %s", strings.Join(rules, ", "), displayResource(group.Key.ResourceType))
	report.Severity = group.Severity
	report.IssueSummary = fmt.Sprintf("%d anomalies matched %s between %s and %s.",
		len(group.Members), strings.Join(rules, ", "),
		group.FirstSeen.UTC().Format(time.RFC3339), group.LastSeen.UTC().Format(time.RFC3339))
	if len(stats.Signals) > 0 {
		descs := make([]string, 0, len(stats.Signals))
		for _, sig := range stats.Signals {
			descs = append(descs, sig.Description)
		}
		report.IssueSummary += " Statistical signals: " + strings.Join(descs, "; ") + "."
	}
	report.RootCause = "Automated analysis unavailable (" + reason + "). Root cause could not be determined; review the matched log entries."
	report.Impact = fmt.Sprintf("%d anomalous log entries of %s severity on %s.", len(group.Members), group.Severity, displayResource(group.Key.ResourceType))
	report.SuggestedActions = g.playbook.Actions(group)
	report.AffectedResources = group.Resources()
	report.Confidence = 0
	report.Degraded = true
	report.FailureReason = reason
	return report
}

func (g *Generator) base(group *models.AnomalyGroup) models.IncidentReport {
	return models.IncidentReport{
		GroupID:      group.ID,
		Rules:        group.RuleNames(),
		AnomalyCount: len(group.Members),
		FirstSeen:    group.FirstSeen,
		LastSeen:     group.LastSeen,
		GeneratedAt:  g.now().UTC(),
	}
}

func displayResource(resourceType string) string {
	if resourceType == "" {
		return "unknown resource"
	}
	return resourceType
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if start, end := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}'); start > 0 && end > start {
		s = s[start : end+1]
	}
	return strings.TrimSpace(s)
}

func clamp(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
