package reporting

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/repo"
)

// Mailer delivers one email.
type Mailer interface {
	Send(ctx context.Context, msg repo.Email) error
}

// NotifierConfig configures report emails.
type NotifierConfig struct {
	From string
	To   []string
	// Cooldown suppresses repeat emails for the same rules and resources.
	Cooldown time.Duration
}

// Notifier emails incident reports.
type Notifier struct {
	mailer Mailer
	cfg    NotifierConfig
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewNotifier returns nil when no mailer or recipient is configured, so
// callers can treat a nil *Notifier as "email disabled".
func NewNotifier(mailer Mailer, cfg NotifierConfig, logger *slog.Logger) *Notifier {
	if mailer == nil || cfg.From == "" || len(cfg.To) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{mailer: mailer, cfg: cfg, logger: logger, now: time.Now, sent: make(map[string]time.Time)}
}

// Notify sends report unless an equivalent email went out within the cooldown.
// It reports whether an email was sent.
func (n *Notifier) Notify(ctx context.Context, report models.IncidentReport) (bool, error) {
	if n == nil {
		return false, nil
	}
	key := cooldownKey(report)
	if !n.reserve(key) {
		n.logger.Debug("report email suppressed by cooldown", slog.String("group", report.GroupID), slog.String("key", key))
		return false, nil
	}

	msg, err := n.compose(report)
	if err != nil {
		n.release(key)
		return false, err
	}
	if err := n.mailer.Send(ctx, msg); err != nil {
		n.release(key)
		return false, fmt.Errorf("send report email: %w", err)
	}
	n.logger.Info("report email sent", slog.String("group", report.GroupID), slog.String("subject", msg.Subject))
	return true, nil
}

func cooldownKey(report models.IncidentReport) string {
	return strings.Join(report.Rules, ",") + "|" + strings.Join(report.AffectedResources, ",")
}

func (n *Notifier) reserve(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if n.cfg.Cooldown > 0 {
		if last, ok := n.sent[key]; ok && now.Sub(last) < n.cfg.Cooldown {
			return false
		}
		for k, ts := range n.sent {
			if now.Sub(ts) > 2*n.cfg.Cooldown {
				delete(n.sent, k)
			}
		}
	}
	n.sent[key] = now
	return true
}

func (n *Notifier) release(key string) {
	n.mu.Lock()
	delete(n.sent, key)
	n.mu.Unlock()
}

// Subject formats the email subject line.
func Subject(report models.IncidentReport) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(report.Severity)), report.Title)
}

func (n *Notifier) compose(report models.IncidentReport) (repo.Email, error) {
	var html bytes.Buffer
	if err := htmlBody.Execute(&html, report); err != nil {
		return repo.Email{}, fmt.Errorf("render email: %w", err)
	}
	return repo.Email{
		From:    n.cfg.From,
		To:      n.cfg.To,
		Subject: Subject(report),
		Text:    TextBody(report),
		HTML:    html.String(),
	}, nil
}

// TextBody renders the plain-text email body.
func TextBody(report models.IncidentReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", report.Title)
	fmt.Fprintf(&b, "Severity:   %s\n", report.Severity)
	fmt.Fprintf(&b, "Window:     %s - %s\n", report.FirstSeen.UTC().Format(time.RFC3339), report.LastSeen.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Anomalies:  %d\n", report.AnomalyCount)
	fmt.Fprintf(&b, "Rules:      %s\n", strings.Join(report.Rules, ", "))
	if len(report.AffectedResources) > 0 {
		fmt.Fprintf(&b, "Resources:  %s\n", strings.Join(report.AffectedResources, ", "))
	}
	if report.Degraded {
		fmt.Fprintf(&b, "Analysis:   degraded (%s)\n", report.FailureReason)
	} else {
		fmt.Fprintf(&b, "Confidence: %.0f%%\n", report.Confidence*100)
	}
	fmt.Fprintf(&b, "\nSummary\n%s\n\nRoot cause\n%s\n\nImpact\n%s\n", report.IssueSummary, report.RootCause, report.Impact)
	if len(report.SuggestedActions) > 0 {
		b.WriteString("\nSuggested actions\n")
		for i, action := range report.SuggestedActions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, action)
		}
	}
	return b.String()
}

var htmlBody = template.Must(template.New("report").Funcs(template.FuncMap{
	"pct": func(v float64) string { return fmt.Sprintf("%.0f%%", v*100) },
	"ts":  func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
}).Parse(`<html><body style="font-family: Arial, sans-serif; color: #333;">
<h2>{{.Title}}</h2>
<table cellpadding="4">
<tr><td><b>Severity</b></td><td>{{.Severity}}</td></tr>
<tr><td><b>Window</b></td><td>{{ts .FirstSeen}} - {{ts .LastSeen}}</td></tr>
<tr><td><b>Anomalies</b></td><td>{{.AnomalyCount}}</td></tr>
<tr><td><b>Rules</b></td><td>{{range $i, $r := .Rules}}{{if $i}}, {{end}}{{$r}}{{end}}</td></tr>
{{if .AffectedResources}}<tr><td><b>Resources</b></td><td>{{range $i, $r := .AffectedResources}}{{if $i}}, {{end}}{{$r}}{{end}}</td></tr>{{end}}
{{if .Degraded}}<tr><td><b>Analysis</b></td><td>degraded ({{.FailureReason}})</td></tr>{{else}}<tr><td><b>Confidence</b></td><td>{{pct .Confidence}}</td></tr>{{end}}
</table>
<h3>Summary</h3><p>{{.IssueSummary}}</p>
<h3>Root cause</h3><p>{{.RootCause}}</p>
<h3>Impact</h3><p>{{.Impact}}</p>
{{if .SuggestedActions}}<h3>Suggested actions</h3><ol>{{range .SuggestedActions}}<li>{{.}}</li>{{end}}</ol>{{end}}
</body></html>`))
