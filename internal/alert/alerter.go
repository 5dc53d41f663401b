package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/huangpi1030-tech/x402-account/internal/metrics"
)

// AlertType categorizes the kind of alert.
type AlertType string

const (
	AlertTypeGapDetected      AlertType = "GAP_DETECTED"
	AlertTypeEndpointDisabled AlertType = "RPC_ENDPOINT_DISABLED"
	AlertTypeRPCExhausted     AlertType = "RPC_EXHAUSTED"
	AlertTypeRPCRecovered     AlertType = "RPC_RECOVERED"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Severity of an alert type; channels use it for formatting only.
func (t AlertType) Severity() Severity {
	switch t {
	case AlertTypeRPCExhausted, AlertTypeGapDetected:
		return SeverityCritical
	case AlertTypeRPCRecovered:
		return SeverityInfo
	default:
		return SeverityWarning
	}
}

// Alert is one notification. Subject is the wallet, endpoint or RPC
// method the alert is about; cooldown is tracked per type and subject.
type Alert struct {
	Type    AlertType
	Network string
	Subject string
	Title   string
	Message string
	Fields  map[string]string
	// Time defaults to the send time.
	Time time.Time
}

func (a Alert) sortedFieldKeys() []string {
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Channel is an Alerter with a name for metrics and logs.
type Channel interface {
	Alerter
	Name() string
}

// New builds the configured channels behind a cooldown. With no channel
// configured it returns a NoopAlerter.
func New(slackURL, webhookURL string, cooldown time.Duration, logger *slog.Logger) Alerter {
	var channels []Channel
	if slackURL != "" {
		channels = append(channels, NewSlackAlerter(slackURL))
	}
	if webhookURL != "" {
		channels = append(channels, NewWebhookAlerter(webhookURL))
	}
	if len(channels) == 0 {
		return &NoopAlerter{}
	}
	return NewMultiAlerter(cooldown, logger, channels...)
}

// MultiAlerter fans an alert out to every channel and suppresses repeats
// of the same type and subject inside the cooldown.
type MultiAlerter struct {
	channels []Channel
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, channels ...Channel) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{
		channels: channels,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// suppress reports whether key fired within the cooldown, and stamps it
// otherwise.
func (m *MultiAlerter) suppress(key string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		return true
	}
	m.lastSent[key] = now
	return false
}

// Send returns the first channel error; the remaining channels are still
// tried.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	now := m.now()
	if alert.Time.IsZero() {
		alert.Time = now
	}
	key := string(alert.Type) + "|" + alert.Network + "|" + alert.Subject
	if m.suppress(key, now) {
		m.logger.Debug("alert suppressed by cooldown", "type", alert.Type, "subject", alert.Subject)
		for _, ch := range m.channels {
			metrics.AlertsCooldownSkipped.WithLabelValues(ch.Name(), string(alert.Type)).Inc()
		}
		return nil
	}

	var firstErr error
	for _, ch := range m.channels {
		err := ch.Send(ctx, alert)
		if err == nil {
			metrics.AlertsSentTotal.WithLabelValues(ch.Name(), string(alert.Type)).Inc()
			continue
		}
		m.logger.Warn("alert delivery failed",
			"channel", ch.Name(), "type", alert.Type, "subject", alert.Subject, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", ch.Name(), err)
		}
	}
	return firstErr
}

var slackColors = map[Severity]string{
	SeverityCritical: "#d63232",
	SeverityWarning:  "#e8a317",
	SeverityInfo:     "#2eb67d",
}

// SlackAlerter posts to a Slack incoming webhook using a legacy
// attachment so the severity shows as a colour bar.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{webhookURL: webhookURL, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *SlackAlerter) Name() string { return "slack" }

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields,omitempty"`
	Footer string       `json:"footer"`
	TS     int64        `json:"ts,omitempty"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	sev := alert.Type.Severity()
	att := slackAttachment{
		Color:  slackColors[sev],
		Title:  alert.Title,
		Text:   alert.Message,
		Footer: "x402 reconciliation · " + alert.Network,
	}
	if !alert.Time.IsZero() {
		att.TS = alert.Time.Unix()
	}
	for _, k := range alert.sortedFieldKeys() {
		att.Fields = append(att.Fields, slackField{Title: k, Value: alert.Fields[k], Short: true})
	}
	msg := slackMessage{
		Text:        fmt.Sprintf("[%s] %s %s", alert.Type, alert.Network, alert.Subject),
		Attachments: []slackAttachment{att},
	}
	return postJSON(ctx, s.client, s.webhookURL, msg)
}

// WebhookAlerter posts a flat JSON document to an arbitrary endpoint.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookAlerter) Name() string { return "webhook" }

type webhookPayload struct {
	Type     AlertType         `json:"type"`
	Severity Severity          `json:"severity"`
	Network  string            `json:"network"`
	Subject  string            `json:"subject"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	Time     string            `json:"time"`
}

func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	at := alert.Time
	if at.IsZero() {
		at = time.Now()
	}
	return postJSON(ctx, w.client, w.url, webhookPayload{
		Type:     alert.Type,
		Severity: alert.Type.Severity(),
		Network:  alert.Network,
		Subject:  alert.Subject,
		Title:    alert.Title,
		Message:  alert.Message,
		Fields:   alert.Fields,
		Time:     at.UTC().Format(time.RFC3339),
	})
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// NoopAlerter drops every alert.
type NoopAlerter struct{}

func (n *NoopAlerter) Send(context.Context, Alert) error { return nil }
