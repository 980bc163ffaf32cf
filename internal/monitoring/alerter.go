package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ceagles/receipt-tracker/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailed        AlertType = "run_failed"
	AlertDetectionLockout AlertType = "detection_lockout"
	AlertFailureRate      AlertType = "run_failure_rate"
	AlertDeferredBacklog  AlertType = "deferred_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a finished run and the recent run history against
// configured thresholds and sends alerts via webhook.
type Alerter struct {
	cfg    Config
	client *resty.Client
	log    *zap.Logger
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg Config) *Alerter {
	return &Alerter{
		cfg: cfg,
		client: resty.New().
			SetTimeout(10*time.Second).
			SetHeader("Content-Type", "application/json"),
		log: zap.L().With(zap.String("component", "monitoring.alerter")),
	}
}

// Evaluate checks the report and snapshot and returns any alerts. Either
// argument may be nil.
func (a *Alerter) Evaluate(report *model.RunReport, snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if report != nil && report.Terminal != model.TerminalNone {
		typ, severity := AlertRunFailed, "high"
		if report.Terminal == model.TerminalDetectionLockout {
			typ, severity = AlertDetectionLockout, "critical"
		}
		alerts = append(alerts, Alert{
			Type:     typ,
			Severity: severity,
			Message:  fmt.Sprintf("Run %s stopped: %s. %s", report.RunID, report.Terminal, report.Message),
			Details: map[string]any{
				"run_id":   report.RunID,
				"terminal": report.Terminal,
				"stored":   report.Stored(),
				"deferred": len(report.Deferred),
			},
			Timestamp: now,
		})
	}

	if snap == nil {
		return alerts
	}

	finished := snap.RunsComplete + snap.RunsPartial + snap.RunsFailed
	if finished >= 5 && a.cfg.FailureRateThreshold > 0 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
				"lockouts":     snap.Lockouts,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DeferredThreshold > 0 && snap.DeferredWindows >= a.cfg.DeferredThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDeferredBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d deferred window(s) waiting for a retry pass (threshold %d)",
				snap.DeferredWindows, a.cfg.DeferredThreshold,
			),
			Details: map[string]any{
				"deferred_windows": snap.DeferredWindows,
				"threshold":        a.cfg.DeferredThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			a.log.Error("failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		a.log.Info("alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(alert).
		Post(a.cfg.WebhookURL)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	if resp.StatusCode() >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode())
	}
	return nil
}
