package monitoring

import (
	"context"

	"go.uber.org/zap"

	"github.com/ceagles/receipt-tracker/internal/model"
)

// Checker runs the post-run alert check.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       Config
}

// NewChecker creates an alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg Config) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Check collects the recent history for the report's account, evaluates it
// together with the report and sends any alerts. It returns the alerts
// raised; delivery failures are logged only.
func (c *Checker) Check(ctx context.Context, report *model.RunReport) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	var snap *MetricsSnapshot
	if report != nil {
		var err error
		snap, err = c.collector.Collect(ctx, report.Identity, c.cfg.LookbackWindowHours)
		if err != nil {
			log.Error("failed to collect metrics", zap.Error(err))
		}
	}

	alerts := c.alerter.Evaluate(report, snap)
	if len(alerts) == 0 {
		log.Debug("no alerts triggered")
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}
