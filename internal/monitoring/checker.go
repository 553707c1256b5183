package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bikecorp/ingest-cli/internal/config"
)

// Checker drives Collect -> Evaluate -> SendAlerts on an interval while
// schedule or serve mode is up.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	log       *zap.Logger
}

// NewChecker wires a collector and alerter into a background loop.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
	}
}

// Run blocks until ctx is cancelled. The first check fires immediately so a
// freshly started scheduler reports existing problems without waiting out a
// full interval.
func (c *Checker) Run(ctx context.Context) {
	interval := c.cfg.CheckInterval()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	c.log.Info("starting health checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackHours))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.check(ctx)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.check(ctx)
		}
	}
}

func (c *Checker) check(ctx context.Context) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackHours)
	if err != nil {
		c.log.Error("collect metrics", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		c.log.Debug("no alerts triggered")
		return
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	c.log.Info("alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent))
}
