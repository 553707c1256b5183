// Package monitoring watches run history and raises webhook alerts when the
// ingest pipeline degrades: failed runs piling up, sources falling back to
// replay snapshots, or the dead-letter table growing past its threshold.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bikecorp/ingest-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate  AlertType = "run_failure_rate"
	AlertReplayFallback  AlertType = "replay_fallback"
	AlertDeadLetterDepth AlertType = "dead_letter_depth"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Check run failure rate. At least 5 runs must have finished in the
	// window before the rate means anything.
	finished := snap.RunsComplete + snap.RunsDegraded + snap.RunsFailed
	if finished >= 5 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"fail_rate": snap.FailRate,
				"threshold": a.cfg.FailureRateThreshold,
				"failed":    snap.RunsFailed,
				"finished":  finished,
			},
			Timestamp: now,
		})
	}

	// Check replay fallback. A fallback means a primary source was
	// unreachable for an entire fetch, so the stored data is as stale as the
	// staged snapshots.
	if snap.FallbackRuns > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertReplayFallback,
			Severity: "warning",
			Message: fmt.Sprintf(
				"%d run(s) fell back to CSV replay snapshots in last %dh",
				snap.FallbackRuns, snap.LookbackHours,
			),
			Details: map[string]any{
				"fallback_runs": snap.FallbackRuns,
				"total_runs":    snap.RunsTotal,
			},
			Timestamp: now,
		})
	}

	// Check dead-letter depth.
	if a.cfg.DeadLetterThreshold > 0 && snap.DeadLetterDepth > a.cfg.DeadLetterThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDeadLetterDepth,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d dead-lettered record(s) exceed threshold %d",
				snap.DeadLetterDepth, a.cfg.DeadLetterThreshold,
			),
			Details: map[string]any{
				"depth":     snap.DeadLetterDepth,
				"threshold": a.cfg.DeadLetterThreshold,
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
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
