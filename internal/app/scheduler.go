package app

import (
	"context"
	"time"

	"github.com/wagate/wagate/internal/campaign"
	"github.com/wagate/wagate/internal/queue"
	"go.uber.org/zap"
)

// Health-check payload mirrored here to avoid an app -> worker dependency.
type healthCheckPayload struct {
	Scope string `json:"scope"`
}

// ScheduleMaintenance registers the recurring background work: periodic
// health-check enqueues and the daily cleanup of finished bulk jobs. The
// checks go through the maintenance queue so they share the workers' rate
// limiting instead of running inline in the scheduler.
func (a *Application) ScheduleMaintenance(enq queue.Enqueuer, campaigns *campaign.Store) {
	var err error
	_, err = a.sched.AddFunc("@every 5m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := enq.Enqueue(ctx, "connection_health_check",
			healthCheckPayload{Scope: "inactive"}); err != nil {
			zap.L().Warn("failed to enqueue inactive check", zap.Error(err))
		}
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@every 15m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := enq.Enqueue(ctx, "connection_health_check",
			healthCheckPayload{Scope: "all_paired"}); err != nil {
			zap.L().Warn("failed to enqueue paired check", zap.Error(err))
		}
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@daily", func() {
		days := a.GetSettingsInt64Value("bulk", "retention_days")
		if days <= 0 {
			days = 30
		}
		cutoff := time.Now().Add(-time.Hour * 24 * time.Duration(days))
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := campaigns.DeleteJobsBefore(ctx, cutoff); err != nil {
			zap.L().Warn("failed to clean up old bulk jobs", zap.Error(err))
		}
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}
}
