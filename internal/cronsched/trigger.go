// Package cronsched fires scheduler runs on a cron schedule or in response
// to external events, independent of the scheduler core itself — a cron
// tick or an event is just another caller of RunFunc.
package cronsched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// RunFunc starts one scheduler run for the named workflow. It is supplied
// by the daemon, which owns translating a workflow name into a concrete
// scheduler.Scheduler instance.
type RunFunc func(ctx context.Context, workflow string) error

// TriggerConfig defines when and how often a workflow is run.
type TriggerConfig struct {
	Workflow      string
	CronExpr      string        // e.g. "0 */5 * * * *"; empty disables cron firing
	MaxConcurrent int           // 0 = unlimited concurrent runs for this trigger
	Timeout       time.Duration // 0 = no deadline beyond the parent context
}

// Trigger owns a cron scheduler and a set of named trigger configs, firing
// RunFunc either on a schedule or on demand via FireEvent.
type Trigger struct {
	cron *cron.Cron
	run  RunFunc

	mu       sync.Mutex
	inFlight map[string]int

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	eventTriggers metric.Int64Counter
	tracer        trace.Tracer
}

// NewTrigger constructs a Trigger with second-precision cron scheduling.
func NewTrigger(run RunFunc, meter metric.Meter) *Trigger {
	scheduleRuns, _ := meter.Int64Counter("taskmesh_trigger_runs_total")
	scheduleFails, _ := meter.Int64Counter("taskmesh_trigger_failures_total")
	eventTriggers, _ := meter.Int64Counter("taskmesh_trigger_event_total")

	return &Trigger{
		cron:          cron.New(cron.WithSeconds()),
		run:           run,
		inFlight:      make(map[string]int),
		scheduleRuns:  scheduleRuns,
		scheduleFails: scheduleFails,
		eventTriggers: eventTriggers,
		tracer:        otel.Tracer("taskmesh-cronsched"),
	}
}

// AddSchedule registers cfg's cron expression, if any, returning the cron
// entry id for later removal.
func (t *Trigger) AddSchedule(cfg TriggerConfig) (cron.EntryID, error) {
	if cfg.CronExpr == "" {
		return 0, nil
	}
	return t.cron.AddFunc(cfg.CronExpr, func() {
		t.fire(context.Background(), cfg)
	})
}

// RemoveSchedule cancels a previously registered cron entry.
func (t *Trigger) RemoveSchedule(id cron.EntryID) { t.cron.Remove(id) }

// FireEvent triggers cfg's workflow immediately, outside the cron clock,
// subject to the same MaxConcurrent gate as scheduled runs.
func (t *Trigger) FireEvent(ctx context.Context, cfg TriggerConfig) error {
	t.eventTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", cfg.Workflow)))
	return t.fire(ctx, cfg)
}

func (t *Trigger) fire(ctx context.Context, cfg TriggerConfig) error {
	if cfg.MaxConcurrent > 0 {
		t.mu.Lock()
		if t.inFlight[cfg.Workflow] >= cfg.MaxConcurrent {
			t.mu.Unlock()
			slog.Warn("trigger skipped, max concurrency reached", "workflow", cfg.Workflow)
			return fmt.Errorf("cronsched: workflow %q at max concurrency %d", cfg.Workflow, cfg.MaxConcurrent)
		}
		t.inFlight[cfg.Workflow]++
		t.mu.Unlock()
		defer func() {
			t.mu.Lock()
			t.inFlight[cfg.Workflow]--
			t.mu.Unlock()
		}()
	}

	runCtx, span := t.tracer.Start(ctx, "cronsched.fire", trace.WithAttributes(attribute.String("workflow", cfg.Workflow)))
	defer span.End()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, cfg.Timeout)
		defer cancel()
	}

	if err := t.run(runCtx, cfg.Workflow); err != nil {
		t.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", cfg.Workflow)))
		span.RecordError(err)
		slog.Error("triggered run failed", "workflow", cfg.Workflow, "error", err)
		return err
	}
	t.scheduleRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", cfg.Workflow)))
	return nil
}

// Start begins firing cron-scheduled triggers.
func (t *Trigger) Start() { t.cron.Start() }

// Stop blocks until any in-progress cron invocation completes or ctx is
// done, whichever comes first.
func (t *Trigger) Stop(ctx context.Context) error {
	stopped := t.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
