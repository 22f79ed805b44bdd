// Package runctl tracks in-flight scheduler runs by run ID and lets an
// operator cancel one from outside the goroutine that started it.
package runctl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/parallax-systems/taskmesh/scheduler"
)

// Status is the externally visible lifecycle state of a tracked run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// entry pairs a run's scheduler with enough bookkeeping to cancel and
// report on it later.
type entry struct {
	workflow    string
	sched       *scheduler.Scheduler
	status      Status
	startedAt   time.Time
	endedAt     time.Time
	cancelReason string
}

// Manager tracks every active scheduler.Scheduler run by run ID, the way
// the teacher's cancellation manager tracked WorkflowExecutions, adapted
// to cancel via scheduler.Scheduler.Abort instead of a bare
// context.CancelFunc.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

// NewManager constructs a Manager instrumented against meter.
func NewManager(meter metric.Meter) *Manager {
	cancellations, _ := meter.Int64Counter("taskmesh_run_cancellations_total")
	return &Manager{
		entries:       make(map[string]*entry),
		cancellations: cancellations,
		tracer:        otel.Tracer("taskmesh-runctl"),
	}
}

// Register begins tracking runID as running against sched.
func (m *Manager) Register(runID, workflow string, sched *scheduler.Scheduler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[runID] = &entry{workflow: workflow, sched: sched, status: StatusRunning, startedAt: time.Now()}
}

// Complete records the terminal status of a finished run. err is the
// error scheduler.Run returned, if any.
func (m *Manager) Complete(runID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[runID]
	if !ok {
		return
	}
	e.endedAt = time.Now()
	switch {
	case e.status == StatusCancelled:
		// already marked by Cancel; leave as-is
	case err != nil:
		e.status = StatusFailed
	default:
		e.status = StatusCompleted
	}
}

// Cancel aborts the scheduler run tracked under runID.
func (m *Manager) Cancel(ctx context.Context, runID, reason string) error {
	ctx, span := m.tracer.Start(ctx, "runctl.cancel", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("reason", reason),
	))
	defer span.End()

	m.mu.Lock()
	e, ok := m.entries[runID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("runctl: run %q not found or already completed", runID)
	}
	if e.status != StatusRunning {
		m.mu.Unlock()
		return fmt.Errorf("runctl: run %q is not running (status: %s)", runID, e.status)
	}
	e.status = StatusCancelled
	e.cancelReason = reason
	e.endedAt = time.Now()
	m.mu.Unlock()

	e.sched.Abort(fmt.Errorf("runctl: cancelled: %s", reason))

	m.cancellations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", e.workflow),
		attribute.String("reason", reason),
	))
	span.AddEvent("run_cancelled")
	return nil
}

// Status reports the current lifecycle state of a tracked run.
func (m *Manager) Status(runID string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[runID]
	if !ok {
		return "", false
	}
	return e.status, true
}

// Active lists every run ID currently in the running state.
func (m *Manager) Active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		if e.status == StatusRunning {
			out = append(out, id)
		}
	}
	return out
}

// Sweep removes completed/failed/cancelled entries older than olderThan,
// bounding memory use for long-lived daemons with high run turnover.
func (m *Manager) Sweep(olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.status != StatusRunning && e.endedAt.Before(cutoff) {
			delete(m.entries, id)
		}
	}
}
