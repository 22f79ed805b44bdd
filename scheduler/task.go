// Package scheduler drives a fixed, pre-computed DAG of tasks to completion
// across a pool of remote workers. It owns worker-affinity-aware assignment,
// bounded per-worker concurrency, bounded retries, and cascading invalidation
// of dependents when a worker loss invalidates a materialized result.
//
// Task construction, DAG building, task-body execution, worker discovery,
// RPC transport, and persistence are the caller's responsibility; Task and
// Worker below are the contracts this package expects from them.
package scheduler

import "context"

// TaskID stably and uniquely identifies a task. It must be comparable and
// orderable so ties in priority resolve deterministically.
type TaskID string

// WorkerName uniquely identifies a worker handle.
type WorkerName string

// LocalityScore advises the assignment engine about a single task/worker
// pairing. Score < 0 forbids the worker from running the task; score > 0
// prefers the worker, with a higher magnitude indicating a stronger
// preference; score == 0 (the zero value, and the implicit default for any
// worker not returned by Locality) is indifferent and carries no entry.
type LocalityScore struct {
	Worker WorkerName
	Score  int
}

// Future is the one-shot completion handle returned by Task.Execute. The
// scheduler registers exactly one callback per dispatch; the implementation
// must invoke it exactly once, after the task's Failed/Exception state has
// been updated to reflect the outcome.
type Future interface {
	OnComplete(cb func())
}

// Task is an opaque, externally-owned unit of deferred work. The scheduler
// never constructs or mutates the dependency graph itself; it only reads
// Dependencies/Dependents and drives Execute/Cancel/MarkFailed.
type Task interface {
	ID() TaskID
	Priority() int

	// Dependencies lists the tasks that must complete before this one may
	// run. Dependents is the inverse edge set, maintained by the caller.
	Dependencies() []TaskID
	Dependents() []TaskID

	// StoppedOn reports a worker on which this task is already materialized,
	// letting the scheduler skip execution entirely and mark it executed.
	StoppedOn() (WorkerName, bool)

	// ExecutedOnLast reports the worker used for the most recent dispatch
	// attempt, if any. ExecutedOn returns every attempt in order, for
	// diagnostics and attempt counting.
	ExecutedOnLast() (WorkerName, bool)
	ExecutedOn() []WorkerName

	// Failed and Exception expose the outcome of the most recent attempt.
	Failed() bool
	Exception() error

	// MarkFailed injects a failure, used by the resolver to record
	// synthetic cascade causes (FailedDependency) on a dependency task.
	MarkFailed(err error)

	// Cancel best-effort cancels an outstanding execution. It must not
	// block, and its effect (if any) is observed later via the task's
	// Future completing.
	Cancel()

	// Execute dispatches the task to worker and returns immediately; the
	// returned Future resolves asynchronously when the attempt concludes.
	// Execute must not block on the work itself.
	Execute(ctx context.Context, worker WorkerName) Future

	// Locality advises the assignment engine for this task against the
	// given worker set. Workers with score 0 may be omitted.
	Locality(workers []WorkerName) []LocalityScore
}

// Worker is an opaque remote execution endpoint identified by a unique name.
type Worker interface {
	Name() WorkerName
}
