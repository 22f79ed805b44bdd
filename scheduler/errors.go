package scheduler

import (
	"fmt"
	"sort"
	"strings"
)

// DependenciesFailed is raised by a task that discovers, at execution time,
// that one or more of its materialized dependencies are no longer valid.
// Failures maps the worker that was hosting each dependency (or "" if the
// reporting task does not know which worker) to the set of dependency task
// IDs lost on that worker.
type DependenciesFailed struct {
	Failures map[WorkerName][]TaskID
}

func (e *DependenciesFailed) Error() string {
	var b strings.Builder
	b.WriteString("dependencies failed:")
	workers := make([]WorkerName, 0, len(e.Failures))
	for w := range e.Failures {
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i] < workers[j] })
	for _, w := range workers {
		ids := e.Failures[w]
		label := string(w)
		if label == "" {
			label = "<unknown>"
		}
		idStrs := make([]string, len(ids))
		for i, id := range ids {
			idStrs[i] = string(id)
		}
		fmt.Fprintf(&b, " %s=[%s]", label, strings.Join(idStrs, ","))
	}
	return b.String()
}

// FailedDependency is a synthetic cause the failure resolver attaches to a
// dependency task when cascading a DependenciesFailed report. It is never
// raised by a Task implementation directly.
type FailedDependency struct {
	Cause string
}

func (e *FailedDependency) Error() string {
	if e.Cause == "" {
		return "failed dependency"
	}
	return e.Cause
}

// NotConnected indicates the transport layer lost its connection to the
// worker a task was dispatched to. The task is rescheduled without
// consuming a retry attempt; the worker is marked failed.
type NotConnected struct {
	Worker WorkerName
}

func (e *NotConnected) Error() string {
	return fmt.Sprintf("worker %s not connected", e.Worker)
}

// errAborted is the terminal done() payload used when Abort is called
// without a more specific cause.
type errAborted struct{ reason string }

func (e *errAborted) Error() string {
	if e.reason == "" {
		return "aborted"
	}
	return e.reason
}
