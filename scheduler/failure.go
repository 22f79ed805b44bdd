package scheduler

import (
	"context"
	"errors"
	"fmt"
)

func (s *Scheduler) inExecutingLocked(id TaskID) bool {
	_, ok := s.executing[id]
	return ok
}

// taskFailedLocked implements the failure resolver of spec.md §4.6. It
// recurses for dependency cascades; since the mutex is already held by the
// caller (all *Locked methods assume this) and Go calls don't re-acquire
// it, the recursion needs no reentrant lock — only the bounded depth noted
// in §9 applies.
func (s *Scheduler) taskFailedLocked(task Task) {
	id := task.ID()
	rec, ok := s.tasks[id]
	if !ok {
		s.fatalf("scheduler: taskFailedLocked on unknown task %q", id)
	}

	if s.executable.Contains(id) || s.inExecutingLocked(id) || len(rec.blockedOn) > 0 {
		return // already rescheduled by an earlier step of this same cascade
	}

	// rec.status was left at statusExecuting by dispatchLocked and is never
	// otherwise updated on the failure path; reset it now so the final
	// setExecutableLocked call below (and any idempotency check downstream)
	// reads this task as pending reschedule rather than still in flight.
	rec.status = statusBlocked

	for _, depID := range task.Dependents() {
		depRec, ok := s.tasks[depID]
		if !ok {
			continue // caller-owned graph; tolerate stale dependent references
		}
		depRec.blockedOn[id] = struct{}{}
		if depRec.status == statusExecutable {
			s.executable.Remove(depID)
			for _, set := range s.executableOn {
				set.Remove(depID)
			}
		}
		// depRec.status is only a cache; whether the dependent is actually
		// still in flight is authoritatively tracked by s.executing. A
		// dependent that already failed or completed keeps a stale
		// statusExecuting/statusExecuted reading here and must still be
		// forced to statusBlocked so it is re-admitted once id is redone.
		if !s.inExecutingLocked(depID) {
			depRec.status = statusBlocked
		}
	}

	switch cause := task.Exception().(type) {
	case *DependenciesFailed:
		for w, depIDs := range cause.Failures {
			for _, depID := range depIDs {
				depRec, known := s.tasks[depID]
				if !known {
					s.abortLocked(fmt.Errorf("scheduler: dependency %q reported by %q is unknown", depID, id))
					return
				}
				last, hasLast := depRec.task.ExecutedOnLast()
				if w == "" || (hasLast && last == w) {
					depRec.task.MarkFailed(&FailedDependency{Cause: cause.Error()})
					s.taskFailedLocked(depRec.task)
				}
				// else: stale report, overtaken by a newer re-execution; ignore.
			}
		}
	case *FailedDependency:
		if w, ok := task.ExecutedOnLast(); ok {
			s.markWorkerFailedLocked(w)
		}
	case *NotConnected:
		w := cause.Worker
		if last, ok := task.ExecutedOnLast(); ok {
			w = last
		}
		s.markWorkerFailedLocked(w)
	default:
		rec.failures++
		s.retryCounter.Add(context.Background(), 1)
		s.done(DoneResult{Task: task, Err: cause})
		if rec.failures >= s.attempts {
			s.abortLocked(cause)
			return
		}
	}

	if s.allWorkersFailedLocked() {
		s.abortLocked(errors.New("scheduler: all workers failed"))
		return
	}
	if !s.executable.Contains(id) && !s.inExecutingLocked(id) && len(rec.blockedOn) == 0 {
		s.setExecutableLocked(id)
	}
}

func (s *Scheduler) markWorkerFailedLocked(w WorkerName) {
	if _, already := s.workersFailed[w]; already {
		return
	}
	s.workersFailed[w] = struct{}{}
	delete(s.workersIdle, w)
	s.workerLossCounter.Add(context.Background(), 1)
}
