package scheduler

// selectTaskLocked implements the assignment engine of spec.md §4.3.
func (s *Scheduler) selectTaskLocked(w WorkerName) (Task, bool) {
	if set, ok := s.executableOn[w]; ok {
		for _, id := range set.Items() {
			rec, known := s.tasks[id]
			if !known {
				s.fatalf("scheduler: executable_on[%s] references unknown task %q", w, id)
			}
			switch rec.status {
			case statusExecuting, statusExecuted:
				set.Remove(id) // serviced elsewhere; stale preference entry
				continue
			case statusExecutable:
				return rec.task, true
			case statusBlocked:
				continue // may return to executable later; leave in place
			default:
				s.fatalf("scheduler: task %q in executable_on[%s] has no tracked status", id, w)
			}
		}
	}

	for _, id := range s.executable.Items() {
		if s.isForbiddenLocked(id, w) {
			continue
		}
		return s.tasks[id].task, true
	}

	return nil, false
}
