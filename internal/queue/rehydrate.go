package queue

import (
	"time"

	"go.uber.org/zap"
)

// LoadPending rehydrates jobs that were non-terminal when the process last
// stopped (Persistence module, spec §6). Each job re-enters the pending FIFO
// with its assigned-session cleared — workers must re-register and the job
// is reassigned from scratch — but its reservation-id is preserved so the
// eventual Debit/Refund still settles against the original hold.
func (q *Queue) LoadPending(jobs []*Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, j := range jobs {
		j.Status = StatusPending
		j.AssignedSession = ""
		j.AssignedAt = time.Time{}
		q.jobs[j.JobID] = j
		q.pending = append(q.pending, j.JobID)
	}

	if len(jobs) > 0 {
		q.logger.Info("rehydrated pending jobs", zap.Int("count", len(jobs)))
	}
}
