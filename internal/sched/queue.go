// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/platinasystems/mgpu/internal/ring"
	"github.com/platinasystems/mgpu/internal/wire"
)

// Queue is one hardware queue's software-side admission control and
// per-priority pending lists. Its mutex is the "per-queue scheduler
// lock", the finest lock in the driver's lock ordering.
type Queue struct {
	ID    uint
	Ring  *ring.Ring
	depth int64

	admission *semaphore.Weighted // tracks queue_depth, mirroring mgpu_queue.pending_starts

	mu      sync.Mutex
	pending [wire.NumPriorities][]*Job
	current *Job
}

// NewQueue creates a queue with the given admission depth (queue_depth in
// the original driver, hardcoded to 16 there; configurable here).
func NewQueue(id uint, r *ring.Ring, depth int) *Queue {
	if depth <= 0 {
		depth = wire.DefaultQueueDepth
	}
	return &Queue{
		ID:        id,
		Ring:      r,
		depth:     int64(depth),
		admission: semaphore.NewWeighted(int64(depth)),
	}
}

// TrySubmit admits job into the queue's pending list for its priority
// bucket. Enqueueing is unbounded by queue_depth: admission limits bound
// in_flight_count (running jobs), not pending ones, so a lower-priority
// job already occupying the running slot never blocks higher-priority
// arrivals from enqueueing behind it.
func (q *Queue) TrySubmit(job *Job) error {
	q.mu.Lock()
	q.pending[job.Priority] = append(q.pending[job.Priority], job)
	job.setState(StateQueued)
	q.mu.Unlock()
	return nil
}

// tryAdmit acquires one in_flight_count slot, called from dispatch just
// before a job starts running (mgpu_queue_submit_job's pending_starts >=
// queue_depth check, moved to the point where it actually gates hardware
// concurrency rather than software enqueueing).
func (q *Queue) tryAdmit() bool { return q.admission.TryAcquire(1) }

// release returns one admission slot, called once a job that was admitted
// leaves the queue terminally.
func (q *Queue) release() { q.admission.Release(1) }

// popReady removes and returns the highest-priority ready job, scanning
// realtime down to low the way mgpu_sched_process_queue does. It reports
// ok=false if no pending job is currently ready (blocked on a
// dependency).
func (q *Queue) popReady() (job *Job, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := int(wire.NumPriorities) - 1; p >= 0; p-- {
		bucket := q.pending[wire.Priority(p)]
		for i, j := range bucket {
			if j.IsReady() {
				q.pending[wire.Priority(p)] = append(bucket[:i:i], bucket[i+1:]...)
				return j, true
			}
		}
	}
	return nil, false
}

// requeue puts job back at the front of its priority bucket, used when
// dispatch fails transiently (ring busy) and the job should be retried
// before newer arrivals in the same bucket.
func (q *Queue) requeue(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	bucket := q.pending[job.Priority]
	q.pending[job.Priority] = append([]*Job{job}, bucket...)
}

// setCurrent records the job now executing on this queue, or nil.
func (q *Queue) setCurrent(job *Job) {
	q.mu.Lock()
	q.current = job
	q.mu.Unlock()
}

// Current returns the job currently executing on this queue, if any.
func (q *Queue) Current() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// cancelPending removes job from its bucket if still waiting, reporting
// whether it was found there. Used by CancelJob for jobs that have not
// yet been dispatched.
func (q *Queue) cancelPending(job *Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	bucket := q.pending[job.Priority]
	for i, j := range bucket {
		if j.ID == job.ID {
			q.pending[job.Priority] = append(bucket[:i:i], bucket[i+1:]...)
			return true
		}
	}
	return false
}
