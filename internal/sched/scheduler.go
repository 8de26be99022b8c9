// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinasystems/mgpu/internal/fence"
	"github.com/platinasystems/mgpu/internal/mgpuerr"
	"github.com/platinasystems/mgpu/internal/validate"
	"github.com/platinasystems/mgpu/internal/wire"
)

// Request describes one job submission.
type Request struct {
	Priority     wire.Priority
	Type         Type
	Commands     [][]uint32
	Dependencies []uint64
	TimeoutMS    uint32
	VertexBaseSet bool
}

// Scheduler dispatches jobs across a fixed set of hardware queues,
// mirroring mgpu_sched.c: auto queue selection by workload type, a
// priority scan on every dispatch attempt, and a periodic timeout sweep.
type Scheduler struct {
	queues    []*Queue
	graph     *graph
	fence     *fence.Engine
	validator *validate.Validator
	log       *logrus.Entry

	wake chan struct{}

	mu      sync.Mutex
	running map[uint64]*Job // jobs currently executing, keyed by ID

	// OnHang is invoked from the timeout sweep when a running job
	// exceeds its deadline, so the health/reset engine can act. It may
	// be nil.
	OnHang func(job *Job)
}

// New creates a scheduler over queues, which must already be constructed
// (one per hardware ring) in queue-index order.
func New(queues []*Queue, fenceEngine *fence.Engine, validator *validate.Validator, log *logrus.Entry) *Scheduler {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	return &Scheduler{
		queues:    queues,
		graph:     newGraph(),
		fence:     fenceEngine,
		validator: validator,
		log:       log,
		wake:      make(chan struct{}, 1),
		running:   make(map[uint64]*Job),
	}
}

// selectQueue implements mgpu_sched_submit_job's auto-assignment: compute
// workloads prefer queue 1 if a second queue exists, DMA workloads prefer
// queue 2 if a third queue exists, everything else (and any workload that
// can't get its preferred queue) uses queue 0.
func (s *Scheduler) selectQueue(typ Type) *Queue {
	switch {
	case typ == TypeCompute && len(s.queues) > 1:
		return s.queues[1]
	case typ == TypeDMA && len(s.queues) > 2:
		return s.queues[2]
	default:
		return s.queues[0]
	}
}

// Submit validates req's commands, registers it and its dependencies in
// the job graph, and admits it onto its queue's pending list.
func (s *Scheduler) Submit(req Request) (*Job, error) {
	const op = "sched.Submit"
	for _, rec := range req.Commands {
		if err := s.validator.ValidateCommand(rec, validate.State{VertexBaseSet: req.VertexBaseSet}); err != nil {
			return nil, err
		}
	}

	id := s.graph.allocID()
	job := newJob(id, req.Priority, req.Type, req.TimeoutMS)
	job.Commands = req.Commands
	job.SubmittedAt = time.Now()
	s.graph.add(job)

	for _, pred := range req.Dependencies {
		if err := s.graph.addDependency(id, pred); err != nil {
			s.graph.remove(id)
			return nil, err
		}
	}

	q := s.selectQueue(req.Type)
	job.Queue = q.ID
	job.FenceValue = s.fence.Next()
	job.FenceAddr = wire.FenceCellAddr(q.ID)

	if err := s.fence.Emit(job.FenceAddr, job.FenceValue); err != nil {
		s.graph.remove(id)
		return nil, err
	}
	// The FENCE record rides at the end of the job's own command stream;
	// the device writes job.FenceValue into job.FenceAddr once it
	// processes this record, which is what awaitCompletion waits on.
	job.Commands = append(job.Commands, []uint32{
		wire.Header{Opcode: wire.OpFence, Size: 3}.Encode(),
		job.FenceAddr,
		uint32(job.FenceValue),
	})

	if err := q.TrySubmit(job); err != nil {
		s.graph.remove(id)
		return nil, err
	}

	s.wakeUp()
	return job, nil
}

func (s *Scheduler) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until ctx is cancelled: it wakes whenever
// Submit or a completion adds work, and otherwise polls every 100ms, the
// same idle cadence as mgpu_sched_thread.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.dispatchAll(ctx)
		case <-ticker.C:
			s.dispatchAll(ctx)
		}
	}
}

func (s *Scheduler) dispatchAll(ctx context.Context) {
	for _, q := range s.queues {
		for {
			job, ok := q.popReady()
			if !ok {
				break
			}
			if !s.dispatch(ctx, q, job) {
				// Ring busy or transient failure: put the job back and
				// try the rest of this queue's buckets next wake.
				q.requeue(job)
				break
			}
		}
	}
}

// dispatch writes job's commands to q's ring and kicks the queue. Ring
// space itself is already awaited with a bounded poll-retry inside
// WaitSpace; a failure here (ring stayed full, or context ended) just
// puts the job back on its queue for the next dispatch pass, matching
// the way the original scheduler re-queues a job whose
// mgpu_cmdq_submit_commands returned -EBUSY.
func (s *Scheduler) dispatch(ctx context.Context, q *Queue, job *Job) bool {
	if !q.tryAdmit() {
		return false
	}

	total := uint32(0)
	for _, rec := range job.Commands {
		total += uint32(len(rec))
	}

	if err := q.Ring.WaitSpace(ctx, total); err != nil {
		q.release()
		return false
	}

	for _, rec := range job.Commands {
		q.Ring.Write(rec)
	}
	if err := q.Ring.Kick(); err != nil {
		s.log.WithError(err).WithField("job", job.ID).Warn("mgpu: kick failed")
		q.release()
		return false
	}

	job.StartedAt = time.Now()
	job.setState(StateRunning)
	q.setCurrent(job)

	s.mu.Lock()
	s.running[job.ID] = job
	s.mu.Unlock()

	go s.awaitCompletion(ctx, q, job)
	return true
}

// awaitCompletion blocks on the job's fence and finalizes it once
// signaled, cancelled, or timed out.
func (s *Scheduler) awaitCompletion(ctx context.Context, q *Queue, job *Job) {
	waitCtx := ctx
	var cancel context.CancelFunc
	if job.TimeoutMS > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	err := s.fence.Wait(waitCtx, job.FenceAddr, job.FenceValue)

	state := StateCompleted
	if err != nil {
		if kind, ok := mgpuerr.Of(err); ok && kind == mgpuerr.Timeout {
			state = StateTimeout
			if s.OnHang != nil {
				s.OnHang(job)
			}
		} else {
			state = StateCancelled
		}
	}

	s.finishJob(q, job, state, err)
}

func (s *Scheduler) finishJob(q *Queue, job *Job, state State, err error) {
	s.mu.Lock()
	_, wasRunning := s.running[job.ID]
	delete(s.running, job.ID)
	s.mu.Unlock()

	// Only a job that actually reached dispatch() held an admission slot
	// and set itself as the queue's current job; a job cancelled while
	// still pending/queued never acquired either, and releasing here
	// would over-release the semaphore and clobber a different job's
	// current pointer.
	if wasRunning {
		q.setCurrent(nil)
		q.release()
	}

	ready := s.graph.complete(job, state, err)
	s.wakeUp()
	_ = ready // dependents become eligible on the next dispatch scan
}

// WaitJob blocks until job finishes or ctx ends.
func (s *Scheduler) WaitJob(ctx context.Context, job *Job) error {
	const op = "sched.WaitJob"
	select {
	case <-job.Done():
		return job.Result
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return mgpuerr.New(op, mgpuerr.Timeout, "wait for job timed out")
		}
		return mgpuerr.New(op, mgpuerr.Cancelled, "wait for job cancelled")
	}
}

// CancelJob cancels job if it has not yet started executing. A job that
// is already running reports AlreadyInProgress, matching
// mgpu_sched_cancel_job's PENDING/QUEUED-only rule.
func (s *Scheduler) CancelJob(job *Job) error {
	const op = "sched.CancelJob"
	if job.State() != StateQueued && job.State() != StatePending {
		return mgpuerr.New(op, mgpuerr.AlreadyInProgress, "job already started")
	}
	q := s.queues[job.Queue]
	if !q.cancelPending(job) {
		return mgpuerr.New(op, mgpuerr.AlreadyInProgress, "job already started")
	}
	s.finishJob(q, job, StateCancelled, mgpuerr.New(op, mgpuerr.Cancelled, "job cancelled"))
	return nil
}

// TimeoutSweep periodically checks every running job's elapsed runtime
// against its timeout, matching mgpu_sched_timeout_work. It is redundant
// with the per-job context deadline in awaitCompletion but exists as the
// defense-in-depth sweep the original driver runs independently of the
// per-job wait path, and reports every overdue job through OnHang.
func (s *Scheduler) TimeoutSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Scheduler) sweepOnce() {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.running))
	for _, j := range s.running {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, j := range jobs {
		if j.TimeoutMS == 0 {
			continue
		}
		if now.Sub(j.StartedAt) > time.Duration(j.TimeoutMS)*time.Millisecond {
			s.log.WithField("job", j.ID).Warn("mgpu: job exceeded timeout")
			if s.OnHang != nil {
				s.OnHang(j)
			}
		}
	}
}
