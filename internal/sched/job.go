// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sched implements the job scheduler: priority
// queues, cross-job dependencies, admission limits, and timeouts, built
// on top of the ring and fence engines below it.
//
// Jobs never hold pointers to each other. Dependency edges are stored as
// (dependent ID, predecessor ID) pairs in a side table keyed by the
// arena-assigned job ID, which is how this
// package avoids the reference cycles a naive job->job pointer graph
// would create and keeps the dependency graph safe to walk under a
// single lock.
package sched

import (
	"sync/atomic"
	"time"

	"github.com/platinasystems/mgpu/internal/wire"
)

// State is a job's position in its lifecycle.
type State int32

const (
	StatePending State = iota
	StateQueued
	StateRunning
	StateCompleted
	StateFailed
	StateTimeout
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimeout:
		return "timeout"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Type is the workload kind a job carries, used by auto queue selection.
type Type int

const (
	TypeGeneric Type = iota
	TypeDraw
	TypeCompute
	TypeDMA
)

// Job is one submitted unit of work, registered in the scheduler's job
// table under its ID. IDs are never reused, and a finished job stays in
// the table.
type Job struct {
	ID       uint64
	Priority wire.Priority
	Type     Type
	Queue    uint
	Commands [][]uint32 // validated command records, in submission order
	TimeoutMS uint32

	FenceValue uint64
	FenceAddr  uint32 // fence page cell this job's completion is written to

	SubmittedAt time.Time
	StartedAt   time.Time

	state    int32 // State, accessed atomically
	depCount int32 // atomic: number of unresolved predecessors

	Result error

	done chan struct{}
}

func newJob(id uint64, priority wire.Priority, typ Type, timeoutMS uint32) *Job {
	return &Job{
		ID:          id,
		Priority:    priority,
		Type:        typ,
		TimeoutMS:   timeoutMS,
		SubmittedAt: time.Time{},
		done:        make(chan struct{}),
	}
}

// State returns the job's current lifecycle state.
func (j *Job) State() State { return State(atomic.LoadInt32(&j.state)) }

func (j *Job) setState(s State) { atomic.StoreInt32(&j.state, int32(s)) }

// IsReady reports whether every predecessor has completed and the job has
// not started yet (state is StatePending or StateQueued). A job enters
// StateQueued as soon as TrySubmit places it in a bucket, whether or not
// it is actually ready; the dependency count is what popReady uses to tell
// the two apart.
func (j *Job) IsReady() bool {
	if atomic.LoadInt32(&j.depCount) != 0 {
		return false
	}
	s := j.State()
	return s == StatePending || s == StateQueued
}

// Done returns a channel closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) finish(s State, result error) {
	j.Result = result
	j.setState(s)
	close(j.done)
}
