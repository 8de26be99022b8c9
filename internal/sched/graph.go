// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"sync"
	"sync/atomic"

	"github.com/platinasystems/mgpu/internal/mgpuerr"
)

// graph is the arena of live jobs plus the dependency side table. Its
// mutex is the "global job-list lock" in the driver's lock ordering:
// the coarsest lock in the driver, held only for the short bookkeeping
// operations below, never across a ring or register access.
type graph struct {
	mu         sync.Mutex
	jobs       map[uint64]*Job
	dependents map[uint64][]uint64 // predecessor ID -> dependent IDs
	nextID     uint64
}

func newGraph() *graph {
	return &graph{
		jobs:       make(map[uint64]*Job),
		dependents: make(map[uint64][]uint64),
	}
}

// allocID mints a new job ID. IDs start at 1 so that 0 can mean "no job".
func (g *graph) allocID() uint64 {
	return atomic.AddUint64(&g.nextID, 1)
}

// add registers j in the arena.
func (g *graph) add(j *Job) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.jobs[j.ID] = j
}

// get looks up a job by ID.
func (g *graph) get(id uint64) (*Job, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	j, ok := g.jobs[id]
	return j, ok
}

// addDependency records that dependent cannot run until predecessor
// completes, rejecting a self-dependency the way mgpu_job_add_dependency
// does.
func (g *graph) addDependency(dependent, predecessor uint64) error {
	const op = "sched.addDependency"
	if dependent == predecessor {
		return mgpuerr.New(op, mgpuerr.InvalidArgument, "job cannot depend on itself")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	dep, ok := g.jobs[dependent]
	if !ok {
		return mgpuerr.New(op, mgpuerr.NotFound, "dependent job not found")
	}
	pred, ok := g.jobs[predecessor]
	if !ok {
		return mgpuerr.New(op, mgpuerr.NotFound, "predecessor job not found")
	}
	if pred.State() >= StateCompleted {
		// Predecessor already finished; nothing to wait on.
		return nil
	}
	atomic.AddInt32(&dep.depCount, 1)
	g.dependents[predecessor] = append(g.dependents[predecessor], dependent)
	return nil
}

// complete marks job as finished with the given terminal state and
// result, then walks the side table decrementing every dependent's
// depCount, returning the IDs of dependents that just became ready
// (mgpu_job_complete's dependent wake-up).
func (g *graph) complete(job *Job, state State, result error) []uint64 {
	job.finish(state, result)

	g.mu.Lock()
	defer g.mu.Unlock()
	dependents := g.dependents[job.ID]
	delete(g.dependents, job.ID)

	var ready []uint64
	for _, id := range dependents {
		dep, ok := g.jobs[id]
		if !ok {
			continue
		}
		if atomic.AddInt32(&dep.depCount, -1) == 0 && dep.IsReady() {
			ready = append(ready, id)
		}
	}
	return ready
}

// remove drops a job from the arena. Submit calls it to discard a job
// whose dependency or fence setup failed; jobs that reach a terminal
// state are not removed, so the arena grows with every submitted job.
func (g *graph) remove(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.jobs, id)
}
