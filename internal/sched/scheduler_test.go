// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"context"
	"testing"
	"time"

	"github.com/platinasystems/mgpu/internal/fence"
	"github.com/platinasystems/mgpu/internal/hwreg"
	"github.com/platinasystems/mgpu/internal/mgpuerr"
	"github.com/platinasystems/mgpu/internal/ring"
	"github.com/platinasystems/mgpu/internal/validate"
	"github.com/platinasystems/mgpu/internal/wire"
)

type testRig struct {
	regs   *hwreg.Window
	queues []*Queue
	fence  *fence.Engine
	sched  *Scheduler
}

func newTestRig(t *testing.T, numQueues int) *testRig {
	t.Helper()
	regs, err := hwreg.Map(65536)
	if err != nil {
		t.Fatalf("hwreg.Map: %v", err)
	}
	t.Cleanup(func() { regs.Unmap() })

	queues := make([]*Queue, numQueues)
	for i := 0; i < numQueues; i++ {
		r, err := ring.New(regs, uint(i), 4096)
		if err != nil {
			t.Fatalf("ring.New: %v", err)
		}
		t.Cleanup(func() { r.Close() })
		queues[i] = NewQueue(uint(i), r, 8)
	}

	fenceEngine, err := fence.New(regs)
	if err != nil {
		t.Fatalf("fence.New: %v", err)
	}
	t.Cleanup(func() { fenceEngine.Close() })
	validator := validate.New(true)
	s := New(queues, fenceEngine, validator, nil)
	return &testRig{regs: regs, queues: queues, fence: fenceEngine, sched: s}
}

func nopCommand() []uint32 {
	return []uint32{wire.Header{Opcode: wire.OpNop, Size: 1}.Encode()}
}

func waitForState(t *testing.T, job *Job, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if job.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("job %d did not reach state %v within %v, state=%v", job.ID, want, timeout, job.State())
}

func TestSubmitDispatchAndSignalCompletes(t *testing.T) {
	rig := newTestRig(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.sched.Run(ctx)

	job, err := rig.sched.Submit(Request{
		Priority: wire.PriorityNormal,
		Type:     TypeGeneric,
		Commands: [][]uint32{nopCommand()},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForState(t, job, StateRunning, time.Second)

	if err := rig.fence.WriteCell(job.FenceAddr, job.FenceValue); err != nil {
		t.Fatalf("WriteCell: %v", err)
	}
	if err := rig.fence.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if err := rig.sched.WaitJob(context.Background(), job); err != nil {
		t.Errorf("WaitJob: %v", err)
	}
	if job.State() != StateCompleted {
		t.Errorf("job.State() = %v, want StateCompleted", job.State())
	}
}

func TestSelectQueueAutoAssignment(t *testing.T) {
	rig := newTestRig(t, 3)
	if q := rig.sched.selectQueue(TypeCompute); q.ID != 1 {
		t.Errorf("compute workload routed to queue %d, want 1", q.ID)
	}
	if q := rig.sched.selectQueue(TypeDMA); q.ID != 2 {
		t.Errorf("dma workload routed to queue %d, want 2", q.ID)
	}
	if q := rig.sched.selectQueue(TypeGeneric); q.ID != 0 {
		t.Errorf("generic workload routed to queue %d, want 0", q.ID)
	}
}

func TestSelectQueueFallsBackWithFewerQueues(t *testing.T) {
	rig := newTestRig(t, 1)
	if q := rig.sched.selectQueue(TypeCompute); q.ID != 0 {
		t.Errorf("compute workload with a single queue routed to %d, want 0", q.ID)
	}
	if q := rig.sched.selectQueue(TypeDMA); q.ID != 0 {
		t.Errorf("dma workload with a single queue routed to %d, want 0", q.ID)
	}
}

func TestDependentJobWaitsForPredecessor(t *testing.T) {
	rig := newTestRig(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.sched.Run(ctx)

	pred, err := rig.sched.Submit(Request{Priority: wire.PriorityNormal, Commands: [][]uint32{nopCommand()}})
	if err != nil {
		t.Fatalf("Submit(pred): %v", err)
	}
	dep, err := rig.sched.Submit(Request{
		Priority:     wire.PriorityNormal,
		Commands:     [][]uint32{nopCommand()},
		Dependencies: []uint64{pred.ID},
	})
	if err != nil {
		t.Fatalf("Submit(dep): %v", err)
	}

	waitForState(t, pred, StateRunning, time.Second)
	if dep.State() == StateRunning {
		t.Fatalf("dependent job started before its predecessor completed")
	}

	if err := rig.fence.WriteCell(pred.FenceAddr, pred.FenceValue); err != nil {
		t.Fatalf("WriteCell: %v", err)
	}
	rig.fence.Process()

	waitForState(t, dep, StateRunning, time.Second)
	if err := rig.fence.WriteCell(dep.FenceAddr, dep.FenceValue); err != nil {
		t.Fatalf("WriteCell: %v", err)
	}
	rig.fence.Process()
	waitForState(t, dep, StateCompleted, time.Second)
}

func TestCancelQueuedJob(t *testing.T) {
	rig := newTestRig(t, 1) // scheduler loop intentionally not started
	job, err := rig.sched.Submit(Request{Priority: wire.PriorityNormal, Commands: [][]uint32{nopCommand()}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := rig.sched.CancelJob(job); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if job.State() != StateCancelled {
		t.Errorf("job.State() = %v, want StateCancelled", job.State())
	}
}

func TestCancelRunningJobFails(t *testing.T) {
	rig := newTestRig(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.sched.Run(ctx)

	job, err := rig.sched.Submit(Request{Priority: wire.PriorityNormal, Commands: [][]uint32{nopCommand()}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForState(t, job, StateRunning, time.Second)

	err = rig.sched.CancelJob(job)
	if k, _ := mgpuerr.Of(err); k != mgpuerr.AlreadyInProgress {
		t.Errorf("CancelJob kind = %v, want AlreadyInProgress", k)
	}
}

func TestJobTimeoutTriggersOnHang(t *testing.T) {
	rig := newTestRig(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hung := make(chan uint64, 1)
	rig.sched.OnHang = func(j *Job) { hung <- j.ID }
	go rig.sched.Run(ctx)

	job, err := rig.sched.Submit(Request{
		Priority:  wire.PriorityNormal,
		Commands:  [][]uint32{nopCommand()},
		TimeoutMS: 20,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case id := <-hung:
		if id != job.ID {
			t.Errorf("OnHang fired for job %d, want %d", id, job.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("OnHang was not invoked after job exceeded its timeout")
	}
	waitForState(t, job, StateTimeout, time.Second)
}
