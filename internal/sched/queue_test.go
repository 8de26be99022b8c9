// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"testing"

	"github.com/platinasystems/mgpu/internal/hwreg"
	"github.com/platinasystems/mgpu/internal/ring"
	"github.com/platinasystems/mgpu/internal/wire"
)

func newTestQueue(t *testing.T, id uint, depth int) *Queue {
	t.Helper()
	regs, err := hwreg.Map(65536)
	if err != nil {
		t.Fatalf("hwreg.Map: %v", err)
	}
	t.Cleanup(func() { regs.Unmap() })
	r, err := ring.New(regs, id, 4096)
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return NewQueue(id, r, depth)
}

func readyJob(id uint64, p wire.Priority) *Job {
	return newJob(id, p, TypeGeneric, 0)
}

// TestQueueAdmissionLimit exercises admission at its new lifecycle point
// (dispatch, via tryAdmit/release), not at TrySubmit: enqueueing itself
// is never bounded by queue_depth.
func TestQueueAdmissionLimit(t *testing.T) {
	q := newTestQueue(t, 0, 1)
	if err := q.TrySubmit(readyJob(1, wire.PriorityNormal)); err != nil {
		t.Fatalf("first TrySubmit: %v", err)
	}
	if err := q.TrySubmit(readyJob(2, wire.PriorityNormal)); err != nil {
		t.Fatalf("second TrySubmit: %v", err)
	}

	if !q.tryAdmit() {
		t.Fatalf("expected first tryAdmit to succeed at depth 1")
	}
	if q.tryAdmit() {
		t.Errorf("expected second tryAdmit to fail while the first permit is held")
	}
	q.release()
	if !q.tryAdmit() {
		t.Errorf("expected tryAdmit to succeed again after release")
	}
}

func TestQueuePopReadyPriorityOrder(t *testing.T) {
	q := newTestQueue(t, 0, 8)
	low := readyJob(1, wire.PriorityLow)
	rt := readyJob(2, wire.PriorityRealtime)
	normal := readyJob(3, wire.PriorityNormal)
	for _, j := range []*Job{low, rt, normal} {
		if err := q.TrySubmit(j); err != nil {
			t.Fatalf("TrySubmit: %v", err)
		}
	}

	first, ok := q.popReady()
	if !ok || first.ID != rt.ID {
		t.Fatalf("expected realtime job first, got %+v ok=%v", first, ok)
	}
	second, ok := q.popReady()
	if !ok || second.ID != normal.ID {
		t.Fatalf("expected normal job second, got %+v ok=%v", second, ok)
	}
	third, ok := q.popReady()
	if !ok || third.ID != low.ID {
		t.Fatalf("expected low job third, got %+v ok=%v", third, ok)
	}
	if _, ok := q.popReady(); ok {
		t.Errorf("expected empty queue after draining all jobs")
	}
}

func TestQueuePopReadySkipsBlockedJob(t *testing.T) {
	q := newTestQueue(t, 0, 8)
	blocked := newJob(1, wire.PriorityRealtime, TypeGeneric, 0)
	blocked.setState(StatePending)
	blocked.depCount = 1 // has an unresolved predecessor

	ready := readyJob(2, wire.PriorityLow)
	if err := q.TrySubmit(blocked); err != nil {
		t.Fatalf("TrySubmit: %v", err)
	}
	if err := q.TrySubmit(ready); err != nil {
		t.Fatalf("TrySubmit: %v", err)
	}

	got, ok := q.popReady()
	if !ok || got.ID != ready.ID {
		t.Fatalf("expected the unblocked low-priority job despite lower priority, got %+v ok=%v", got, ok)
	}
}
