// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fence

import (
	"context"
	"testing"
	"time"

	"github.com/platinasystems/mgpu/internal/hwreg"
	"github.com/platinasystems/mgpu/internal/wire"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	regs, err := hwreg.Map(4096)
	if err != nil {
		t.Fatalf("hwreg.Map: %v", err)
	}
	t.Cleanup(func() { regs.Unmap() })
	e, err := New(regs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestNextStartsAtOne(t *testing.T) {
	e := newTestEngine(t)
	if got := e.Next(); got != 1 {
		t.Errorf("first Next() = %d, want 1", got)
	}
	if got := e.Next(); got != 2 {
		t.Errorf("second Next() = %d, want 2", got)
	}
}

func TestEmitValidatesWithoutSignaling(t *testing.T) {
	e := newTestEngine(t)
	target := e.Next()
	const addr = 0x10

	signaled, err := e.Signaled(addr, target)
	if err != nil {
		t.Fatalf("Signaled: %v", err)
	}
	if signaled {
		t.Errorf("expected not yet signaled")
	}

	if err := e.Emit(addr, target); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	signaled, err = e.Signaled(addr, target)
	if err != nil {
		t.Fatalf("Signaled: %v", err)
	}
	if signaled {
		t.Errorf("expected Emit to validate only, not write the cell")
	}

	if err := e.WriteCell(addr, target); err != nil {
		t.Fatalf("WriteCell: %v", err)
	}
	signaled, err = e.Signaled(addr, target)
	if err != nil {
		t.Fatalf("Signaled: %v", err)
	}
	if !signaled {
		t.Errorf("expected signaled after the device wrote the retired value")
	}
}

func TestEmitRejectsAddressOutsidePage(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Emit(wire.FencePageSize, e.Next()); err == nil {
		t.Errorf("expected Emit to reject an address past the end of the fence page")
	}
	if err := e.Emit(3, e.Next()); err == nil {
		t.Errorf("expected Emit to reject a misaligned address")
	}
}

func TestWaitWakesOnProcess(t *testing.T) {
	e := newTestEngine(t)
	target := e.Next()
	const addr = 0x20

	done := make(chan error, 1)
	go func() {
		done <- e.Wait(context.Background(), addr, target)
	}()

	time.Sleep(10 * time.Millisecond)
	if err := e.WriteCell(addr, target); err != nil {
		t.Fatalf("WriteCell: %v", err)
	}
	if err := e.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait returned error %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Wait did not return after Process signaled it")
	}
}

func TestWaitTimesOut(t *testing.T) {
	e := newTestEngine(t)
	target := e.Next()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.Wait(ctx, 0x30, target); err == nil {
		t.Errorf("expected Wait to time out when fence never signals")
	}
}

func TestWaitCancellation(t *testing.T) {
	e := newTestEngine(t)
	target := e.Next()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Wait(ctx, 0x30, target); err == nil {
		t.Errorf("expected Wait to return promptly on a cancelled context")
	}
}
