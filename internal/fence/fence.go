// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fence implements the completion engine. A fence
// is a monotonic sequence number the device writes back into a
// DMA-coherent fence page once it has retired every command up to and
// including that number, mirroring mgpu_fence.c's atomic_t seqno (which
// starts at zero so the first mgpu_fence_next call returns one — the
// value zero is reserved to mean "no fence pending") and its page of
// per-address completion cells rather than a single scalar register.
package fence

import (
	"context"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/platinasystems/mgpu/internal/hwreg"
	"github.com/platinasystems/mgpu/internal/mgpuerr"
	"github.com/platinasystems/mgpu/internal/wire"
)

type waiter struct {
	addr   uint32
	target uint64
	done   chan struct{}
}

// Engine owns the DMA-coherent fence page and the sequence counter used to
// mint new fence values. In the driver's locking order its wait-list lock
// comes after the IRQ-accumulator lock and before the global job-list
// lock; no other lock is taken while it is held.
type Engine struct {
	regs *hwreg.Window
	page []byte
	seq  uint64

	mu      sync.Mutex
	waiters map[*waiter]struct{}
}

// New allocates the fence page and programs its base address into
// FENCE_ADDR, matching mgpu_fence_init's dma_alloc_coherent-then-program
// sequence.
func New(regs *hwreg.Window) (*Engine, error) {
	const op = "fence.New"
	page, err := unix.Mmap(-1, 0, wire.FencePageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, mgpuerr.Wrap(op, mgpuerr.OutOfMemory, err)
	}
	e := &Engine{
		regs:    regs,
		page:    page,
		waiters: make(map[*waiter]struct{}),
	}
	if err := regs.Write32(wire.RegFenceAddr, uint32(uintptr(unsafe.Pointer(&page[0])))); err != nil {
		unix.Munmap(page)
		return nil, mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	return e, nil
}

// Close clears FENCE_ADDR and releases the fence page.
func (e *Engine) Close() error {
	if e.page == nil {
		return nil
	}
	if e.regs != nil {
		if err := e.regs.Write32(wire.RegFenceAddr, 0); err != nil {
			return mgpuerr.Wrap("fence.Close", mgpuerr.HardwareError, err)
		}
	}
	err := unix.Munmap(e.page)
	e.page = nil
	if err != nil {
		return mgpuerr.Wrap("fence.Close", mgpuerr.HardwareError, err)
	}
	return nil
}

// Next allocates the next fence sequence value. The first call returns 1;
// zero is never returned, so callers may use zero to mean "no fence".
func (e *Engine) Next() uint64 {
	return atomic.AddUint64(&e.seq, 1)
}

func (e *Engine) checkAddr(op string, addr uint32) error {
	if addr%4 != 0 {
		return mgpuerr.New(op, mgpuerr.InvalidArgument, "fence address must be 4-byte aligned")
	}
	if uint64(addr)+4 > uint64(len(e.page)) {
		return mgpuerr.New(op, mgpuerr.InvalidArgument, "fence address outside the fence page")
	}
	return nil
}

// Emit validates that addr names a cell within the fence page. It writes
// nothing: the device itself writes value into that cell when it
// processes the FENCE command record carrying addr, matching
// mgpu_fence_emit's comment that command submission, not fence_emit,
// performs the actual write.
func (e *Engine) Emit(addr uint32, value uint64) error {
	const op = "fence.Emit"
	_ = value
	return e.checkAddr(op, addr)
}

func (e *Engine) cell(addr uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&e.page[addr]))
}

// WriteCell stores value into the fence page at addr, standing in for the
// device's own write-back when it retires a FENCE command. Production
// code never calls this; it exists so tests can simulate hardware
// completion without reaching into the page directly.
func (e *Engine) WriteCell(addr uint32, value uint64) error {
	const op = "fence.WriteCell"
	if err := e.checkAddr(op, addr); err != nil {
		return err
	}
	atomic.StoreUint32(e.cell(addr), uint32(value))
	return nil
}

func (e *Engine) readCell(addr uint32) (uint64, error) {
	const op = "fence.readCell"
	if err := e.checkAddr(op, addr); err != nil {
		return 0, err
	}
	return uint64(atomic.LoadUint32(e.cell(addr))), nil
}

// Signaled reports whether target has already been retired at addr.
func (e *Engine) Signaled(addr uint32, target uint64) (bool, error) {
	cur, err := e.readCell(addr)
	if err != nil {
		return false, err
	}
	return cur >= target, nil
}

// Wait blocks until target is signaled at addr, ctx is done, or ctx's
// deadline expires. A context with no deadline waits indefinitely,
// standing in for the original's timeout_ms == 0 meaning
// MAX_SCHEDULE_TIMEOUT.
func (e *Engine) Wait(ctx context.Context, addr uint32, target uint64) error {
	const op = "fence.Wait"
	if signaled, err := e.Signaled(addr, target); err != nil {
		return err
	} else if signaled {
		return nil
	}

	w := &waiter{addr: addr, target: target, done: make(chan struct{})}
	e.mu.Lock()
	e.waiters[w] = struct{}{}
	e.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.waiters, w)
		e.mu.Unlock()
		if ctx.Err() == context.DeadlineExceeded {
			return mgpuerr.New(op, mgpuerr.Timeout, "fence wait timed out")
		}
		return mgpuerr.New(op, mgpuerr.Cancelled, "fence wait cancelled")
	}
}

// Process scans the wait list against each waiter's own cell and wakes
// every waiter whose target has been reached, mirroring
// mgpu_fence_process's "scan under lock, wake all satisfied" behavior. It
// is called from the interrupt bottom half on IRQFence.
func (e *Engine) Process() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for w := range e.waiters {
		cur, err := e.readCell(w.addr)
		if err != nil {
			continue
		}
		if cur >= w.target {
			close(w.done)
			delete(e.waiters, w)
		}
	}
	return nil
}
