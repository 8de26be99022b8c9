// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ring implements the command ring transport:
// a power-of-two, dword-addressed circular buffer the device drains from
// one end while the driver appends at the other, with one reserved slot
// distinguishing full from empty the way mgpu_cmdq.c's head/tail pair
// does, and the same 1000-iteration/1ms poll loop that driver uses in
// mgpu_cmdq_wait_space, rebuilt here on cenkalti/backoff.
package ring

import (
	"context"
	"sync"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/platinasystems/mgpu/internal/bitset"
	"github.com/platinasystems/mgpu/internal/hwreg"
	"github.com/platinasystems/mgpu/internal/mgpuerr"
	"github.com/platinasystems/mgpu/internal/wire"
)

// Ring is one hardware command queue's ring buffer plus the register bank
// that programs it. Callers must hold the device command lock (the lock
// beneath the per-queue scheduler lock in the driver's lock ordering)
// across Write+Kick so that two producers never interleave a partial
// command record.
type Ring struct {
	mu sync.Mutex

	regs  *hwreg.Window
	queue uint

	mem     []byte
	sizeDW  uint32
	maskDW  uint32
	tailDW  uint32 // software-side write cursor, dword index
}

// New creates a ring of at least sizeBytes for queue, rounding up to the
// next power of two within [wire.RingSizeMin, wire.RingSizeMax], and
// programs the queue's CMD_BASE/CMD_SIZE registers. The ring's backing
// memory is an anonymous mmap standing in for a dma_alloc_coherent
// allocation.
func New(regs *hwreg.Window, queue uint, sizeBytes uint) (*Ring, error) {
	const op = "ring.New"
	if sizeBytes < wire.RingSizeMin || sizeBytes > wire.RingSizeMax {
		return nil, mgpuerr.New(op, mgpuerr.InvalidArgument, "ring size out of [4096, 262144] bounds")
	}
	rounded := uint(bitset.NextPow2(bitset.Word(sizeBytes)))
	if rounded > wire.RingSizeMax {
		return nil, mgpuerr.New(op, mgpuerr.InvalidArgument, "rounded ring size exceeds maximum")
	}

	mem, err := unix.Mmap(-1, 0, int(rounded), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, mgpuerr.Wrap(op, mgpuerr.OutOfMemory, err)
	}

	sizeDW := uint32(rounded / 4)
	r := &Ring{
		regs:   regs,
		queue:  queue,
		mem:    mem,
		sizeDW: sizeDW,
		maskDW: sizeDW - 1,
	}

	if err := regs.Write32(wire.CmdBase(queue), uint32(uintptr(unsafe.Pointer(&mem[0])))); err != nil {
		unix.Munmap(mem)
		return nil, mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	if err := regs.Write32(wire.CmdSize(queue), uint32(rounded)); err != nil {
		unix.Munmap(mem)
		return nil, mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	if err := regs.Write32(wire.CmdHead(queue), 0); err != nil {
		unix.Munmap(mem)
		return nil, mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	if err := regs.Write32(wire.CmdTail(queue), 0); err != nil {
		unix.Munmap(mem)
		return nil, mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	return r, nil
}

// Close releases the ring's backing memory.
func (r *Ring) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	if err != nil {
		return mgpuerr.Wrap("ring.Close", mgpuerr.HardwareError, err)
	}
	return nil
}

// CapacityDW is the total ring capacity in dwords, including the one
// reserved slot that is never writable.
func (r *Ring) CapacityDW() uint32 { return r.sizeDW }

// SpaceDW returns the number of dwords currently free to write, reserving
// one slot so a full ring is distinguishable from an empty one (the same
// convention as mgpu_cmdq_space).
func (r *Ring) SpaceDW() (uint32, error) {
	head, err := r.regs.Read32(wire.CmdHead(r.queue))
	if err != nil {
		return 0, mgpuerr.Wrap("ring.SpaceDW", mgpuerr.HardwareError, err)
	}
	r.mu.Lock()
	tail := r.tailDW
	r.mu.Unlock()
	used := (tail - head + r.sizeDW) % r.sizeDW
	return r.sizeDW - used - 1, nil
}

// WaitSpace blocks until at least needDW dwords are free, polling the
// device-owned head register the way mgpu_cmdq_wait_space does: up to
// 1000 attempts at a 1ms interval before giving up with a Timeout error.
// ctx cancellation aborts the wait early with a Cancelled error.
func (r *Ring) WaitSpace(ctx context.Context, needDW uint32) error {
	const op = "ring.WaitSpace"
	if needDW >= r.sizeDW {
		return mgpuerr.New(op, mgpuerr.InvalidArgument, "requested space exceeds ring capacity")
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 1000)
	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(mgpuerr.New(op, mgpuerr.Cancelled, "wait_space cancelled"))
		}
		space, err := r.SpaceDW()
		if err != nil {
			return backoff.Permanent(err)
		}
		if space < needDW {
			return mgpuerr.New(op, mgpuerr.Busy, "ring full")
		}
		return nil
	}
	if err := backoff.Retry(attempt, b); err != nil {
		if perr, ok := err.(*mgpuerr.Error); ok && perr.Kind != mgpuerr.Busy {
			return perr
		}
		return mgpuerr.New(op, mgpuerr.Timeout, "timed out waiting for ring space")
	}
	return nil
}

// Write appends words to the ring at the current write cursor, wrapping
// as needed. The caller must have already confirmed len(words) dwords are
// free via SpaceDW/WaitSpace; Write does not itself check space so that
// batched submit paths can reserve once and write many records.
func (r *Ring) Write(words []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range words {
		off := (r.tailDW & r.maskDW) * 4
		r.mem[off] = byte(w)
		r.mem[off+1] = byte(w >> 8)
		r.mem[off+2] = byte(w >> 16)
		r.mem[off+3] = byte(w >> 24)
		r.tailDW++
	}
}

// Kick publishes the current write cursor to CMD_TAIL and rings the
// queue's doorbell, mirroring mgpu_cmdq_kick's wmb()-then-writel-doorbell
// sequence.
func (r *Ring) Kick() error {
	const op = "ring.Kick"
	r.mu.Lock()
	tail := r.tailDW & r.maskDW
	r.mu.Unlock()

	r.regs.Barrier()
	if err := r.regs.Write32(wire.CmdTail(r.queue), tail); err != nil {
		return mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	if err := r.regs.Write32(wire.Doorbell(r.queue), 1); err != nil {
		return mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	return nil
}

// Reset reprograms CMD_HEAD/CMD_TAIL back to zero and resets the local
// write cursor, for use after a hardware reset (mgpu_cmdq_resume's
// reinitialization of the ring state).
func (r *Ring) Reset() error {
	const op = "ring.Reset"
	r.mu.Lock()
	r.tailDW = 0
	r.mu.Unlock()

	if err := r.regs.Write32(wire.CmdHead(r.queue), 0); err != nil {
		return mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	if err := r.regs.Write32(wire.CmdTail(r.queue), 0); err != nil {
		return mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	return nil
}

// Suspend saves the current head so Resume can detect whether the device
// drained further while suspended, matching mgpu_cmdq_suspend/resume's
// last_head bookkeeping. It polls up to 1s for the ring to drain to empty
// before returning.
func (r *Ring) Suspend(ctx context.Context) (lastHead uint32, err error) {
	const op = "ring.Suspend"
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 1000)
	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(mgpuerr.New(op, mgpuerr.Cancelled, "suspend cancelled"))
		}
		head, herr := r.regs.Read32(wire.CmdHead(r.queue))
		if herr != nil {
			return backoff.Permanent(mgpuerr.Wrap(op, mgpuerr.HardwareError, herr))
		}
		lastHead = head
		r.mu.Lock()
		tail := r.tailDW & r.maskDW
		r.mu.Unlock()
		if head != tail {
			return mgpuerr.New(op, mgpuerr.Busy, "ring not drained")
		}
		return nil
	}
	if err := backoff.Retry(attempt, b); err != nil {
		if perr, ok := err.(*mgpuerr.Error); ok && perr.Kind != mgpuerr.Busy {
			return lastHead, perr
		}
		return lastHead, mgpuerr.New(op, mgpuerr.Timeout, "timed out draining ring")
	}
	return lastHead, nil
}
