// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package irqcore is the interrupt top half / bottom half split.
// The top half runs in hard-interrupt context: it must
// never block, so it only reads and acknowledges IRQ_STATUS and
// accumulates the pending mask before waking the bottom half. The bottom
// half runs on its own goroutine (the deferred-work context) and is the
// only place that may take locks below the IRQ-accumulator lock in the
// driver's lock ordering. Bit dispatch walks the accumulated mask
// with bitset.Word.ForeachSetBit the way cmic.Cmic.intr walks
// irq_status0/irq_status1, one handler per bit.
package irqcore

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/platinasystems/mgpu/internal/bitset"
	"github.com/platinasystems/mgpu/internal/hwreg"
	"github.com/platinasystems/mgpu/internal/mgpuerr"
	"github.com/platinasystems/mgpu/internal/wire"
)

// Handler is invoked from the bottom half for one set IRQ bit. It runs
// with no locks held by irqcore itself, but may take the locks the
// component it belongs to needs (fence wait-list lock, global job-list
// lock, and so on), always in the driver's documented lock order.
type Handler func()

// Core dispatches hardware interrupts to per-bit handlers.
type Core struct {
	regs *hwreg.Window
	log  *logrus.Entry

	mu       sync.Mutex // IRQ-accumulator lock
	pending  uint32
	handlers [32]Handler
	counts   [32]uint64

	wake chan struct{}
}

// New creates an interrupt core bound to regs. log may be nil, in which
// case a disabled logger is used.
func New(regs *hwreg.Window, log *logrus.Entry) *Core {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	return &Core{
		regs: regs,
		log:  log,
		wake: make(chan struct{}, 1),
	}
}

// RegisterHandler installs h to run whenever bit is set in an accumulated
// IRQ_STATUS snapshot. Registering a handler for a bit that already has
// one replaces it.
func (c *Core) RegisterHandler(bit uint, h Handler) {
	c.handlers[bit] = h
}

// Enable ORs mask into IRQ_ENABLE.
func (c *Core) Enable(mask uint32) error {
	if err := c.regs.SetBits32(wire.RegIRQEnable, mask); err != nil {
		return mgpuerr.Wrap("irqcore.Enable", mgpuerr.HardwareError, err)
	}
	return nil
}

// Disable clears mask from IRQ_ENABLE.
func (c *Core) Disable(mask uint32) error {
	if err := c.regs.ClearBits32(wire.RegIRQEnable, mask); err != nil {
		return mgpuerr.Wrap("irqcore.Disable", mgpuerr.HardwareError, err)
	}
	return nil
}

// TopHalf is the hard-interrupt-context entry point: it must never block.
// It reads IRQ_STATUS, acks what it saw, folds the bits into the pending
// accumulator under the IRQ-accumulator lock, and wakes the bottom half.
// handled is false when the interrupt line was shared and this device was
// not the source (IRQ_STATUS reads zero).
func (c *Core) TopHalf() (handled bool, err error) {
	const op = "irqcore.TopHalf"
	status, err := c.regs.Read32(wire.RegIRQStatus)
	if err != nil {
		return false, mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	if status == 0 {
		return false, nil
	}
	if err := c.regs.Write32(wire.RegIRQAck, status); err != nil {
		return true, mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}

	c.mu.Lock()
	c.pending |= status
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true, nil
}

// Run drives the bottom half until ctx is cancelled. It is meant to run
// on its own goroutine for the lifetime of the device.
func (c *Core) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			c.dispatchPending()
		}
	}
}

// dispatchPending snapshots and clears the accumulated mask, then walks
// it bit by bit, invoking each bit's registered handler.
func (c *Core) dispatchPending() {
	c.mu.Lock()
	status := c.pending
	c.pending = 0
	c.mu.Unlock()

	bitset.Word(status).ForeachSetBit(func(bit uint) {
		c.counts[bit]++
		h := c.handlers[bit]
		if h == nil {
			c.log.WithField("bit", bit).Debug("mgpu: no handler registered for interrupt bit")
			return
		}
		h()
	})
}

// Count returns how many times bit has been dispatched, for diagnostics
// and tests.
func (c *Core) Count(bit uint) uint64 { return c.counts[bit] }

// Force injects status directly into the pending accumulator and wakes
// the bottom half, bypassing the register read. It exists for tests,
// mirroring the original driver's mgpu_irq_force debug hook.
func (c *Core) Force(status uint32) {
	c.mu.Lock()
	c.pending |= status
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
