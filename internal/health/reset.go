// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/platinasystems/mgpu/internal/hwreg"
	"github.com/platinasystems/mgpu/internal/mgpuerr"
	"github.com/platinasystems/mgpu/internal/wire"
)

// Reset step timings, from original_source/mgpu_reset.c.
const (
	IdleDrainTimeout  = time.Second
	ResetHoldTime     = 100 * time.Millisecond
	ResetIdlePollTime = time.Second
)

// Resetter runs the staged reset/recovery workflow. The
// stop/resume hooks let it drive the ring and IRQ layers without importing
// them directly, keeping health free of a dependency on sched/ring/irqcore.
type Resetter struct {
	regs      *hwreg.Window
	numQueues int
	log       *logrus.Entry

	inReset    int32
	resetCount uint64

	mu   sync.Mutex
	wait chan struct{}

	StopRings   func(ctx context.Context) error
	ResumeRings func() error
	DisableIRQ  func() error
	EnableIRQ   func() error
}

// registerSnapshot holds the host-controlled registers reset must save
// before asserting CTRL_RESET and replay afterward, per
// original_source/mgpu_reset.c's register save/restore around the reset
// sequence.
type registerSnapshot struct {
	control      uint32
	irqEnable    uint32
	cmdBase      []uint32
	cmdSize      []uint32
	fenceAddr    uint32
	vertexBase   uint32
	vertexCount  uint32
	vertexStride uint32
	shaderPC     uint32
}

// NewResetter creates a Resetter bound to regs, saving and restoring
// numQueues worth of per-queue command registers around each reset.
func NewResetter(regs *hwreg.Window, numQueues int, log *logrus.Entry) *Resetter {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	return &Resetter{regs: regs, numQueues: numQueues, log: log, wait: make(chan struct{})}
}

// InProgress reports whether a reset is currently running.
func (r *Resetter) InProgress() bool { return atomic.LoadInt32(&r.inReset) != 0 }

// ResetCount returns how many resets have been performed.
func (r *Resetter) ResetCount() uint64 { return atomic.LoadUint64(&r.resetCount) }

// Schedule starts a reset in the background unless one is already
// running, matching mgpu_reset_schedule's no-op-if-already-in-reset
// guard. It returns immediately.
func (r *Resetter) Schedule(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&r.inReset, 0, 1) {
		return
	}
	atomic.AddUint64(&r.resetCount, 1)
	go r.run(ctx)
}

// Wait blocks until the reset currently in progress (if any) finishes, or
// ctx ends.
func (r *Resetter) Wait(ctx context.Context) error {
	r.mu.Lock()
	ch := r.wait
	r.mu.Unlock()
	if !r.InProgress() {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return mgpuerr.New("health.Resetter.Wait", mgpuerr.Cancelled, "wait for reset cancelled")
	}
}

// run executes the ten-step reset sequence:
// stop submission, drain, dump state, disable IRQ, assert/deassert
// MGPU_CTRL_RESET, verify the device responds again, reinit, resume
// submission, re-enable IRQ, clear the in-reset flag.
func (r *Resetter) run(ctx context.Context) {
	log := r.log.WithField("reset_count", r.ResetCount())
	log.Warn("mgpu: beginning device reset")

	defer func() {
		atomic.StoreInt32(&r.inReset, 0)
		r.mu.Lock()
		close(r.wait)
		r.wait = make(chan struct{})
		r.mu.Unlock()
		log.Warn("mgpu: device reset complete")
	}()

	if r.StopRings != nil {
		if err := r.StopRings(ctx); err != nil {
			log.WithError(err).Warn("mgpu: stop rings before reset reported an error, continuing")
		}
	}

	if err := r.waitIdle(ctx, IdleDrainTimeout); err != nil {
		log.WithError(err).Warn("mgpu: device did not drain to idle before reset")
	}

	if status, err := r.regs.Read32(wire.RegStatus); err == nil {
		log.WithField("status", status).Warn("mgpu: pre-reset status dump")
	}

	snapshot, saveErr := r.saveRegisters()
	if saveErr != nil {
		log.WithError(saveErr).Warn("mgpu: failed to save registers before reset, restore will be skipped")
	}

	if r.DisableIRQ != nil {
		if err := r.DisableIRQ(); err != nil {
			log.WithError(err).Warn("mgpu: failed to disable IRQ before reset")
		}
	}

	if err := r.resetHardware(ctx); err != nil {
		log.WithError(err).Error("mgpu: hardware reset failed")
		return
	}

	if err := r.regs.ClearBits32(wire.RegStatus, wire.StatusError); err != nil {
		log.WithError(err).Warn("mgpu: failed to clear error status after reset")
	}

	if saveErr == nil {
		if err := r.restoreRegisters(snapshot); err != nil {
			log.WithError(err).Error("mgpu: failed to restore registers after reset")
		}
	}

	if r.ResumeRings != nil {
		if err := r.ResumeRings(); err != nil {
			log.WithError(err).Error("mgpu: failed to resume command rings after reset")
		}
	}

	if r.EnableIRQ != nil {
		if err := r.EnableIRQ(); err != nil {
			log.WithError(err).Error("mgpu: failed to re-enable IRQ after reset")
		}
	}
}

// saveRegisters snapshots every host-controlled register a reset would
// otherwise clobber: control mask, interrupt enable, each queue's command
// base/size, fence address, vertex base/count/stride, and the shader
// program counter.
func (r *Resetter) saveRegisters() (registerSnapshot, error) {
	const op = "health.saveRegisters"
	var s registerSnapshot
	var err error
	read := func(off uint) uint32 {
		if err != nil {
			return 0
		}
		var v uint32
		v, err = r.regs.Read32(off)
		return v
	}

	s.control = read(wire.RegControl)
	s.irqEnable = read(wire.RegIRQEnable)
	s.cmdBase = make([]uint32, r.numQueues)
	s.cmdSize = make([]uint32, r.numQueues)
	for q := 0; q < r.numQueues; q++ {
		s.cmdBase[q] = read(wire.CmdBase(uint(q)))
		s.cmdSize[q] = read(wire.CmdSize(uint(q)))
	}
	s.fenceAddr = read(wire.RegFenceAddr)
	s.vertexBase = read(wire.RegVertexBase)
	s.vertexCount = read(wire.RegVertexCount)
	s.vertexStride = read(wire.RegVertexStride)
	s.shaderPC = read(wire.RegShaderPC)

	if err != nil {
		return registerSnapshot{}, mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	return s, nil
}

// restoreRegisters replays s in the reverse of save order, control last
// so interrupts stay masked until the rest of the device state is back
// in place.
func (r *Resetter) restoreRegisters(s registerSnapshot) error {
	const op = "health.restoreRegisters"
	var err error
	write := func(off uint, v uint32) {
		if err != nil {
			return
		}
		err = r.regs.Write32(off, v)
	}

	write(wire.RegShaderPC, s.shaderPC)
	write(wire.RegVertexStride, s.vertexStride)
	write(wire.RegVertexCount, s.vertexCount)
	write(wire.RegVertexBase, s.vertexBase)
	write(wire.RegFenceAddr, s.fenceAddr)
	for q := r.numQueues - 1; q >= 0; q-- {
		write(wire.CmdSize(uint(q)), s.cmdSize[q])
		write(wire.CmdBase(uint(q)), s.cmdBase[q])
	}
	write(wire.RegIRQEnable, s.irqEnable)
	write(wire.RegControl, s.control)

	if err != nil {
		return mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	return nil
}

// waitIdle polls STATUS_IDLE until it is set or timeout elapses.
func (r *Resetter) waitIdle(ctx context.Context, timeout time.Duration) error {
	const op = "health.waitIdle"
	deadline := time.Now().Add(timeout)
	b := backoff.NewConstantBackOff(time.Millisecond)
	attempt := func() error {
		if time.Now().After(deadline) {
			return backoff.Permanent(mgpuerr.New(op, mgpuerr.Timeout, "device did not reach idle"))
		}
		status, err := r.regs.Read32(wire.RegStatus)
		if err != nil {
			return backoff.Permanent(mgpuerr.Wrap(op, mgpuerr.HardwareError, err))
		}
		if status&wire.StatusIdle != 0 {
			return nil
		}
		return mgpuerr.New(op, mgpuerr.Busy, "device not idle")
	}
	return backoff.Retry(attempt, backoff.WithContext(b, ctx))
}

// resetHardware asserts MGPU_CTRL_RESET, holds it, deasserts, then polls
// for the device to come back idle and confirms it responds with a
// nonzero VERSION register (original_source/mgpu_reset.c's
// mgpu_reset_hw).
func (r *Resetter) resetHardware(ctx context.Context) error {
	const op = "health.resetHardware"
	if err := r.regs.SetBits32(wire.RegControl, wire.CtrlReset); err != nil {
		return mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	time.Sleep(ResetHoldTime)
	if err := r.regs.ClearBits32(wire.RegControl, wire.CtrlReset); err != nil {
		return mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}

	if err := r.waitIdle(ctx, ResetIdlePollTime); err != nil {
		return err
	}
	if err := r.regs.Write32(wire.RegIRQAck, 0xFFFFFFFF); err != nil {
		return mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}

	version, err := r.regs.Read32(wire.RegVersion)
	if err != nil {
		return mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	if version == 0 {
		return mgpuerr.New(op, mgpuerr.HardwareError, "device did not respond after reset")
	}
	return nil
}
