// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mgpu is the driver core for an FPGA-hosted GPU command engine:
// command rings, a priority job scheduler, a fence/completion engine, and
// a reset/health engine, wired together behind one Device handle. There
// is no process-wide singleton; a caller owns a *Device explicitly, the
// way vnet.Vnet is owned by whatever brings a platform
// up, not reached through a package-level global.
package mgpu

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinasystems/mgpu/internal/fence"
	"github.com/platinasystems/mgpu/internal/health"
	"github.com/platinasystems/mgpu/internal/hwreg"
	"github.com/platinasystems/mgpu/internal/irqcore"
	"github.com/platinasystems/mgpu/internal/mgpuerr"
	"github.com/platinasystems/mgpu/internal/ring"
	"github.com/platinasystems/mgpu/internal/sched"
	"github.com/platinasystems/mgpu/internal/validate"
	"github.com/platinasystems/mgpu/internal/wire"
)

// Device is the root handle for one mgpu instance: the memory-mapped
// register window, one command ring and hardware queue per configured
// queue, the fence engine, interrupt core, scheduler, and health/reset
// engine. All public operations are safe for concurrent use.
type Device struct {
	cfg  Config
	log  *logrus.Entry
	regs *hwreg.Window

	rings  []*ring.Ring
	queues []*sched.Queue

	fence     *fence.Engine
	irq       *irqcore.Core
	validator *validate.Validator
	scheduler *sched.Scheduler
	monitor   *health.Monitor
	resetter  *health.Resetter

	vertexBaseSet int32 // atomic bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// Open brings up a Device: it maps the register window, creates one ring
// and hardware queue per configured queue, wires the interrupt core to
// the fence engine and health monitor, and starts every background
// worker (bottom-half dispatch, scheduler, health monitor, timeout
// sweep). The device is enabled and ready to accept Submit calls when
// Open returns.
func Open(cfg Config) (*Device, error) {
	const op = "mgpu.Open"
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	log := logrus.NewEntry(cfg.Log)

	regs, err := hwreg.Map(cfg.RegisterWindowSize)
	if err != nil {
		return nil, mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}

	d := &Device{cfg: cfg, log: log, regs: regs}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	caps, err := regs.Read32(wire.RegCaps)
	if err != nil {
		d.teardownPartial()
		return nil, mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	numQueues := cfg.NumQueues
	if caps&wire.CapMultiQueue == 0 {
		numQueues = 1
	} else if numQueues > wire.MaxQueues {
		numQueues = wire.MaxQueues
	}

	for i := 0; i < numQueues; i++ {
		r, err := ring.New(regs, uint(i), cfg.RingSizeBytes)
		if err != nil {
			d.teardownPartial()
			return nil, err
		}
		d.rings = append(d.rings, r)
		d.queues = append(d.queues, sched.NewQueue(uint(i), r, cfg.QueueDepth))
	}

	fenceEngine, err := fence.New(regs)
	if err != nil {
		d.teardownPartial()
		return nil, err
	}
	d.fence = fenceEngine
	d.validator = validate.New(cfg.Privileged)
	d.scheduler = sched.New(d.queues, d.fence, d.validator, log)
	d.irq = irqcore.New(regs, log)
	d.monitor = health.New(regs, numQueues, log)
	d.resetter = health.NewResetter(regs, numQueues, log)

	d.wireInterrupts()
	d.wireRecovery()

	if err := d.enableHardware(); err != nil {
		d.teardownPartial()
		return nil, err
	}

	d.wg.Add(4)
	go func() { defer d.wg.Done(); d.irq.Run(d.ctx) }()
	go func() { defer d.wg.Done(); d.scheduler.Run(d.ctx) }()
	go func() { defer d.wg.Done(); d.monitor.Run(d.ctx) }()
	go func() { defer d.wg.Done(); d.scheduler.TimeoutSweep(d.ctx, time.Second) }()

	return d, nil
}

// wireInterrupts registers a bottom-half handler for every IRQ bit this
// driver acts on, matching mgpu_irq_tasklet_func's per-bit dispatch.
func (d *Device) wireInterrupts() {
	d.irq.RegisterHandler(bitIndex(wire.IRQFence), func() {
		if err := d.fence.Process(); err != nil {
			d.log.WithError(err).Warn("mgpu: fence processing failed")
		}
	})
	d.irq.RegisterHandler(bitIndex(wire.IRQError), func() {
		status, err := d.regs.Read32(wire.RegStatus)
		if err != nil {
			return
		}
		info, ok := wire.DecodeErrorCode(status)
		if !ok {
			info = wire.ErrorInfo{Name: "UNKNOWN", Description: "unrecognized error code", Recoverable: false}
		}
		if !info.Recoverable {
			d.log.WithField("error", info.Name).Error("mgpu: non-recoverable hardware error reported via IRQ")
			d.resetter.Schedule(d.ctx)
		}
	})
	d.irq.RegisterHandler(bitIndex(wire.IRQShaderHalt), func() {
		d.log.Warn("mgpu: shader halted")
	})
	d.irq.RegisterHandler(bitIndex(wire.IRQQueueEmpty), func() {
		d.log.Debug("mgpu: queue empty")
	})
	d.irq.RegisterHandler(bitIndex(wire.IRQPerfCounter), func() {
		d.log.Debug("mgpu: performance counter interrupt")
	})
	// IRQCmdComplete needs no handler of its own: fence completion
	// (IRQFence) is what actually retires jobs, matching the way the
	// original driver's CMD_COMPLETE handler just updates queue
	// bookkeeping that this port tracks through the scheduler instead.
}

// wireRecovery connects the health monitor's hang/error detection and
// the scheduler's per-job timeout to the reset engine, and gives the
// reset engine the hooks it needs to stop and resume command submission
// around a hardware reset.
func (d *Device) wireRecovery() {
	d.monitor.OnHangDetected = func() { d.resetter.Schedule(d.ctx) }
	d.monitor.OnUnrecoverableError = func(info wire.ErrorInfo) {
		d.log.WithField("error", info.Name).Error("mgpu: unrecoverable error, scheduling reset")
		d.resetter.Schedule(d.ctx)
	}
	d.scheduler.OnHang = func(job *sched.Job) {
		d.log.WithField("job", job.ID).Warn("mgpu: job timeout, scheduling reset")
		d.resetter.Schedule(d.ctx)
	}

	d.resetter.DisableIRQ = func() error { return d.irq.Disable(0xFFFFFFFF) }
	d.resetter.EnableIRQ = func() error { return d.enableInterrupts() }
	d.resetter.StopRings = func(ctx context.Context) error {
		var firstErr error
		for _, r := range d.rings {
			if _, err := r.Suspend(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	d.resetter.ResumeRings = func() error {
		var firstErr error
		for _, r := range d.rings {
			if err := r.Reset(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
}

func (d *Device) enableInterrupts() error {
	return d.irq.Enable(wire.IRQCmdComplete | wire.IRQError | wire.IRQFence | wire.IRQQueueEmpty | wire.IRQShaderHalt | wire.IRQPerfCounter)
}

func (d *Device) enableHardware() error {
	const op = "mgpu.enableHardware"
	if err := d.enableInterrupts(); err != nil {
		return mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	if err := d.regs.SetBits32(wire.RegControl, wire.CtrlEnable); err != nil {
		return mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	return nil
}

// bitIndex returns the bit position of a single-bit mask, used to map the
// wire package's named IRQ masks onto irqcore's per-bit handler table.
func bitIndex(mask uint32) uint {
	i := uint(0)
	for mask > 1 {
		mask >>= 1
		i++
	}
	return i
}

// SetVertexBase programs VERTEX_BASE and records that it has been set, so
// subsequent Draw submissions pass validation: a draw requires VERTEX_BASE
// to already be nonzero.
func (d *Device) SetVertexBase(addr uint32) error {
	const op = "mgpu.SetVertexBase"
	if err := d.regs.Write32(wire.RegVertexBase, addr); err != nil {
		return mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	atomic.StoreInt32(&d.vertexBaseSet, 1)
	return nil
}

// Submit validates and admits a job, auto-selecting its hardware queue by
// workload type the way mgpu_sched_submit_job does.
func (d *Device) Submit(req sched.Request) (*sched.Job, error) {
	req.VertexBaseSet = atomic.LoadInt32(&d.vertexBaseSet) != 0
	return d.scheduler.Submit(req)
}

// WaitJob blocks until job finishes or ctx ends.
func (d *Device) WaitJob(ctx context.Context, job *sched.Job) error {
	return d.scheduler.WaitJob(ctx, job)
}

// CancelJob cancels job if it has not yet started executing.
func (d *Device) CancelJob(job *sched.Job) error {
	return d.scheduler.CancelJob(job)
}

// Version reads and decodes the device's VERSION register.
func (d *Device) Version() (wire.Version, error) {
	v, err := d.regs.Read32(wire.RegVersion)
	if err != nil {
		return wire.Version{}, mgpuerr.Wrap("mgpu.Version", mgpuerr.HardwareError, err)
	}
	return wire.DecodeVersion(v), nil
}

// ResetCount reports how many hardware resets this device has performed.
func (d *Device) ResetCount() uint64 { return d.resetter.ResetCount() }

func (d *Device) teardownPartial() {
	if d.cancel != nil {
		d.cancel()
	}
	for _, r := range d.rings {
		r.Close()
	}
	if d.fence != nil {
		d.fence.Close()
	}
	if d.regs != nil {
		d.regs.Unmap()
	}
}
