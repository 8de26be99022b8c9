// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mgpu

import (
	"context"

	"github.com/platinasystems/mgpu/internal/mgpuerr"
	"github.com/platinasystems/mgpu/internal/wire"
)

// Suspend quiesces the device for a low-power or maintenance window: it
// disables interrupts and drains every ring to empty, matching
// mgpu_cmdq_suspend's drain-then-idle sequence. Submit calls made while
// suspended still enqueue in software; nothing reaches the device until
// Resume.
func (d *Device) Suspend(ctx context.Context) error {
	const op = "mgpu.Suspend"
	if err := d.irq.Disable(0xFFFFFFFF); err != nil {
		return mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	for _, r := range d.rings {
		if _, err := r.Suspend(ctx); err != nil {
			return err
		}
	}
	if err := d.regs.ClearBits32(wire.RegControl, wire.CtrlEnable); err != nil {
		return mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	return nil
}

// Resume reverses Suspend: it resets each ring's head/tail bookkeeping,
// re-enables the device, and re-enables interrupts, matching
// mgpu_cmdq_resume.
func (d *Device) Resume() error {
	const op = "mgpu.Resume"
	for _, r := range d.rings {
		if err := r.Reset(); err != nil {
			return err
		}
	}
	if err := d.regs.SetBits32(wire.RegControl, wire.CtrlEnable); err != nil {
		return mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	if err := d.enableInterrupts(); err != nil {
		return mgpuerr.Wrap(op, mgpuerr.HardwareError, err)
	}
	return nil
}

// Reset forces an immediate device reset through the same staged
// workflow the health monitor triggers automatically on a detected hang,
// and blocks until it completes.
func (d *Device) Reset(ctx context.Context) error {
	d.resetter.Schedule(ctx)
	return d.resetter.Wait(ctx)
}

// Close stops every background worker, disables the device, and releases
// the register window and ring memory. Close is idempotent.
func (d *Device) Close() error {
	const op = "mgpu.Close"
	var err error
	d.closeOnce.Do(func() {
		d.cancel()
		d.wg.Wait()

		if regErr := d.regs.ClearBits32(wire.RegControl, wire.CtrlEnable); regErr != nil {
			err = mgpuerr.Wrap(op, mgpuerr.HardwareError, regErr)
		}
		for _, r := range d.rings {
			if closeErr := r.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
		if fenceErr := d.fence.Close(); fenceErr != nil && err == nil {
			err = fenceErr
		}
		if unmapErr := d.regs.Unmap(); unmapErr != nil && err == nil {
			err = unmapErr
		}
	})
	return err
}
