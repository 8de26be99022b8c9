// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package health

import (
	"testing"

	"github.com/platinasystems/mgpu/internal/hwreg"
	"github.com/platinasystems/mgpu/internal/wire"
)

func newTestMonitor(t *testing.T, numQueues int) (*Monitor, *hwreg.Window) {
	t.Helper()
	regs, err := hwreg.Map(65536)
	if err != nil {
		t.Fatalf("hwreg.Map: %v", err)
	}
	t.Cleanup(func() { regs.Unmap() })
	return New(regs, numQueues, nil), regs
}

func TestCheckHeartbeatSucceedsOnHealthyRegister(t *testing.T) {
	m, _ := newTestMonitor(t, 1)
	m.checkHeartbeat()
	if got := m.HeartbeatMisses(); got != 0 {
		t.Errorf("HeartbeatMisses() = %d, want 0", got)
	}
}

func TestCheckHeartbeatEscalatesAtThreshold(t *testing.T) {
	m, _ := newTestMonitor(t, 1)
	hung := false
	m.OnHangDetected = func() { hung = true }

	for i := uint32(1); i < HeartbeatMissThreshold; i++ {
		m.recordHeartbeatMiss()
	}
	if hung {
		t.Fatalf("expected no hang report before %d consecutive misses accumulate", HeartbeatMissThreshold)
	}

	m.recordHeartbeatMiss()
	if !hung {
		t.Errorf("expected OnHangDetected after %d consecutive heartbeat misses", HeartbeatMissThreshold)
	}
	if got := m.HeartbeatMisses(); got != 0 {
		t.Errorf("HeartbeatMisses() = %d, want 0 after escalation resets the counter", got)
	}
}

func TestCheckErrorsClearsRecoverableError(t *testing.T) {
	m, regs := newTestMonitor(t, 1)
	status := wire.StatusError | uint32(wire.ErrorMemFault)<<16
	if err := regs.Write32(wire.RegStatus, status); err != nil {
		t.Fatalf("Write32: %v", err)
	}

	var reported *wire.ErrorInfo
	m.OnUnrecoverableError = func(info wire.ErrorInfo) { reported = &info }

	m.checkErrors()

	got, err := regs.Read32(wire.RegStatus)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if got&wire.StatusError != 0 {
		t.Errorf("expected recoverable error bit to be cleared")
	}
	if reported != nil {
		t.Errorf("expected no unrecoverable-error callback for a single recoverable error, got %+v", *reported)
	}
}

func TestCheckErrorsEscalatesAtThreshold(t *testing.T) {
	m, regs := newTestMonitor(t, 1)
	status := wire.StatusError | uint32(wire.ErrorMemFault)<<16

	var reported *wire.ErrorInfo
	m.OnUnrecoverableError = func(info wire.ErrorInfo) { reported = &info }

	for i := 0; i < ErrorThreshold; i++ {
		regs.Write32(wire.RegStatus, status)
		m.checkErrors()
	}
	if reported == nil {
		t.Fatalf("expected escalation callback after %d consecutive errors", ErrorThreshold)
	}
	if reported.Code != wire.ErrorMemFault {
		t.Errorf("reported error code = %v, want %v", reported.Code, wire.ErrorMemFault)
	}
}

func TestCheckHangDetectsStalledDevice(t *testing.T) {
	m, regs := newTestMonitor(t, 1)
	regs.Write32(wire.RegStatus, wire.StatusBusy)
	regs.Write32(wire.CmdHead(0), 5)
	regs.Write32(wire.RegFenceValue, 7)

	hung := false
	m.OnHangDetected = func() { hung = true }

	m.checkHang() // establishes baseline snapshot
	if hung {
		t.Fatalf("expected no hang report on first snapshot")
	}

	m.last.takenAt = m.last.takenAt.Add(-HangCheckInterval - 1)
	m.checkHang() // registers unchanged since baseline

	if !hung {
		t.Errorf("expected hang to be detected when head/fence stay unchanged across the hang-check interval")
	}
}

func TestCheckHangIgnoresIdleDevice(t *testing.T) {
	m, regs := newTestMonitor(t, 1)
	regs.Write32(wire.RegStatus, wire.StatusIdle)
	regs.Write32(wire.CmdHead(0), 5)

	hung := false
	m.OnHangDetected = func() { hung = true }

	m.checkHang()
	m.last.takenAt = m.last.takenAt.Add(-HangCheckInterval - 1)
	m.checkHang()

	if hung {
		t.Errorf("expected no hang report while STATUS_BUSY is clear")
	}
}
