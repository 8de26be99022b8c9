// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package health implements the heartbeat and hang-detection half of the
// reset/health engine. It is grounded in
// original_source/mgpu_health.c's three checks — heartbeat, hang, and
// error-threshold — paced here with golang.org/x/time/rate instead of the
// kernel's own periodic workqueue timer.
package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/platinasystems/mgpu/internal/hwreg"
	"github.com/platinasystems/mgpu/internal/wire"
)

// Intervals and thresholds, from original_source/mgpu_health.c.
const (
	CheckInterval     = time.Second
	HeartbeatTimeout  = 5 * time.Second
	HangCheckInterval = 2 * time.Second
	ErrorThreshold    = 10

	// HeartbeatMissThreshold is the number of consecutive heartbeat
	// misses at which the monitor escalates to a reset, giving the
	// same staleness window (HeartbeatTimeout/CheckInterval) the hang
	// check applies to its own cmd-head/fence progress test.
	HeartbeatMissThreshold = uint32(HeartbeatTimeout / CheckInterval)
)

// Snapshot is a point-in-time read of the hardware's liveness signals,
// used to detect a hang without requiring the device to cooperate.
type snapshot struct {
	cmdHead    [wire.MaxQueues]uint32
	fenceValue uint32
	takenAt    time.Time
}

// Monitor runs the heartbeat and hang-detection checks against a mapped
// register window.
type Monitor struct {
	regs    *hwreg.Window
	log     *logrus.Entry
	limiter *rate.Limiter

	numQueues int

	heartbeatMisses uint32
	errorCount      uint32

	last snapshot

	// OnHangDetected is invoked when the hang heuristic trips. It is the
	// reset engine's entry point (mgpu_reset_schedule).
	OnHangDetected func()
	// OnUnrecoverableError is invoked when a non-recoverable hardware
	// error code is observed, or when ErrorThreshold consecutive errors
	// have accumulated.
	OnUnrecoverableError func(info wire.ErrorInfo)
}

// New creates a Monitor polling at most once per CheckInterval.
func New(regs *hwreg.Window, numQueues int, log *logrus.Entry) *Monitor {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	return &Monitor{
		regs:      regs,
		log:       log,
		limiter:   rate.NewLimiter(rate.Every(CheckInterval), 1),
		numQueues: numQueues,
	}
}

// Run drives the periodic checks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.limiter.Allow() {
				continue
			}
			m.checkHeartbeat()
			m.checkHang()
			m.checkErrors()
		}
	}
}

// checkHeartbeat writes a marker to the scratch register and reads it
// back; a mismatch (or a hardware read failure) counts as a missed
// heartbeat, matching mgpu_health_check_heartbeat. Reaching
// HeartbeatMissThreshold consecutive misses escalates to OnHangDetected, the same
// threshold-then-escalate shape checkErrors already uses for
// consecutive hardware errors.
func (m *Monitor) checkHeartbeat() {
	marker := uint32(time.Now().UnixNano())
	if err := m.regs.Write32(wire.RegScratch, marker); err != nil {
		m.recordHeartbeatMiss()
		return
	}
	got, err := m.regs.Read32(wire.RegScratch)
	if err != nil || got != marker {
		m.recordHeartbeatMiss()
		return
	}
	atomic.StoreUint32(&m.heartbeatMisses, 0)
}

func (m *Monitor) recordHeartbeatMiss() {
	if atomic.AddUint32(&m.heartbeatMisses, 1) < HeartbeatMissThreshold {
		return
	}
	atomic.StoreUint32(&m.heartbeatMisses, 0)
	m.log.Warn("mgpu: heartbeat miss threshold exceeded")
	if m.OnHangDetected != nil {
		m.OnHangDetected()
	}
}

// checkHang compares the current CMD_HEAD registers and FENCE_VALUE
// against the previous snapshot. If the device reports STATUS_BUSY but
// neither has advanced since HangCheckInterval ago, the device is
// considered hung, matching mgpu_health_check_hang's independent checks
// on cmd head staleness and fence value staleness.
func (m *Monitor) checkHang() {
	status, err := m.regs.Read32(wire.RegStatus)
	if err != nil {
		return
	}
	now := time.Now()
	if !m.last.takenAt.IsZero() && now.Sub(m.last.takenAt) < HangCheckInterval {
		return
	}
	var cur snapshot
	cur.takenAt = now
	for q := 0; q < m.numQueues && q < wire.MaxQueues; q++ {
		head, err := m.regs.Read32(wire.CmdHead(uint(q)))
		if err != nil {
			return
		}
		cur.cmdHead[q] = head
	}
	fenceVal, err := m.regs.Read32(wire.RegFenceValue)
	if err != nil {
		return
	}
	cur.fenceValue = fenceVal

	busy := status&wire.StatusBusy != 0
	if busy && !m.last.takenAt.IsZero() && now.Sub(m.last.takenAt) >= HangCheckInterval {
		stale := cur.fenceValue == m.last.fenceValue
		for q := 0; q < m.numQueues && q < wire.MaxQueues; q++ {
			if cur.cmdHead[q] != m.last.cmdHead[q] {
				stale = false
			}
		}
		if stale {
			m.log.Warn("mgpu: device appears hung, no progress across hang-check interval")
			if m.OnHangDetected != nil {
				m.OnHangDetected()
			}
		}
	}
	m.last = cur
}

// checkErrors reads STATUS, extracts any reported error code, and reports
// it if non-recoverable or if ErrorThreshold consecutive errors have
// accumulated, matching mgpu_health_check_errors.
func (m *Monitor) checkErrors() {
	status, err := m.regs.Read32(wire.RegStatus)
	if err != nil {
		return
	}
	if status&wire.StatusError == 0 {
		atomic.StoreUint32(&m.errorCount, 0)
		return
	}
	info, ok := wire.DecodeErrorCode(status)
	if !ok {
		info = wire.ErrorInfo{Name: "UNKNOWN", Description: "unrecognized error code", Recoverable: false}
	}

	count := atomic.AddUint32(&m.errorCount, 1)
	if info.Recoverable && count < ErrorThreshold {
		if err := m.regs.ClearBits32(wire.RegStatus, wire.StatusError); err != nil {
			m.log.WithError(err).Warn("mgpu: failed to clear recoverable error status")
		}
		return
	}

	atomic.StoreUint32(&m.errorCount, 0)
	if m.OnUnrecoverableError != nil {
		m.OnUnrecoverableError(info)
	}
}

// HeartbeatMisses reports the current consecutive-miss count, for
// diagnostics; it resets to zero on either a successful heartbeat or an
// escalation to OnHangDetected.
func (m *Monitor) HeartbeatMisses() uint32 { return atomic.LoadUint32(&m.heartbeatMisses) }

// Stats is a read-only snapshot of the monitor's counters, folded in from
// the original driver's mgpu_health diagnostics. There is no debugfs
// surface here, just the in-process struct.
type Stats struct {
	HeartbeatMisses   uint32
	ConsecutiveErrors uint32
}

// Stats returns a snapshot of the monitor's counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		HeartbeatMisses:   atomic.LoadUint32(&m.heartbeatMisses),
		ConsecutiveErrors: atomic.LoadUint32(&m.errorCount),
	}
}
