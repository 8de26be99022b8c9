// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mgpu

import (
	"github.com/sirupsen/logrus"

	"github.com/platinasystems/mgpu/internal/mgpuerr"
	"github.com/platinasystems/mgpu/internal/wire"
)

// Config selects the shape of a Device: how many hardware queues to
// stand up, how deep each one's ring and admission window are, and how
// the ambient logger behaves. There is no on-disk config file format;
// callers of this library (a command-line tool, a test harness, a
// higher-level service) own their own config loading and construct a
// Config directly, the way vnet.Config is built up by
// its caller rather than parsed here.
type Config struct {
	// NumQueues is the number of hardware command queues to bring up,
	// gating auto queue selection for compute/DMA workloads the same
	// way MGPU_CAP_MULTI_QUEUE gates num_queues in the original driver.
	NumQueues int

	// QueueDepth is the maximum number of jobs running at once on one
	// queue. Submit does not report Busy when it is reached: further
	// jobs wait in their priority bucket until a running job finishes.
	// Zero uses wire.DefaultQueueDepth (16, matching the original driver).
	QueueDepth int

	// RingSizeBytes is the size of each queue's command ring. It is
	// rounded up to a power of two within [wire.RingSizeMin,
	// wire.RingSizeMax].
	RingSizeBytes uint

	// RegisterWindowSize is the size of the simulated MMIO register
	// window. It must be large enough to hold every queue's register
	// bank; DefaultConfig sizes it generously.
	RegisterWindowSize uint

	// Privileged allows this Device to submit REG_WRITE/REG_READ
	// commands. A production deployment would set this only for the
	// trusted control path, mirroring the original driver's
	// CAP_SYS_ADMIN gate on privileged ioctls.
	Privileged bool

	// Log receives all structured log output. A nil Log gets a
	// logrus.New() default at Info level.
	Log *logrus.Logger
}

// DefaultConfig returns a single-queue configuration suitable for tests
// and simple callers.
func DefaultConfig() Config {
	return Config{
		NumQueues:          1,
		QueueDepth:         wire.DefaultQueueDepth,
		RingSizeBytes:      wire.RingSizeMin,
		RegisterWindowSize: 65536,
		Privileged:         false,
	}
}

func (c Config) validate() error {
	const op = "mgpu.Config.validate"
	if c.NumQueues < 1 || c.NumQueues > wire.MaxQueues {
		return mgpuerr.New(op, mgpuerr.InvalidArgument, "NumQueues out of range")
	}
	if c.RingSizeBytes != 0 && (c.RingSizeBytes < wire.RingSizeMin || c.RingSizeBytes > wire.RingSizeMax) {
		return mgpuerr.New(op, mgpuerr.InvalidArgument, "RingSizeBytes out of range")
	}
	needed := wire.CmdBase(uint(c.NumQueues)) + wire.QueueBankStride
	if c.RegisterWindowSize != 0 && uint(needed) > c.RegisterWindowSize {
		return mgpuerr.New(op, mgpuerr.InvalidArgument, "RegisterWindowSize too small for NumQueues")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.QueueDepth <= 0 {
		c.QueueDepth = wire.DefaultQueueDepth
	}
	if c.RingSizeBytes == 0 {
		c.RingSizeBytes = wire.RingSizeMin
	}
	if c.RegisterWindowSize == 0 {
		c.RegisterWindowSize = 65536
	}
	if c.Log == nil {
		c.Log = logrus.New()
	}
	return c
}
