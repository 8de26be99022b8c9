// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package validate checks a command record against the wire format and
// opcode rules before it is ever written to a ring. It is
// grounded in original_source/mgpu_uapi.c's validator table and its
// mgpu_validate_{draw,dma,fence}_cmd helpers, walked dword by dword the
// way that code walks the ioctl payload.
package validate

import (
	"github.com/platinasystems/mgpu/internal/mgpuerr"
	"github.com/platinasystems/mgpu/internal/wire"
)

// State carries the small amount of device state a handful of opcodes
// need to validate against: the DRAW rule requires a nonzero
// VERTEX_BASE to already be programmed.
type State struct {
	VertexBaseSet bool
}

// Validator enforces the wire format. A non-privileged Validator rejects
// REG_WRITE/REG_READ records outright rather than rewriting them to NOP,
// the stricter of the two policies the original driver's comments leave
// open: silently downgrading a privileged
// command to a NOP would let a caller believe it succeeded when it did
// not, so this driver reports PermissionDenied instead.
type Validator struct {
	privileged bool
}

// New creates a Validator. privileged should be true only for the
// trusted/kernel-equivalent submission path.
func New(privileged bool) *Validator {
	return &Validator{privileged: privileged}
}

// ValidateCommand checks one command record: rec[0] is the header dword
// and rec[1:] is the payload, matching header.Size dwords total.
func (v *Validator) ValidateCommand(rec []uint32, st State) error {
	const op = "validate.ValidateCommand"
	if len(rec) == 0 {
		return mgpuerr.New(op, mgpuerr.InvalidArgument, "empty command record")
	}
	h := wire.DecodeHeader(rec[0])

	limits, ok := wire.Limits(h.Opcode)
	if !ok {
		return mgpuerr.New(op, mgpuerr.InvalidArgument, "unrecognized opcode")
	}
	if uint8(len(rec)) != h.Size {
		return mgpuerr.New(op, mgpuerr.InvalidArgument, "header size does not match record length")
	}
	if h.Size < limits.Min || h.Size > limits.Max {
		return mgpuerr.New(op, mgpuerr.InvalidArgument, "record size out of bounds for opcode")
	}
	if limits.Privileged && !v.privileged {
		return mgpuerr.New(op, mgpuerr.PermissionDenied, "opcode requires privileged submission")
	}

	switch h.Opcode {
	case wire.OpDraw:
		return v.validateDraw(rec, st)
	case wire.OpDMA:
		return v.validateDMA(rec)
	case wire.OpFence:
		return v.validateFence(rec)
	}
	return nil
}

// validateDraw enforces mgpu_validate_draw_cmd: vertex_count in
// [1, 65536], a nonzero instance_count, and a previously-programmed
// VERTEX_BASE.
func (v *Validator) validateDraw(rec []uint32, st State) error {
	const op = "validate.validateDraw"
	vertexCount := rec[1]
	instanceCount := rec[2]
	if vertexCount < wire.DrawVertexCountMin || vertexCount > wire.DrawVertexCountMax {
		return mgpuerr.New(op, mgpuerr.InvalidArgument, "vertex_count out of range")
	}
	if instanceCount == 0 {
		return mgpuerr.New(op, mgpuerr.InvalidArgument, "instance_count must be nonzero")
	}
	if !st.VertexBaseSet {
		return mgpuerr.New(op, mgpuerr.InvalidArgument, "VERTEX_BASE must be programmed before a draw")
	}
	return nil
}

// validateDMA enforces mgpu_validate_dma_cmd: a nonzero transfer no
// larger than 16MiB, with src, dst, and size all 4-byte aligned.
func (v *Validator) validateDMA(rec []uint32) error {
	const op = "validate.validateDMA"
	src, dst, size := rec[1], rec[2], rec[3]
	if size == 0 || size > wire.DMAMaxBytes {
		return mgpuerr.New(op, mgpuerr.InvalidArgument, "dma size out of range")
	}
	if src%4 != 0 || dst%4 != 0 || size%4 != 0 {
		return mgpuerr.New(op, mgpuerr.InvalidArgument, "dma src/dst/size must be 4-byte aligned")
	}
	return nil
}

// validateFence enforces mgpu_validate_fence_cmd: only the address needs
// to be aligned. A zero fence value is unusual but not an error, matching
// the original driver, which only warns on it.
func (v *Validator) validateFence(rec []uint32) error {
	const op = "validate.validateFence"
	addr := rec[1]
	if addr%4 != 0 {
		return mgpuerr.New(op, mgpuerr.InvalidArgument, "fence address must be 4-byte aligned")
	}
	return nil
}
