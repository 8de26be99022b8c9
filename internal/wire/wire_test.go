// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import "testing"

func TestQueueBankOffsets(t *testing.T) {
	if got := CmdBase(0); got != RegCmdBaseBase {
		t.Errorf("CmdBase(0) = %#x, want %#x", got, RegCmdBaseBase)
	}
	if got := CmdBase(3); got != RegCmdBaseBase+3*QueueBankStride {
		t.Errorf("CmdBase(3) = %#x, want %#x", got, RegCmdBaseBase+3*QueueBankStride)
	}
	if got := Doorbell(5); got != DoorbellBase+5*DoorbellStride {
		t.Errorf("Doorbell(5) = %#x, want %#x", got, DoorbellBase+5*DoorbellStride)
	}
}

func TestDecodeVersion(t *testing.T) {
	v := DecodeVersion(0x01020304)
	want := Version{Major: 1, Minor: 2, Patch: 3, Build: 4}
	if v != want {
		t.Errorf("DecodeVersion = %+v, want %+v", v, want)
	}
}

func TestDecodeErrorCode(t *testing.T) {
	status := StatusError | uint32(ErrorMemFault)<<16
	info, ok := DecodeErrorCode(status)
	if !ok || info.Code != ErrorMemFault || !info.Recoverable {
		t.Errorf("DecodeErrorCode(%#x) = %+v, %v", status, info, ok)
	}

	_, ok = DecodeErrorCode(uint32(0xFF) << 16)
	if ok {
		t.Errorf("expected unknown error code to report ok=false")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Opcode: OpDraw, Size: 5, Flags: 0x1234}
	got := DecodeHeader(h.Encode())
	if got != h {
		t.Errorf("round trip = %+v, want %+v", got, h)
	}
}

func TestOpcodeLimits(t *testing.T) {
	l, ok := Limits(OpDraw)
	if !ok || l.Min != 5 || l.Max != 8 || l.Privileged {
		t.Errorf("Limits(OpDraw) = %+v, %v", l, ok)
	}
	l, ok = Limits(OpRegWrite)
	if !ok || !l.Privileged {
		t.Errorf("Limits(OpRegWrite) = %+v, %v; want Privileged=true", l, ok)
	}
	if _, ok := Limits(Opcode(0xFF)); ok {
		t.Errorf("expected unknown opcode to report ok=false")
	}
}
