// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mgpuerr

import (
	"errors"
	"testing"
)

func TestKindMatching(t *testing.T) {
	err := New("ring.WaitSpace", Busy, "ring full")
	if !errors.Is(err, Sentinel(Busy)) {
		t.Errorf("expected errors.Is to match Busy sentinel")
	}
	if errors.Is(err, Sentinel(Timeout)) {
		t.Errorf("did not expect Busy to match Timeout sentinel")
	}
	if k, ok := Of(err); !ok || k != Busy {
		t.Errorf("Of(err) = %v, %v; want Busy, true", k, ok)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("underlying syscall failure")
	err := Wrap("regs.Read", HardwareError, cause)
	if !errors.Is(err, cause) {
		t.Errorf("expected wrapped error to unwrap to cause")
	}
	if k, _ := Of(err); k != HardwareError {
		t.Errorf("Of(err) kind = %v, want HardwareError", k)
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap("op", Busy, nil); err != nil {
		t.Errorf("Wrap(op, kind, nil) = %v, want nil", err)
	}
}
