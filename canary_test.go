// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package isoheap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkCanaryHighByteIsZero(t *testing.T) {
	h := newHeap(nil)
	z := newPrivateTestZone(t, h, 256)

	for p := uintptr(0); p < 1<<20; p += 4096 {
		require.Zero(t, z.chunkCanary(p)>>56, "canary high byte leaked for 0x%x", p)
	}
}

func TestPointerMaskingAtRest(t *testing.T) {
	h := newHeap(nil)
	z := newPrivateTestZone(t, h, 256)

	// The raw stored fields differ from the live addresses unless the
	// mask happens to be zero, which the rng never produces.
	require.NotEqual(t, z.userPagesStart, z.userStart())
	require.NotEqual(t, z.bitmapStart, z.bitmapBase())
	require.Equal(t, z.userStart(), z.userPagesStart^uintptr(z.pointerMask))
}

func TestCanaryDetectsWriteAfterFree(t *testing.T) {
	h := newHeap(nil)
	z := newPrivateTestZone(t, h, 128)
	zh := h.handleForZone(z)

	p := h.allocFromZone(zh, 128)
	h.freeNow(p, false)

	// Flip one byte of the leading canary, as a use after free would.
	memSlice(p, 1)[0] ^= 0xFF

	requireHeapPanic(t, ErrCorruption, func() {
		h.verifyAll()
	})
}

func TestCanaryDetectsLinearOverflow(t *testing.T) {
	h := newHeap(nil)
	z := newPrivateTestZone(t, h, 64)
	zh := h.handleForZone(z)

	p := h.allocFromZone(zh, 64)
	h.freeNow(p, false)

	// Trample one byte of the trailing canary of the freed chunk, as a
	// linear overflow would.
	memSlice(p+64-ALIGNMENT, ALIGNMENT)[0] ^= 0x01

	requireHeapPanic(t, ErrCorruption, func() {
		h.verifyAll()
	})
}

func TestVerifyAllPassesOnHealthyHeap(t *testing.T) {
	h := newHeap(nil)

	var live []uintptr
	for _, sz := range []uint64{16, 64, 100, 1024, 5000} {
		p := h.alloc(sz, false)
		require.NotZero(t, p)
		live = append(live, p)
	}
	h.verifyAll()

	for _, p := range live {
		h.freeNow(p, false)
	}
	h.verifyAll()
}
