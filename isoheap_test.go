// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package isoheap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocAlignmentAndUsableSize(t *testing.T) {
	sizes := []int{1, 8, 15, 16, 17, 64, 100, 128, 1000, 1024, 4095, 4096, 8192, 65535, 65536}
	for _, sz := range sizes {
		p := Alloc(sz)
		require.NotNil(t, p, "Alloc(%d)", sz)
		require.Zero(t, uintptr(p)&(ALIGNMENT-1), "Alloc(%d) is misaligned", sz)
		require.GreaterOrEqual(t, ChunkSize(p), sz)
		Free(p)
	}
	Flush()
	VerifyAll()
}

func TestAllocZeroSizeDefault(t *testing.T) {
	p := Alloc(0)
	require.NotNil(t, p)
	require.Equal(t, SMALLEST_CHUNK_SZ, ChunkSize(p))
	Free(p)
}

func TestCallocZeroesAndChecksOverflow(t *testing.T) {
	p := Calloc(8, 32)
	require.NotNil(t, p)
	b := memSlice(uintptr(p), 256)
	for i, v := range b {
		require.Zero(t, v, "byte %d not zeroed", i)
	}
	Free(p)
}

func TestCallocOverflowAborts(t *testing.T) {
	requireHeapPanic(t, ErrOutOfCapability, func() {
		Calloc(1<<33, 1<<32)
	})
}

func TestFreeNilIsNoop(t *testing.T) {
	Free(nil)
	FreePermanent(nil)
}

func TestFreeSizeGuard(t *testing.T) {
	p := Alloc(64)
	FreeSize(p, 64)
	Flush()

	q := Alloc(64)
	requireHeapPanic(t, ErrMisuse, func() {
		FreeSize(q, 4096)
	})
	Free(q)
	Flush()
}

func TestCrossZoneSizeIsolation(t *testing.T) {
	small := Alloc(16)
	large := Alloc(4096)
	require.NotEqual(t, ChunkSize(small), ChunkSize(large),
		"16 byte and 4096 byte chunks must never share a zone")
	Free(small)
	Free(large)
}

func TestReallocPreservesData(t *testing.T) {
	p := Alloc(64)
	b := memSlice(uintptr(p), 64)
	for i := range b {
		b[i] = byte(i)
	}

	q := Realloc(p, 4096)
	require.NotNil(t, q)
	nb := memSlice(uintptr(q), 64)
	for i := range nb {
		require.Equal(t, byte(i), nb[i])
	}
	Free(q)
	Flush()
}

func TestPrivateZoneLifecycle(t *testing.T) {
	zh, err := NewZone(256)
	require.NoError(t, err)

	p := AllocFromZone(zh, 200)
	require.NotNil(t, p)
	require.Equal(t, 256, ChunkSize(p))

	VerifyZone(zh)

	Free(p)
	Flush()
	DestroyZone(zh)
}

func TestPrivateZoneRejectsOversizedRequest(t *testing.T) {
	h := newHeap(nil)
	zh, err := h.newPrivateZone(256)
	require.NoError(t, err)

	requireHeapPanic(t, ErrMisuse, func() {
		h.allocFromZone(zh, 257)
	})
}

func TestPrivateZoneInvisibleToSharedSearch(t *testing.T) {
	h := newHeap(nil)
	zh, err := h.newPrivateZone(65536)
	require.NoError(t, err)
	z := h.zoneFromHandle(zh)

	p := h.alloc(65536, false)
	require.False(t, z.containsUser(p), "a shared request landed in a private zone")
	h.freeNow(p, false)
}

func TestForgedZoneHandleAborts(t *testing.T) {
	h := newHeap(nil)
	requireHeapPanic(t, ErrCorruption, func() {
		h.allocFromZone(ZoneHandle(0xDEAD), 16)
	})
}

func TestDestroyedPrivateZoneRejectsAllocation(t *testing.T) {
	h := newHeap(nil)
	zh, err := h.newPrivateZone(256)
	require.NoError(t, err)
	z := h.zoneFromHandle(zh)

	h.rootLock.Lock()
	h.destroyZone(z)
	h.rootLock.Unlock()

	requireHeapPanic(t, ErrMisuse, func() {
		h.allocFromZone(zh, 16)
	})
}

func TestNoZeroAllocationsSentinel(t *testing.T) {
	cfg := NewConfig()
	cfg.NoZeroAllocations = true
	h := newHeap(cfg)

	p := h.alloc(0, false)
	require.Equal(t, h.zeroPage.base, p)

	// Frees of the sentinel are no-ops.
	h.free(p, false)
	h.free(p, true)

	q := h.realloc(p, 64)
	require.NotZero(t, q)
	require.NotEqual(t, p, q)
	h.freeNow(q, false)
}

func TestSanitizeOnFreePoisonsChunk(t *testing.T) {
	cfg := NewConfig()
	cfg.SanitizeOnFree = true
	h := newHeap(cfg)

	p := h.alloc(256, false)
	b := memSlice(p, 256)
	for i := range b {
		b[i] = 0x41
	}
	h.freeNow(p, false)

	// The body is poisoned; the first and last words now hold the canary.
	for i := ALIGNMENT; i < 256-ALIGNMENT; i++ {
		require.Equal(t, byte(POISON_BYTE), b[i], "byte %d not poisoned", i)
	}
}

func TestRandomChurnKeepsHeapConsistent(t *testing.T) {
	h := newHeap(nil)

	rnd := newRng()
	sizes := []uint64{16, 32, 100, 256, 1024, 5000, 8192, 65536}
	var live []uintptr

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rnd.next()%3 == 0 {
			j := int(rnd.uintRange(uint64(len(live))))
			h.freeNow(live[j], false)
			live = append(live[:j], live[j+1:]...)
			continue
		}
		p := h.alloc(sizes[rnd.uintRange(uint64(len(sizes)))], false)
		require.NotZero(t, p)
		live = append(live, p)
	}

	h.verifyAll()
	for _, p := range live {
		h.freeNow(p, false)
	}
	h.verifyAll()

	s := h.stats()
	require.Zero(t, s.AfTotal, "every chunk was freed")
}

func TestDestroyAndReinit(t *testing.T) {
	p := Alloc(64)
	Free(p)
	Destroy()

	q := Alloc(64)
	require.NotNil(t, q)
	require.Equal(t, 64, ChunkSize(q))
	Free(q)
	Flush()
}
