// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package isoheap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// requireHeapPanic asserts that fn aborts with a HeapError of the given
// kind.
func requireHeapPanic(t *testing.T, kind ErrorKind, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a heap abort")
		he, ok := r.(*HeapError)
		require.True(t, ok, "panic value %v is not a *HeapError", r)
		require.Equal(t, kind, he.Kind)
	}()
	fn()
}

func TestNewZoneRoundsAndClamps(t *testing.T) {
	h := newHeap(nil)

	h.rootLock.Lock()
	defer h.rootLock.Unlock()

	z, err := h.newZone(100, false)
	require.NoError(t, err)
	require.Equal(t, uint32(128), z.chunkSize)

	z, err = h.newZone(1, false)
	require.NoError(t, err)
	require.Equal(t, uint32(SMALLEST_CHUNK_SZ), z.chunkSize)
}

func TestNewZoneRejectsOversizedRequest(t *testing.T) {
	h := newHeap(nil)
	requireHeapPanic(t, ErrOutOfCapability, func() {
		h.rootLock.Lock()
		_, _ = h.newZone(SMALL_SZ_MAX+1, false)
	})
}

func TestCanaryChunksSeeded(t *testing.T) {
	h := newHeap(nil)
	z := newPrivateTestZone(t, h, 1024)

	chunks := uint64(z.chunkCount())
	want := chunks / CANARY_COUNT_DIV

	canaries := uint64(0)
	for c := uint64(0); c < chunks; c++ {
		low, high := slotState(z, c)
		if low == 1 && high == 1 {
			canaries++
			h.rootLock.Lock()
			h.verifySlotCanary(z, c*BITS_PER_CHUNK)
			h.rootLock.Unlock()
		}
	}

	// Collisions are dropped, so the exact count may fall short.
	require.NotZero(t, canaries)
	require.LessOrEqual(t, canaries, want)
	require.GreaterOrEqual(t, canaries, want/2)
}

func TestNoCanaryChunksAboveDefaultZoneSize(t *testing.T) {
	h := newHeap(nil)
	z := newPrivateTestZone(t, h, MAX_DEFAULT_ZONE_SZ*2)

	for c := uint64(0); c < uint64(z.chunkCount()); c++ {
		low, high := slotState(z, c)
		require.False(t, low == 1 && high == 1, "chunk %d is a canary chunk", c)
	}
}

func TestZoneFitPolicy(t *testing.T) {
	h := newHeap(nil)

	h.rootLock.Lock()
	defer h.rootLock.Unlock()

	z64 := h.sizeChainHead(64)
	require.NotNil(t, z64)
	require.True(t, h.zoneFits(z64, 64, true))

	// Small requests stay out of large chunk zones.
	z1024 := h.sizeChainHead(1024)
	require.NotNil(t, z1024)
	require.False(t, h.zoneFits(z1024, 64, true))
	require.True(t, h.zoneFits(z1024, 1024, true))

	// The waste policy only applies above 1024 bytes.
	z16k, err := h.newZone(16384, true)
	require.NoError(t, err)
	require.False(t, h.zoneFits(z16k, 2048, true))
	require.True(t, h.zoneFits(z16k, 16384, true))

	// Private zones are invisible to the shared search.
	zp, err := h.newZone(64, false)
	require.NoError(t, err)
	require.False(t, h.zoneFits(zp, 64, true))
	require.True(t, h.zoneFits(zp, 64, false))

	// A full zone is rejected outright.
	z64.isFull = true
	require.False(t, h.zoneFits(z64, 64, true))
	z64.isFull = false
}

func TestFreeValidatesPointer(t *testing.T) {
	h := newHeap(nil)
	z := newPrivateTestZone(t, h, 256)
	zh := h.handleForZone(z)
	p := h.allocFromZone(zh, 256)

	requireHeapPanic(t, ErrCorruption, func() {
		h.rootLock.Lock()
		h.freeInZone(z, p+1, false)
	})
}

func TestFreeRejectsNonChunkBoundary(t *testing.T) {
	h := newHeap(nil)
	z := newPrivateTestZone(t, h, 256)
	zh := h.handleForZone(z)
	p := h.allocFromZone(zh, 256)

	requireHeapPanic(t, ErrCorruption, func() {
		h.rootLock.Lock()
		h.freeInZone(z, p+ALIGNMENT, false)
	})
}

func TestDoubleFreeAborts(t *testing.T) {
	h := newHeap(nil)
	z := newPrivateTestZone(t, h, 256)
	zh := h.handleForZone(z)
	p := h.allocFromZone(zh, 256)

	h.freeNow(p, false)
	requireHeapPanic(t, ErrCorruption, func() {
		h.freeNow(p, false)
	})
}

func TestPermanentFreeRetiresChunk(t *testing.T) {
	h := newHeap(nil)
	z := newPrivateTestZone(t, h, 256)
	zh := h.handleForZone(z)
	p := h.allocFromZone(zh, 256)

	h.freeNow(p, true)

	// The chunk is now a canary chunk; freeing it again is corruption.
	requireHeapPanic(t, ErrCorruption, func() {
		h.freeNow(p, false)
	})
}

func TestZoneRetirementMovesUserPages(t *testing.T) {
	h := newHeap(nil)

	p := h.alloc(4096, false)
	h.rootLock.Lock()
	z := h.findOwningZone(p, nil)
	require.NotNil(t, z)
	index := z.index
	base := z.userStart()
	h.rootLock.Unlock()
	h.freeNow(p, false)

	need := uint64(z.chunkCount())*ZONE_ALLOC_RETIRE + 2
	moved := false
	for i := uint64(0); i < need; i++ {
		q := h.alloc(4096, false)
		h.freeNow(q, false)
		h.rootLock.Lock()
		cur := z.userStart()
		h.rootLock.Unlock()
		if cur != base {
			moved = true
			break
		}
	}

	require.True(t, moved, "zone was never retired")
	require.Equal(t, index, z.index, "retirement keeps the zone index")

	// The replacement zone is immediately usable.
	q := h.alloc(4096, false)
	require.NotZero(t, q)
	h.freeNow(q, false)
}

func TestVeryLargeZonesAreNeverRetired(t *testing.T) {
	h := newHeap(nil)

	h.rootLock.Lock()
	z, err := h.newZone(MAX_DEFAULT_ZONE_SZ*2, true)
	require.NoError(t, err)
	base := z.userStart()
	z.allocCount = uint64(z.chunkCount())*ZONE_ALLOC_RETIRE + 1
	h.maybeRetireZone(z)
	require.Equal(t, base, z.userStart())
	h.rootLock.Unlock()
}
