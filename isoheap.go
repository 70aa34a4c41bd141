// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package isoheap implements a hardened zone based memory allocator.
//
// Small requests are serviced from isolated zones, fixed chunk size arenas
// whose user pages and state bitmap live in separate guarded mappings.
// Chunk state is tracked with two bits per chunk, freed and reserved chunks
// carry canaries derived from per zone secrets, and the hot metadata
// pointers rest XOR masked. Requests above SMALL_SZ_MAX are serviced by the
// big allocation path, a masked singly linked list of guarded mappings.
// Frees are deferred through a per thread quarantine so a freed address is
// not immediately reusable.
//
// The allocator treats every detected anomaly (double free, canary
// mismatch, inconsistent bitmap state, forged metadata) as adversarial and
// aborts by panicking with a *HeapError; nothing is ever recovered.
package isoheap

import (
	"math/bits"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

// ---------------------------------------------------------------------------
// allocation and free dispatch

// alloc services one request. zero requests the chunk body be cleared,
// which big path pages already are.
func (h *heap) alloc(size uint64, zero bool) uintptr {
	h.checkUsable()

	if size == 0 && h.cfg.NoZeroAllocations {
		return h.zeroPage.base
	}
	if size > SMALL_SZ_MAX {
		return h.bigAlloc(size)
	}
	req := size
	if req < SMALLEST_CHUNK_SZ {
		req = SMALLEST_CHUNK_SZ
	}
	req = roundUpPow2(req)

	pinThread()
	defer unpinThread()
	tc := h.tcache()
	var candidates [ZONE_CACHE_SZ]*Zone
	ncand := tc.probeZoneCache(req, &candidates)

	h.rootLock.Lock()
	var z *Zone
	for _, c := range candidates[:ncand] {
		if h.zoneFits(c, req, false) {
			z = c
			break
		}
	}
	if z == nil {
		var err error
		if z, err = h.findZoneForSize(req); err != nil {
			h.rootLock.Unlock()
			return h.allocFailed(err)
		}
	}
	slot := z.nextFreeBitSlot
	z.nextFreeBitSlot = BAD_BIT_SLOT
	p := h.allocFromSlot(z, slot)
	tc.pushZoneCache(z)
	h.rootLock.Unlock()

	if zero && size > 0 {
		memset(p, 0, int(size))
	}
	return p
}

// free dispatches one free. Non permanent frees are deferred through the
// thread quarantine; a permanent free bypasses it and makes the address
// unallocatable for the rest of the process lifetime.
func (h *heap) free(p uintptr, permanent bool) {
	h.checkUsable()
	if p == 0 || p == h.zeroPage.base {
		return
	}
	if permanent {
		h.freeNow(p, true)
		return
	}
	h.quarantine(p)
}

// freeNow releases p immediately: into its small zone under the root lock,
// or down the big zone path.
func (h *heap) freeNow(p uintptr, permanent bool) {
	pinThread()
	defer unpinThread()
	tc := h.tcache()
	h.rootLock.Lock()
	if z := h.findOwningZone(p, tc); z != nil {
		h.freeInZone(z, p, permanent)
		tc.pushZoneCache(z)
		h.maybeRetireZone(z)
		h.rootLock.Unlock()
		return
	}
	h.rootLock.Unlock()

	if !h.bigFree(p, permanent) {
		h.fatal(ErrCorruption, "freed pointer 0x%x belongs to no zone", p)
	}
}

// chunkSizeOf returns the usable size of the allocation owning p.
func (h *heap) chunkSizeOf(p uintptr) uint64 {
	h.checkUsable()
	pinThread()
	defer unpinThread()
	tc := h.tcache()
	h.rootLock.Lock()
	z := h.findOwningZone(p, tc)
	h.rootLock.Unlock()
	if z != nil {
		return uint64(z.chunkSize)
	}
	if sz, ok := h.bigChunkSize(p); ok {
		return sz
	}
	h.fatal(ErrMisuse, "0x%x is not a heap pointer", p)
	return 0
}

// realloc grows or shrinks the allocation at p by allocate, copy and
// deferred free.
func (h *heap) realloc(p uintptr, size uint64) uintptr {
	if p == 0 || p == h.zeroPage.base {
		return h.alloc(size, false)
	}
	if size == 0 {
		h.free(p, false)
		if h.cfg.NoZeroAllocations {
			return h.zeroPage.base
		}
		return 0
	}
	old := h.chunkSizeOf(p)
	np := h.alloc(size, false)
	if np != 0 && np != h.zeroPage.base {
		n := old
		if size < n {
			n = size
		}
		copy(memSlice(np, int(n)), memSlice(p, int(n)))
		h.free(p, false)
	}
	return np
}

// ---------------------------------------------------------------------------
// private zones

// ZoneHandle names a caller owned private zone. The handle is the zone
// address masked with a root secret, so a forged or stale handle is
// detected instead of dereferenced.
type ZoneHandle uintptr

// handleForZone masks z into a handle.
func (h *heap) handleForZone(z *Zone) ZoneHandle {
	return ZoneHandle(uintptr(unsafe.Pointer(z)) ^ uintptr(h.root.zoneHandleMask))
}

// zoneFromHandle unmasks and validates zh.
func (h *heap) zoneFromHandle(zh ZoneHandle) *Zone {
	p := uintptr(zh) ^ uintptr(h.root.zoneHandleMask)
	base := h.zonesMap.userBase
	zoneSz := unsafe.Sizeof(Zone{})
	if p < base || p >= base+zoneSz*MAX_ZONES || (p-base)%zoneSz != 0 {
		h.fatal(ErrCorruption, "forged zone handle 0x%x", uintptr(zh))
	}
	return (*Zone)(unsafe.Pointer(p))
}

// newPrivateZone creates a caller owned zone of the given chunk size.
func (h *heap) newPrivateZone(size uint64) (ZoneHandle, error) {
	h.checkUsable()
	h.rootLock.Lock()
	z, err := h.newZone(size, false)
	h.rootLock.Unlock()
	if err != nil {
		return 0, err
	}
	return h.handleForZone(z), nil
}

// allocFromZone services a request from a private zone. A private zone only
// accepts requests up to its chunk size.
func (h *heap) allocFromZone(zh ZoneHandle, size uint64) uintptr {
	h.checkUsable()
	z := h.zoneFromHandle(zh)
	if size > uint64(z.chunkSize) {
		h.fatal(ErrMisuse, "request of %d bytes exceeds the %d byte chunks of zone %d",
			size, z.chunkSize, z.index)
	}

	h.rootLock.Lock()
	if z.destroyed {
		h.rootLock.Unlock()
		h.fatal(ErrMisuse, "allocation from destroyed zone %d", z.index)
	}
	if !h.ensureFreeBitSlot(z) {
		h.rootLock.Unlock()
		return h.allocFailed(errors.Errorf("private zone %d is full", z.index))
	}
	slot := z.nextFreeBitSlot
	z.nextFreeBitSlot = BAD_BIT_SLOT
	p := h.allocFromSlot(z, slot)
	h.rootLock.Unlock()
	return p
}

// ---------------------------------------------------------------------------
// package level surface
//
// The package exposes one process wide heap, created lazily on first use or
// eagerly through Init. Destroy audits and unmaps it; a later use
// re-initialises from scratch.

var (
	defaultMu   sync.Mutex
	defaultHeap *heap
	defaultCfg  *Config
)

// Init eagerly initialises the process heap with the given configuration.
// It must run before any allocation; once the heap exists the configuration
// is immutable.
func Init(cfg *Config) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultHeap != nil {
		return errors.New("isoheap: heap is already initialized")
	}
	defaultCfg = cfg
	defaultHeap = newHeap(cfg)
	return nil
}

// Destroy verifies every canary, flushes the quarantines and unmaps the
// heap. Intended for process shutdown and leak checking harnesses.
func Destroy() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultHeap != nil {
		defaultHeap.teardown()
		defaultHeap = nil
		defaultCfg = nil
	}
}

func getHeap() *heap {
	defaultMu.Lock()
	if defaultHeap == nil {
		defaultHeap = newHeap(defaultCfg)
	}
	h := defaultHeap
	defaultMu.Unlock()
	return h
}

// checkSize validates a caller provided byte count.
func checkSize(h *heap, size int) uint64 {
	if size < 0 {
		h.fatal(ErrMisuse, "negative allocation size %d", size)
	}
	return uint64(size)
}

// Alloc returns a pointer to size usable bytes, aligned to ALIGNMENT. With
// AbortOnNull off the only failure surface is a nil return when the
// operating system refuses a mapping.
func Alloc(size int) unsafe.Pointer {
	h := getHeap()
	return unsafe.Pointer(h.alloc(checkSize(h, size), false))
}

// Calloc returns zeroed memory for nmemb elements of size bytes each. A
// multiplicative overflow aborts before anything is mapped.
func Calloc(nmemb, size int) unsafe.Pointer {
	h := getHeap()
	n := checkSize(h, nmemb)
	s := checkSize(h, size)
	hi, total := bits.Mul64(n, s)
	if hi != 0 {
		h.fatal(ErrOutOfCapability, "calloc(%d, %d) overflows", nmemb, size)
	}
	return unsafe.Pointer(h.alloc(total, true))
}

// Realloc resizes the allocation at p, moving it if needed. A nil p acts as
// Alloc, a zero size as Free.
func Realloc(p unsafe.Pointer, size int) unsafe.Pointer {
	h := getHeap()
	return unsafe.Pointer(h.realloc(uintptr(p), checkSize(h, size)))
}

// Free releases the allocation at p through the thread quarantine. A nil
// pointer and the zero allocation sentinel are no-ops.
func Free(p unsafe.Pointer) {
	getHeap().free(uintptr(p), false)
}

// FreePermanent releases the allocation at p immediately and retires its
// address for the rest of the process lifetime.
func FreePermanent(p unsafe.Pointer) {
	getHeap().free(uintptr(p), true)
}

// FreeSize releases p like Free after checking that the owning zone is
// large enough to ever have returned size bytes.
func FreeSize(p unsafe.Pointer, size int) {
	h := getHeap()
	s := checkSize(h, size)
	if p == nil || uintptr(p) == h.zeroPage.base {
		return
	}
	if cs := h.chunkSizeOf(uintptr(p)); cs < s {
		h.fatal(ErrMisuse, "free of 0x%x with size %d but the owning chunk size is %d",
			uintptr(p), s, cs)
	}
	h.free(uintptr(p), false)
}

// ChunkSize returns the usable size of the allocation owning p.
func ChunkSize(p unsafe.Pointer) int {
	return int(getHeap().chunkSizeOf(uintptr(p)))
}

// Flush drains the quarantine of the calling thread.
func Flush() {
	h := getHeap()
	h.checkUsable()
	pinThread()
	defer unpinThread()
	h.flushQuarantine(h.tcache())
}

// NewZone creates a caller owned private zone for chunks of the given
// size. Private zones are skipped by the shared zone search.
func NewZone(size int) (ZoneHandle, error) {
	h := getHeap()
	return h.newPrivateZone(checkSize(h, size))
}

// AllocFromZone services a request from a private zone. Requests above the
// zone chunk size abort.
func AllocFromZone(zh ZoneHandle, size int) unsafe.Pointer {
	h := getHeap()
	return unsafe.Pointer(h.allocFromZone(zh, checkSize(h, size)))
}

// DestroyZone unmaps a private zone. Chunks still allocated from it become
// invalid.
func DestroyZone(zh ZoneHandle) {
	h := getHeap()
	h.checkUsable()
	z := h.zoneFromHandle(zh)
	if z.internal {
		h.fatal(ErrMisuse, "destroy of shared internal zone %d", z.index)
	}
	h.rootLock.Lock()
	h.destroyZone(z)
	h.rootLock.Unlock()
}

// VerifyZone audits the canaries and chain state of one private zone.
func VerifyZone(zh ZoneHandle) {
	h := getHeap()
	h.checkUsable()
	z := h.zoneFromHandle(zh)
	h.rootLock.Lock()
	h.verifyZoneLocked(z)
	h.rootLock.Unlock()
}

// VerifyAll audits every zone and every big zone record.
func VerifyAll() {
	h := getHeap()
	h.checkUsable()
	h.verifyAll()
}

// ProtectRoot revokes all access to the allocator metadata, making the
// heap temporarily unusable. UnprotectRoot restores it.
func ProtectRoot() {
	getHeap().protectRoot()
}

// UnprotectRoot restores the access revoked by ProtectRoot.
func UnprotectRoot() {
	h := getHeap()
	h.unprotectRoot()
}

// Stats snapshots the heap counters.
func Stats() HeapStats {
	return getHeap().stats()
}
