// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package isoheap

import (
	"runtime"
	"unsafe"
)

// ---------------------------------------------------------------------------
// per thread caches
//
// Go offers no native thread local storage, so every OS thread gets its
// cache record carved out of a guarded anonymous mapping, registered under
// its thread id. The registry lock only guards the map itself; a cache
// record is only ever read or written by the thread it belongs to. A thread
// that exits without flushing leaks at most ZONE_CACHE_SZ zone references
// and CHUNK_QUARANTINE_SZ pending frees, both reclaimed at teardown.

// pinThread pins the calling goroutine to its OS thread so the thread
// cache fetched next stays owned by the caller for the whole operation.
// The matching unpin must run on every return path.
func pinThread() {
	runtime.LockOSThread()
}

// unpinThread releases the pin taken by pinThread.
func unpinThread() {
	runtime.UnlockOSThread()
}

// tcache returns the cache of the calling OS thread, creating it on first
// use. The caller must have pinned the thread.
func (h *heap) tcache() *threadCache {
	tid := currentThreadID()

	h.tcacheMu.Lock()
	tc, ok := h.tcaches[tid]
	if !ok {
		pg := uintptr(h.root.systemPageSize)
		m, err := mapGuarded(h.rnd, alignUp(unsafe.Sizeof(threadCache{}), pg), false)
		if err != nil {
			h.tcacheMu.Unlock()
			panic("isoheap: could not map a thread cache: " + err.Error())
		}
		tc = (*threadCache)(unsafe.Pointer(m.userBase))
		h.tcaches[tid] = tc
		h.tcacheMaps = append(h.tcacheMaps, m)
	}
	h.tcacheMu.Unlock()
	return tc
}

// pushZoneCache records z as recently used by this thread. An already
// cached zone is left in place; otherwise the oldest entry is overwritten.
func (tc *threadCache) pushZoneCache(z *Zone) {
	zp := uintptr(unsafe.Pointer(z))
	for i := uint32(0); i < tc.zoneCacheCount; i++ {
		if tc.zoneCache[i].zone == zp {
			tc.zoneCache[i].chunkSize = z.chunkSize
			return
		}
	}
	slot := tc.zoneCacheIndex % ZONE_CACHE_SZ
	tc.zoneCache[slot] = zoneCacheEntry{zone: zp, chunkSize: z.chunkSize}
	tc.zoneCacheIndex++
	if tc.zoneCacheCount < ZONE_CACHE_SZ {
		tc.zoneCacheCount++
	}
}

// probeZoneCache collects the cached zones whose recorded chunk size can
// hold a request of size bytes. Only the cache entries themselves are read
// here; the zones are re-validated under the root lock before use.
func (tc *threadCache) probeZoneCache(size uint64, out *[ZONE_CACHE_SZ]*Zone) int {
	n := 0
	for i := uint32(0); i < tc.zoneCacheCount; i++ {
		e := tc.zoneCache[i]
		if e.zone != 0 && uint64(e.chunkSize) >= size {
			out[n] = (*Zone)(unsafe.Pointer(e.zone))
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// quarantine

// quarantine defers the free of p. A full quarantine is drained first, so a
// chunk becomes eligible for reuse only after CHUNK_QUARANTINE_SZ
// intervening frees on this thread or an explicit flush.
func (h *heap) quarantine(p uintptr) {
	pinThread()
	defer unpinThread()
	tc := h.tcache()
	if tc.chunkQuarantineCount >= CHUNK_QUARANTINE_SZ {
		h.flushQuarantine(tc)
	}
	tc.chunkQuarantine[tc.chunkQuarantineCount] = p
	tc.chunkQuarantineCount++
}

// flushQuarantine drains every pending free of tc. Small chunks are
// released in one batch under the root lock; big zone frees are resolved
// after the root lock is dropped, keeping the root before big lock order
// reserved for verification.
func (h *heap) flushQuarantine(tc *threadCache) {
	h.rootLock.Lock()
	bigs := h.drainQuarantineLocked(tc)
	h.rootLock.Unlock()

	for _, p := range bigs {
		if !h.bigFree(p, false) {
			h.fatal(ErrCorruption, "freed pointer 0x%x belongs to no zone", p)
		}
	}
}

// drainQuarantineLocked releases every quarantined small chunk of tc and
// returns the pointers that have to go down the big zone path. The root
// lock must be held.
func (h *heap) drainQuarantineLocked(tc *threadCache) []uintptr {
	var bigs []uintptr
	for i := uint32(0); i < tc.chunkQuarantineCount; i++ {
		p := tc.chunkQuarantine[i]
		z := h.findOwningZone(p, tc)
		if z == nil {
			bigs = append(bigs, p)
			continue
		}
		h.freeInZone(z, p, false)
		tc.pushZoneCache(z)
		h.maybeRetireZone(z)
	}
	tc.chunkQuarantineCount = 0
	return bigs
}
