// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package isoheap

import (
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ---------------------------------------------------------------------------
// heap
//
// heap ties the mmap backed records together with the Go side state the
// garbage collector has to know about: the locks, the logger and the thread
// cache registry. Everything security sensitive (the root record, the zones
// table, the lookup tables, the thread caches) lives in guarded mappings
// outside the Go heap.

type heap struct {
	cfg *Config
	log *zap.Logger
	rnd *rng

	// rootLock covers the small zone engine: the zones table, the lookup
	// tables and every bitmap. bigLock covers the big zone list. They are
	// only ever held together, in root then big order, during a full heap
	// verification.
	rootLock sync.Mutex
	bigLock  sync.Mutex

	rootMap guardedMapping
	root    *root

	zonesMap guardedMapping
	zones    *[MAX_ZONES]Zone

	// chunkTable maps the high bits of a chunk address to the index of the
	// zone whose user region starts in that bucket. zoneTable maps a chunk
	// size to the index of the first zone of that size. Both read without
	// a lock; every hit is re-validated, so a stale read is only a miss.
	chunkTableMap guardedMapping
	chunkTable    *[CHUNK_TABLE_SZ]uint32
	zoneTableMap  guardedMapping
	zoneTable     *[ZONE_TABLE_SZ]uint32

	tcacheMu   sync.Mutex
	tcaches    map[int]*threadCache
	tcacheMaps []guardedMapping

	// zeroPage PROT_NONE sentinel returned for zero byte requests when
	// NoZeroAllocations is on.
	zeroPage mapping

	protected bool
	destroyed bool
}

// newHeap maps and initialises a heap: the guarded root record, the zones
// table, the mlocked lookup tables, the zero sentinel and one internal zone
// per configured default size. Any mapping failure during initialisation is
// fatal.
func newHeap(cfg *Config) *heap {
	if cfg == nil {
		cfg = NewConfig()
	}
	h := &heap{
		cfg:     cfg,
		log:     cfg.logger(),
		rnd:     newRng(),
		tcaches: make(map[int]*threadCache),
	}
	pg := uintptr(pageSize())

	var err error
	if h.rootMap, err = mapGuarded(h.rnd, alignUp(unsafe.Sizeof(root{}), pg), false); err != nil {
		panic("isoheap: could not map the root: " + err.Error())
	}
	h.root = (*root)(unsafe.Pointer(h.rootMap.userBase))
	h.root.systemPageSize = uint64(pg)
	h.root.zoneHandleMask = h.rnd.next()
	h.root.bigZoneNextMask = h.rnd.next()
	h.root.bigZoneCanarySecret = h.rnd.next()

	zonesBytes := alignUp(unsafe.Sizeof(Zone{})*MAX_ZONES, pg)
	if h.zonesMap, err = mapGuarded(h.rnd, zonesBytes, false); err != nil {
		panic("isoheap: could not map the zones table: " + err.Error())
	}
	h.zones = (*[MAX_ZONES]Zone)(unsafe.Pointer(h.zonesMap.userBase))

	ctBytes := alignUp(unsafe.Sizeof([CHUNK_TABLE_SZ]uint32{}), pg)
	if h.chunkTableMap, err = mapGuarded(h.rnd, ctBytes, false); err != nil {
		panic("isoheap: could not map the chunk lookup table: " + err.Error())
	}
	h.chunkTable = (*[CHUNK_TABLE_SZ]uint32)(unsafe.Pointer(h.chunkTableMap.userBase))
	lockPages(h.chunkTableMap.userBase, h.chunkTableMap.userSize)

	ztBytes := alignUp(unsafe.Sizeof([ZONE_TABLE_SZ]uint32{}), pg)
	if h.zoneTableMap, err = mapGuarded(h.rnd, ztBytes, false); err != nil {
		panic("isoheap: could not map the zone lookup table: " + err.Error())
	}
	h.zoneTable = (*[ZONE_TABLE_SZ]uint32)(unsafe.Pointer(h.zoneTableMap.userBase))
	lockPages(h.zoneTableMap.userBase, h.zoneTableMap.userSize)

	if h.zeroPage, err = mapPages(h.rnd, pg, unix.PROT_NONE, false); err != nil {
		panic("isoheap: could not map the zero sentinel page: " + err.Error())
	}

	h.rootLock.Lock()
	for _, sz := range cfg.zoneSizes() {
		if _, err := h.newZone(uint64(sz), true); err != nil {
			h.rootLock.Unlock()
			panic("isoheap: could not create a default zone: " + err.Error())
		}
	}
	h.rootLock.Unlock()

	return h
}

// fatal emits the abort diagnostic and panics. Nothing is ever recovered;
// a detected anomaly is treated as adversarial.
func (h *heap) fatal(kind ErrorKind, format string, args ...interface{}) {
	detail := fmt.Sprintf(format, args...)
	h.log.Error("heap abort",
		zap.String("kind", kind.String()),
		zap.String("detail", detail),
	)
	panic(&HeapError{Kind: kind, Detail: detail})
}

// allocFailed resolves the one transient failure surface: a nil return when
// an upstream mapping failed, unless AbortOnNull turns it into an abort.
func (h *heap) allocFailed(err error) uintptr {
	if h.cfg.AbortOnNull {
		h.fatal(ErrOutOfCapability, "allocation failed: %v", err)
	}
	h.log.Warn("allocation failed", zap.Error(err))
	return 0
}

// checkUsable aborts operations on a destroyed or protected heap.
func (h *heap) checkUsable() {
	if h.destroyed {
		h.fatal(ErrMisuse, "operation on a destroyed heap")
	}
	if h.protected {
		h.fatal(ErrMisuse, "operation on a protected heap")
	}
}

// ---------------------------------------------------------------------------
// lookup tables

// chunkBucket returns the chunk lookup table bucket of addr.
func (h *heap) chunkBucket(addr uintptr) uint32 {
	return uint32(addr>>CHUNK_BUCKET_SHIFT) & (CHUNK_TABLE_SZ - 1)
}

// registerChunkBucket publishes z in the chunk lookup table bucket of its
// user region base. The root lock must be held.
func (h *heap) registerChunkBucket(z *Zone) {
	h.chunkTable[h.chunkBucket(z.userStart())] = z.index
}

// sizeChainHead resolves the first zone of the given chunk size, or nil.
func (h *heap) sizeChainHead(size uint32) *Zone {
	idx := h.zoneTable[size]
	if idx > h.root.zonesUsed {
		h.fatal(ErrCorruption, "zone lookup table entry %d exceeds %d used zones", idx, h.root.zonesUsed)
	}
	if idx >= h.root.zonesUsed {
		return nil
	}
	z := &h.zones[idx]
	if z.chunkSize != size || z.destroyed {
		return nil
	}
	return z
}

// spliceSizeChain appends z to the chain of zones with its chunk size, or
// makes it the chain head. The root lock must be held; a caller racing
// through the same size class finds the splice already valid.
func (h *heap) spliceSizeChain(z *Zone) {
	head := h.sizeChainHead(z.chunkSize)
	if head == nil {
		h.zoneTable[z.chunkSize] = z.index
		return
	}
	tail := head
	for tail.nextSzIndex != 0 {
		next := &h.zones[tail.nextSzIndex]
		if next.chunkSize != z.chunkSize {
			h.fatal(ErrCorruption, "size chain of %d byte zones links a %d byte zone",
				z.chunkSize, next.chunkSize)
		}
		tail = next
	}
	tail.nextSzIndex = z.index
}

// ---------------------------------------------------------------------------
// zone search

// findZoneForSize resolves a zone able to service a request of size bytes:
// the size chain first, then a linear scan over every zone, then a new
// internal zone of exactly that size. The root lock must be held.
func (h *heap) findZoneForSize(size uint64) (*Zone, error) {
	for z := h.sizeChainHead(uint32(size)); z != nil; {
		if h.zoneFits(z, size, true) {
			return z, nil
		}
		ni := z.nextSzIndex
		if ni == 0 {
			break
		}
		if ni > h.root.zonesUsed {
			h.fatal(ErrCorruption, "size chain index %d exceeds %d used zones", ni, h.root.zonesUsed)
		}
		next := &h.zones[ni]
		if next.chunkSize != z.chunkSize {
			h.fatal(ErrCorruption, "size chain of %d byte zones links a %d byte zone",
				z.chunkSize, next.chunkSize)
		}
		z = next
	}

	for i := uint32(0); i < h.root.zonesUsed; i++ {
		z := &h.zones[i]
		if h.zoneFits(z, size, true) {
			return z, nil
		}
	}

	return h.newZone(size, true)
}

// findOwningZone resolves the small zone owning p: the chunk lookup table
// first, then the zone cache of the calling thread, then a linear scan.
// Returns nil when p is not a small chunk. The root lock must be held; tc
// may be nil when no thread cache is available.
func (h *heap) findOwningZone(p uintptr, tc *threadCache) *Zone {
	idx := h.chunkTable[h.chunkBucket(p)]
	if idx > h.root.zonesUsed {
		h.fatal(ErrCorruption, "chunk lookup table entry %d exceeds %d used zones", idx, h.root.zonesUsed)
	}
	if idx < h.root.zonesUsed {
		z := &h.zones[idx]
		if !z.destroyed && z.containsUser(p) {
			return z
		}
	}

	if tc != nil {
		for i := uint32(0); i < tc.zoneCacheCount; i++ {
			z := (*Zone)(unsafe.Pointer(tc.zoneCache[i].zone))
			if z != nil && !z.destroyed && z.containsUser(p) {
				return z
			}
		}
	}

	for i := uint32(0); i < h.root.zonesUsed; i++ {
		z := &h.zones[i]
		if !z.destroyed && z.containsUser(p) {
			return z
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// statistics

// stats snapshots one zone. The root lock must be held.
func (z *Zone) stats() ZoneStats {
	return ZoneStats{
		Index:        z.index,
		ChunkSize:    z.chunkSize,
		ChunkCount:   z.chunkCount(),
		AfCount:      z.afCount,
		AllocCount:   z.allocCount,
		CacheDropped: z.cacheDropped,
		IsFull:       z.isFull,
		Internal:     z.internal,
	}
}

// stats snapshots the whole heap.
func (h *heap) stats() HeapStats {
	h.checkUsable()
	h.rootLock.Lock()
	s := HeapStats{ZonesUsed: h.root.zonesUsed}
	for i := uint32(0); i < h.root.zonesUsed; i++ {
		z := &h.zones[i]
		if z.destroyed {
			continue
		}
		s.AfTotal += uint64(z.afCount)
		s.AllocTotal += z.allocCount
	}
	h.rootLock.Unlock()

	s.BigZones, s.BigZonesFree = h.bigStats()
	return s
}

// ---------------------------------------------------------------------------
// root protection

// protectRoot makes the allocator temporarily unusable by revoking access
// to the root record, the zones table and both lookup tables.
func (h *heap) protectRoot() {
	h.rootLock.Lock()
	defer h.rootLock.Unlock()
	if h.protected {
		return
	}
	_ = protectPages(h.rootMap.userBase, h.rootMap.userSize, unix.PROT_NONE)
	_ = protectPages(h.zonesMap.userBase, h.zonesMap.userSize, unix.PROT_NONE)
	_ = protectPages(h.chunkTableMap.userBase, h.chunkTableMap.userSize, unix.PROT_NONE)
	_ = protectPages(h.zoneTableMap.userBase, h.zoneTableMap.userSize, unix.PROT_NONE)
	h.protected = true
}

// unprotectRoot restores access revoked by protectRoot.
func (h *heap) unprotectRoot() {
	h.rootLock.Lock()
	defer h.rootLock.Unlock()
	if !h.protected {
		return
	}
	rw := unix.PROT_READ | unix.PROT_WRITE
	_ = protectPages(h.rootMap.userBase, h.rootMap.userSize, rw)
	_ = protectPages(h.zonesMap.userBase, h.zonesMap.userSize, rw)
	_ = protectPages(h.chunkTableMap.userBase, h.chunkTableMap.userSize, rw)
	_ = protectPages(h.zoneTableMap.userBase, h.zoneTableMap.userSize, rw)
	h.protected = false
}

// ---------------------------------------------------------------------------
// teardown

// teardown audits the whole heap, flushes every registered quarantine,
// unmaps every zone and big zone and finally releases the metadata
// mappings. The heap is unusable afterwards.
func (h *heap) teardown() {
	h.rootLock.Lock()

	var pendingBig []uintptr
	h.tcacheMu.Lock()
	for _, tc := range h.tcaches {
		pendingBig = append(pendingBig, h.drainQuarantineLocked(tc)...)
	}
	h.tcacheMu.Unlock()

	audited := 0
	for i := uint32(0); i < h.root.zonesUsed; i++ {
		z := &h.zones[i]
		if z.destroyed {
			continue
		}
		h.verifyZoneLocked(z)
		audited++
	}
	for i := uint32(0); i < h.root.zonesUsed; i++ {
		z := &h.zones[i]
		if !z.destroyed {
			h.releaseZoneRegions(z)
			z.destroyed = true
		}
	}
	h.rootLock.Unlock()

	for _, p := range pendingBig {
		if !h.bigFree(p, false) {
			h.fatal(ErrCorruption, "quarantined pointer 0x%x belongs to no zone", p)
		}
	}

	h.verifyBigList()
	h.teardownBig()

	h.log.Info("heap teardown complete", zap.Int("zones_audited", audited))

	h.tcacheMu.Lock()
	for _, m := range h.tcacheMaps {
		unmapPages(m.mapping)
	}
	h.tcacheMaps = nil
	h.tcaches = nil
	h.tcacheMu.Unlock()

	unmapPages(h.chunkTableMap.mapping)
	unmapPages(h.zoneTableMap.mapping)
	unmapPages(h.zonesMap.mapping)
	unmapPages(h.rootMap.mapping)
	unmapPages(h.zeroPage)
	h.destroyed = true
}
