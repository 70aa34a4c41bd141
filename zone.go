// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package isoheap

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ---------------------------------------------------------------------------
// zone lifecycle

// newZone creates a zone for the given chunk size and appends it to the
// zones table. The root lock must be held. A request above SMALL_SZ_MAX or
// an exhausted zones table aborts; a mapping failure is returned as the one
// transient error surface.
func (h *heap) newZone(size uint64, internal bool) (*Zone, error) {
	if size > SMALL_SZ_MAX {
		h.fatal(ErrOutOfCapability, "zone request of %d bytes exceeds SMALL_SZ_MAX", size)
	}
	if size < SMALLEST_CHUNK_SZ {
		size = SMALLEST_CHUNK_SZ
	}
	size = roundUpPow2(size)

	if h.root.zonesUsed == MAX_ZONES {
		h.fatal(ErrOutOfCapability, "all %d zones in use", MAX_ZONES)
	}

	idx := h.root.zonesUsed
	z := &h.zones[idx]
	*z = Zone{
		index:     idx,
		chunkSize: uint32(size),
		internal:  internal,
		cpuCore:   -1,
	}

	if err := h.seedZone(z); err != nil {
		return nil, errors.Wrap(err, "could not create zone")
	}

	if internal {
		h.registerChunkBucket(z)
		h.spliceSizeChain(z)
	}
	h.root.zonesUsed++

	return z, nil
}

// seedZone maps a fresh bitmap region and user region for z, draws new zone
// secrets and seeds canary chunks and the free slot cache. It is shared by
// zone creation and zone replacement.
func (h *heap) seedZone(z *Zone) error {
	pg := uintptr(h.root.systemPageSize)

	bitmapSize := uint64(z.chunkCount()) * BITS_PER_CHUNK / 8
	if bitmapSize < 8 {
		bitmapSize = 8
	}

	bitmapMap, err := mapGuarded(h.rnd, alignUp(uintptr(bitmapSize), pg), false)
	if err != nil {
		return errors.Wrap(err, "could not map the zone bitmap region")
	}
	userMap, err := mapGuarded(h.rnd, ZONE_USER_SIZE, h.cfg.Prepopulate)
	if err != nil {
		unmapPages(bitmapMap.mapping)
		return errors.Wrap(err, "could not map the zone user region")
	}
	adviseWillNeed(bitmapMap.userBase, bitmapMap.userSize)

	z.canarySecret = h.rnd.next()
	z.pointerMask = h.rnd.next()
	z.bitmapSize = bitmapSize
	z.setRegions(userMap.userBase, bitmapMap.userBase)

	z.afCount = 0
	z.allocCount = 0
	z.cacheDropped = 0
	z.isFull = false
	z.freeBitSlotCacheIndex = 0
	z.freeBitSlotCacheUsable = 0
	z.nextFreeBitSlot = BAD_BIT_SLOT

	if z.chunkSize <= MAX_DEFAULT_ZONE_SZ {
		h.createCanaryChunks(z)
	}
	h.fillFreeBitSlotCache(z)
	z.nextFreeBitSlot = z.dequeueFreeBitSlot()

	return nil
}

// createCanaryChunks reserves roughly chunk_count / CANARY_COUNT_DIV
// uniformly chosen chunks as permanent canary chunks. A chunk drawn twice is
// simply dropped.
func (h *heap) createCanaryChunks(z *Zone) {
	chunks := uint64(z.chunkCount())
	want := chunks / CANARY_COUNT_DIV
	for i := uint64(0); i < want; i++ {
		chunk := h.rnd.uintRange(chunks)
		bitSlot := chunk * BITS_PER_CHUNK
		w := bitSlot >> WORD_SHIFT
		b := uint(bitSlot & (BITS_PER_WORD - 1))
		word := z.loadBitmapWord(w)
		if getBit(word, b) != 0 || getBit(word, b+1) != 0 {
			continue
		}
		word = setBit(word, b)
		word = setBit(word, b+1)
		z.storeBitmapWord(w, word)
		z.writeChunkCanary(z.slotAddr(bitSlot))
	}
}

// ---------------------------------------------------------------------------
// allocation and free inside one zone

// allocFromSlot marks bitSlot allocated and returns the chunk address. The
// root lock must be held. A slot already in use or a chunk outside the user
// region aborts.
func (h *heap) allocFromSlot(z *Zone, bitSlot uint64) uintptr {
	w := bitSlot >> WORD_SHIFT
	b := uint(bitSlot & (BITS_PER_WORD - 1))

	addr := z.slotAddr(bitSlot)
	start := z.userStart()
	if addr < start || addr+uintptr(z.chunkSize) > start+ZONE_USER_SIZE {
		h.fatal(ErrCorruption, "bit slot %d resolves outside zone %d user region", bitSlot, z.index)
	}

	word := z.loadBitmapWord(w)
	if getBit(word, b) != 0 {
		h.fatal(ErrCorruption, "bit slot %d in zone %d is already in use", bitSlot, z.index)
	}
	if getBit(word, b+1) != 0 {
		// The slot held a freed chunk whose canary must still be intact.
		h.verifyChunkCanary(z, addr)
		store64(addr, 0)
	}

	word = setBit(word, b)
	word = unsetBit(word, b+1)
	z.storeBitmapWord(w, word)

	z.allocCount++
	z.afCount++
	return addr
}

// freeInZone releases the chunk at p back to z. The root lock must be held.
// A permanent free leaves the slot in the canary chunk state so the address
// is never handed out again.
func (h *heap) freeInZone(z *Zone, p uintptr, permanent bool) {
	if p&(ALIGNMENT-1) != 0 {
		h.fatal(ErrCorruption, "free of misaligned pointer 0x%x", p)
	}
	start := z.userStart()
	off := p - start
	if off%uintptr(z.chunkSize) != 0 {
		h.fatal(ErrCorruption, "free of 0x%x which is not a chunk boundary in zone %d", p, z.index)
	}

	chunk := uint64(off) / uint64(z.chunkSize)
	bitSlot := chunk * BITS_PER_CHUNK
	w := bitSlot >> WORD_SHIFT
	b := uint(bitSlot & (BITS_PER_WORD - 1))
	if w >= z.bitmapWords() {
		h.fatal(ErrCorruption, "free of 0x%x past the bitmap of zone %d", p, z.index)
	}

	word := z.loadBitmapWord(w)
	if getBit(word, b) == 0 {
		h.fatal(ErrCorruption, "double free of 0x%x in zone %d", p, z.index)
	}
	if getBit(word, b+1) != 0 {
		// Both bits set marks a canary chunk, which also covers a chunk
		// that was already freed permanently.
		h.fatal(ErrCorruption, "free of canary chunk 0x%x in zone %d", p, z.index)
	}

	// The high bit records that this slot carries history and a canary.
	word = setBit(word, b+1)

	if h.cfg.SanitizeOnFree {
		memset(p, POISON_BYTE, int(z.chunkSize))
	}
	if !permanent {
		word = unsetBit(word, b)
		z.enqueueFreeBitSlot(bitSlot)
		z.isFull = false
	}
	z.writeChunkCanary(p)

	z.storeBitmapWord(w, word)
	z.afCount--

	// Touching a neighbour is the cheapest point to catch a linear
	// overflow out of this chunk.
	if chunk > 0 {
		h.verifyNeighborCanary(z, bitSlot-BITS_PER_CHUNK)
	}
	if chunk+1 < uint64(z.chunkCount()) {
		h.verifyNeighborCanary(z, bitSlot+BITS_PER_CHUNK)
	}
}

// verifyNeighborCanary checks the canary of the chunk at bitSlot when its
// state says one is present.
func (h *heap) verifyNeighborCanary(z *Zone, bitSlot uint64) {
	w := bitSlot >> WORD_SHIFT
	b := uint(bitSlot & (BITS_PER_WORD - 1))
	word := z.loadBitmapWord(w)
	if getBit(word, b+1) != 0 {
		h.verifySlotCanary(z, bitSlot)
	}
}

// ---------------------------------------------------------------------------
// fit predicate

// zoneFits applies the zone selection policy for a request of size bytes
// and, when the policy admits the zone, makes sure a free slot is staged.
// chainSearch is true when the zone was found through the size chain or the
// linear scan, where private zones are never eligible.
func (h *heap) zoneFits(z *Zone, size uint64, chainSearch bool) bool {
	if z.destroyed || z.isFull {
		return false
	}
	if chainSearch && !z.internal {
		return false
	}
	if uint64(z.chunkSize) < size {
		return false
	}
	// Keep small objects out of large chunk zones.
	if z.chunkSize >= 1024 && size <= 128 {
		return false
	}
	// Waste policy, applied to large requests only.
	if z.internal && size > 1024 && uint64(z.chunkSize) >= size<<WASTED_SZ_MULTIPLIER_SHIFT {
		return false
	}
	return h.ensureFreeBitSlot(z)
}

// ---------------------------------------------------------------------------
// retirement

// maybeRetireZone retires and replaces z after its lifetime allocation
// count shows sustained reuse while the zone is idle. Replacement keeps the
// zone index but moves the user pages to a fresh mapping, which breaks long
// lived address reuse patterns. The root lock must be held.
func (h *heap) maybeRetireZone(z *Zone) {
	if z.afCount != 0 || !z.internal || z.destroyed {
		return
	}
	if z.chunkSize >= MAX_DEFAULT_ZONE_SZ*2 {
		return
	}
	if z.allocCount <= uint64(z.chunkCount())*ZONE_ALLOC_RETIRE {
		return
	}
	h.replaceZone(z)
}

// replaceZone tears down the regions of z and re-seeds it in place with
// fresh mappings, secrets and canaries.
func (h *heap) replaceZone(z *Zone) {
	h.releaseZoneRegions(z)
	if err := h.seedZone(z); err != nil {
		h.fatal(ErrCorruption, "could not re-seed retired zone %d: %v", z.index, err)
	}
	h.registerChunkBucket(z)
	h.log.Info("zone retired",
		zap.Uint32("zone", z.index),
		zap.Uint32("chunk_size", z.chunkSize),
	)
}

// releaseZoneRegions unmaps the user and bitmap regions of z, or leaves
// them mapped PROT_NONE when zone reuse is disabled so the address range
// can never be recycled by a later mapping.
func (h *heap) releaseZoneRegions(z *Zone) {
	pg := uintptr(h.root.systemPageSize)
	user := mapping{base: z.userStart() - pg, length: ZONE_USER_SIZE + 2*pg}
	bitmap := mapping{
		base:   z.bitmapBase() - pg,
		length: alignUp(uintptr(z.bitmapSize), pg) + 2*pg,
	}
	if h.cfg.NeverReuseZones {
		_ = protectPages(user.base, user.length, unix.PROT_NONE)
		_ = protectPages(bitmap.base, bitmap.length, unix.PROT_NONE)
		return
	}
	unmapPages(user)
	unmapPages(bitmap)
}

// destroyZone removes z entirely. Used for private zones. The root lock
// must be held.
func (h *heap) destroyZone(z *Zone) {
	if z.destroyed {
		return
	}
	h.releaseZoneRegions(z)
	bucket := h.chunkBucket(z.userStart())
	if h.chunkTable[bucket] == z.index {
		h.chunkTable[bucket] = 0
	}
	z.destroyed = true
	z.isFull = true
}
