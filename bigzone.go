// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package isoheap

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ---------------------------------------------------------------------------
// big allocation path
//
// One bigZone record tracks one large allocation. Records live at a
// randomised offset inside their own guarded metadata page and are linked
// into a singly linked list whose head and next pointers rest XOR masked
// with the root bigZoneNextMask. The list is only traversable under the big
// zone lock.

// bigZoneRecordSize bytes a bigZone record occupies.
var bigZoneRecordSize = unsafe.Sizeof(bigZone{})

// maskBigPtr masks or unmasks a big zone record address.
func (h *heap) maskBigPtr(p uintptr) uint64 {
	return uint64(p) ^ h.root.bigZoneNextMask
}

// unmaskBigPtr is the inverse of maskBigPtr. A zero masked value stands for
// the end of the list and is passed through.
func (h *heap) unmaskBigPtr(v uint64) *bigZone {
	if v == 0 {
		return nil
	}
	return (*bigZone)(unsafe.Pointer(uintptr(v ^ h.root.bigZoneNextMask)))
}

// bigZoneCanary derives the canary both record fields must hold.
func (h *heap) bigZoneCanary(rec *bigZone) uint64 {
	return uint64(uintptr(unsafe.Pointer(rec))) ^
		bswap64(uint64(rec.userPagesStart)) ^
		h.root.bigZoneCanarySecret
}

// verifyBigZone checks both canaries of rec and aborts on any mismatch.
func (h *heap) verifyBigZone(rec *bigZone) {
	want := h.bigZoneCanary(rec)
	if rec.canaryA != want || rec.canaryB != want {
		h.fatal(ErrCorruption, "big zone record 0x%x failed its canary check",
			uintptr(unsafe.Pointer(rec)))
	}
}

// bigAlloc services a request above SMALL_SZ_MAX. The size is rounded to a
// page; freed list entries large enough are reused before a new mapping is
// created. Returns 0 only when mapping fails and AbortOnNull is off.
func (h *heap) bigAlloc(size uint64) uintptr {
	if size > BIG_SZ_MAX {
		h.fatal(ErrOutOfCapability, "big allocation of %d bytes exceeds BIG_SZ_MAX", size)
	}
	pg := uintptr(h.root.systemPageSize)
	size = uint64(alignUp(uintptr(size), pg))

	h.bigLock.Lock()
	defer h.bigLock.Unlock()

	for rec := h.unmaskBigPtr(h.root.bigZoneHead); rec != nil; rec = h.unmaskBigPtr(rec.next) {
		h.verifyBigZone(rec)
		if rec.free && rec.size >= size {
			rec.free = false
			adviseWillNeed(rec.userPagesStart, uintptr(rec.size))
			return rec.userPagesStart
		}
	}

	userMap, err := mapGuarded(h.rnd, uintptr(size), false)
	if err != nil {
		return h.allocFailed(err)
	}
	metaMap, err := mapGuarded(h.rnd, pg, false)
	if err != nil {
		unmapPages(userMap.mapping)
		return h.allocFailed(err)
	}

	// Drop the record somewhere inside its page so its offset cannot be
	// predicted from the mapping address.
	maxOff := uint64(pg - bigZoneRecordSize)
	off := alignDown(uintptr(h.rnd.uintRange(maxOff)), ALIGNMENT)
	rec := (*bigZone)(unsafe.Pointer(metaMap.userBase + off))

	rec.userPagesStart = userMap.userBase
	rec.size = size
	rec.free = false
	rec.next = h.root.bigZoneHead
	c := h.bigZoneCanary(rec)
	rec.canaryA = c
	rec.canaryB = c
	h.root.bigZoneHead = h.maskBigPtr(uintptr(unsafe.Pointer(rec)))

	return userMap.userBase
}

// bigFree releases the big allocation at p. Reports false when p does not
// belong to the big zone list; an interior pointer or a double free aborts.
// A permanent free unlinks the record, protects every involved page and
// wipes the record.
func (h *heap) bigFree(p uintptr, permanent bool) bool {
	pg := uintptr(h.root.systemPageSize)

	h.bigLock.Lock()
	defer h.bigLock.Unlock()

	var prev *bigZone
	for rec := h.unmaskBigPtr(h.root.bigZoneHead); rec != nil; rec = h.unmaskBigPtr(rec.next) {
		h.verifyBigZone(rec)
		if p >= rec.userPagesStart && p < rec.userPagesStart+uintptr(rec.size) {
			if p != rec.userPagesStart {
				h.fatal(ErrCorruption, "free of interior big zone address 0x%x", p)
			}
			if rec.free {
				h.fatal(ErrCorruption, "double free of big zone 0x%x", p)
			}
			if h.cfg.SanitizeOnFree {
				memset(rec.userPagesStart, POISON_BYTE, int(rec.size))
			}
			rec.free = true
			adviseDontNeed(rec.userPagesStart, uintptr(rec.size))

			if permanent {
				if prev != nil {
					prev.next = rec.next
				} else {
					h.root.bigZoneHead = rec.next
				}
				userBase := rec.userPagesStart
				userLen := uintptr(rec.size)
				metaPage := alignDown(uintptr(unsafe.Pointer(rec)), pg)
				*rec = bigZone{}
				_ = protectPages(userBase, userLen, unix.PROT_NONE)
				_ = protectPages(metaPage, pg, unix.PROT_NONE)
			}
			return true
		}
		prev = rec
	}
	return false
}

// bigChunkSize returns the payload size of the big allocation at p, or
// false when p is not a big zone base address.
func (h *heap) bigChunkSize(p uintptr) (uint64, bool) {
	h.bigLock.Lock()
	defer h.bigLock.Unlock()

	for rec := h.unmaskBigPtr(h.root.bigZoneHead); rec != nil; rec = h.unmaskBigPtr(rec.next) {
		h.verifyBigZone(rec)
		if rec.userPagesStart == p {
			return rec.size, true
		}
	}
	return 0, false
}

// bigStats counts list entries. The big zone lock must not be held.
func (h *heap) bigStats() (total, free uint32) {
	h.bigLock.Lock()
	defer h.bigLock.Unlock()

	for rec := h.unmaskBigPtr(h.root.bigZoneHead); rec != nil; rec = h.unmaskBigPtr(rec.next) {
		total++
		if rec.free {
			free++
		}
	}
	return total, free
}

// teardownBig audits and unmaps every big zone. Called with no locks held,
// late in teardown.
func (h *heap) teardownBig() {
	pg := uintptr(h.root.systemPageSize)

	h.bigLock.Lock()
	defer h.bigLock.Unlock()

	rec := h.unmaskBigPtr(h.root.bigZoneHead)
	for rec != nil {
		h.verifyBigZone(rec)
		next := h.unmaskBigPtr(rec.next)

		user := mapping{base: rec.userPagesStart - pg, length: uintptr(rec.size) + 2*pg}
		meta := mapping{base: alignDown(uintptr(unsafe.Pointer(rec)), pg) - pg, length: 3 * pg}
		unmapPages(user)
		unmapPages(meta)
		rec = next
	}
	h.root.bigZoneHead = 0
}
