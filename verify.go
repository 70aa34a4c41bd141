// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package isoheap

import "go.uber.org/zap"

// ---------------------------------------------------------------------------
// verifier
//
// The verifier walks every bitmap word and checks the canary of every slot
// that should carry one: freed chunks and canary chunks. A mismatch aborts.
// The walk keeps running totals so fuzz and teardown paths can report how
// much of the heap was actually audited.

// auditReport accumulates verifier totals across a walk.
type auditReport struct {
	Zones         int
	SlotsAudited  int
	CanariesOK    int
	BigZones      int
	BigCanariesOK int
}

// verifyZoneLocked audits one zone. The root lock must be held. A destroyed
// zone, or one whose bitmap handle is unset, is skipped.
func (h *heap) verifyZoneLocked(z *Zone) auditReport {
	var rep auditReport
	if z.destroyed || z.bitmapStart == 0 {
		return rep
	}
	rep.Zones = 1

	if z.nextSzIndex != 0 {
		if z.nextSzIndex > h.root.zonesUsed {
			h.fatal(ErrCorruption, "zone %d size chain index %d exceeds %d used zones",
				z.index, z.nextSzIndex, h.root.zonesUsed)
		}
		next := &h.zones[z.nextSzIndex]
		if next.chunkSize != z.chunkSize {
			h.fatal(ErrCorruption, "zone %d of %d byte chunks chains to a %d byte zone",
				z.index, z.chunkSize, next.chunkSize)
		}
	}

	inUse := uint32(0)
	words := z.bitmapWords()
	for w := uint64(0); w < words; w++ {
		word := z.loadBitmapWord(w)
		if word == 0 {
			continue
		}
		for b := uint(0); b < BITS_PER_WORD; b += BITS_PER_CHUNK {
			low := getBit(word, b)
			high := getBit(word, b+1)
			if low == 1 && high == 0 {
				inUse++
			}
			if high == 1 {
				rep.SlotsAudited++
				h.verifySlotCanary(z, (w<<WORD_SHIFT)+uint64(b))
				rep.CanariesOK++
			}
		}
	}

	if inUse != z.afCount {
		h.fatal(ErrCorruption, "zone %d bitmap shows %d chunks in use but af_count is %d",
			z.index, inUse, z.afCount)
	}
	return rep
}

// verifyAll audits every zone and then the big zone list. This is the only
// path allowed to hold the root lock and the big zone lock at the same
// time, in that order.
func (h *heap) verifyAll() {
	var rep auditReport

	h.rootLock.Lock()
	for i := uint32(0); i < h.root.zonesUsed; i++ {
		r := h.verifyZoneLocked(&h.zones[i])
		rep.Zones += r.Zones
		rep.SlotsAudited += r.SlotsAudited
		rep.CanariesOK += r.CanariesOK
	}

	h.bigLock.Lock()
	for rec := h.unmaskBigPtr(h.root.bigZoneHead); rec != nil; rec = h.unmaskBigPtr(rec.next) {
		h.verifyBigZone(rec)
		rep.BigZones++
		rep.BigCanariesOK += 2
	}
	h.bigLock.Unlock()
	h.rootLock.Unlock()

	h.log.Debug("heap verified",
		zap.Int("zones", rep.Zones),
		zap.Int("slots_audited", rep.SlotsAudited),
		zap.Int("big_zones", rep.BigZones),
	)
}

// verifyBigList audits only the big zone list.
func (h *heap) verifyBigList() {
	h.bigLock.Lock()
	for rec := h.unmaskBigPtr(h.root.bigZoneHead); rec != nil; rec = h.unmaskBigPtr(rec.next) {
		h.verifyBigZone(rec)
	}
	h.bigLock.Unlock()
}
