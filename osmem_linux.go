// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package isoheap

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ---------------------------------------------------------------------------
// page primitives
//
// Every region the allocator owns is an anonymous private mapping created
// outside the Go heap. The Go garbage collector never scans these pages, so
// nothing stored in them may be a Go pointer.

// mapHintBase low end of the range pseudo random mapping hints are drawn
// from. The kernel treats the hint as advisory and falls back to its own
// placement when the range is taken.
const mapHintBase = 0x10000 << 20

// mapping represents one contiguous anonymous mapping.
type mapping struct {
	base   uintptr
	length uintptr
}

// slice views the whole mapping as bytes.
func (m mapping) slice() []byte {
	return memSlice(m.base, int(m.length))
}

// guardedMapping represents a mapping whose first and last page are
// PROT_NONE guards. userBase and userSize cover the accessible interior.
type guardedMapping struct {
	mapping
	userBase uintptr
	userSize uintptr
}

// userSlice views the interior region between the guards.
func (m guardedMapping) userSlice() []byte {
	return memSlice(m.userBase, int(m.userSize))
}

// mapPages creates an anonymous private mapping of length bytes with the
// given protection, placed at a pseudo random hint address.
func mapPages(r *rng, length uintptr, prot int, populate bool) (mapping, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if populate {
		flags |= unix.MAP_POPULATE
	}
	// The hint is advisory; the kernel picks its own placement when the
	// hinted range is taken.
	hint := uintptr(mapHintBase + alignDown(uintptr(r.next()&0x7FFFFFF000), uintptr(pageSize())))
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), length, prot, flags)
	if err != nil {
		return mapping{}, errors.Wrap(err, "could not map anonymous pages")
	}
	return mapping{base: uintptr(p), length: length}, nil
}

// mapGuarded creates a mapping of size accessible bytes bracketed by one
// PROT_NONE guard page below and one above. size must be page aligned.
func mapGuarded(r *rng, size uintptr, populate bool) (guardedMapping, error) {
	pg := uintptr(pageSize())
	total := size + 2*pg
	m, err := mapPages(r, total, unix.PROT_READ|unix.PROT_WRITE, populate)
	if err != nil {
		return guardedMapping{}, err
	}
	if err := unix.Mprotect(memSlice(m.base, int(pg)), unix.PROT_NONE); err != nil {
		unmapPages(m)
		return guardedMapping{}, errors.Wrap(err, "could not protect the lower guard page")
	}
	if err := unix.Mprotect(memSlice(m.base+pg+size, int(pg)), unix.PROT_NONE); err != nil {
		unmapPages(m)
		return guardedMapping{}, errors.Wrap(err, "could not protect the upper guard page")
	}
	return guardedMapping{mapping: m, userBase: m.base + pg, userSize: size}, nil
}

// unmapPages releases a mapping.
func unmapPages(m mapping) {
	if m.base == 0 {
		return
	}
	_ = unix.MunmapPtr(unsafe.Pointer(m.base), m.length)
}

// protectPages changes the protection of len bytes at addr. addr and len
// must be page granular.
func protectPages(addr uintptr, length uintptr, prot int) error {
	return unix.Mprotect(memSlice(addr, int(length)), prot)
}

// adviseWillNeed asks the kernel to fault the range in ahead of use.
func adviseWillNeed(addr uintptr, length uintptr) {
	_ = unix.Madvise(memSlice(addr, int(length)), unix.MADV_WILLNEED)
}

// adviseDontNeed releases the physical pages backing the range; the virtual
// range stays reserved and reads as zero afterwards.
func adviseDontNeed(addr uintptr, length uintptr) {
	_ = unix.Madvise(memSlice(addr, int(length)), unix.MADV_DONTNEED)
}

// lockPages pins the range into memory. Used for the hot lookup tables. A
// failure is tolerated; pinning is an optimisation, not a contract.
func lockPages(addr uintptr, length uintptr) {
	_ = unix.Mlock(memSlice(addr, int(length)))
}

// pageSize returns the system page size.
func pageSize() int {
	return unix.Getpagesize()
}

// currentThreadID returns the OS thread id of the calling thread.
func currentThreadID() int {
	return unix.Gettid()
}
