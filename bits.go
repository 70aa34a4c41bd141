// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package isoheap

import (
	"encoding/binary"
	"math/bits"
	"unsafe"
)

// roundUpPow2 rounds n up to the next power of two. n must be non zero.
func roundUpPow2(n uint64) uint64 {
	if n&(n-1) == 0 {
		return n
	}
	return 1 << uint(64-bits.LeadingZeros64(n))
}

// isPow2 reports whether n is a power of two.
func isPow2(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// alignUp rounds n up to a multiple of align. align must be a power of two.
func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// alignDown rounds n down to a multiple of align. align must be a power of two.
func alignDown(n, align uintptr) uintptr {
	return n &^ (align - 1)
}

// getBit returns bit n of word.
func getBit(word uint64, n uint) uint64 {
	return (word >> n) & 1
}

// setBit returns word with bit n set.
func setBit(word uint64, n uint) uint64 {
	return word | (1 << n)
}

// unsetBit returns word with bit n cleared.
func unsetBit(word uint64, n uint) uint64 {
	return word &^ (1 << n)
}

// bswap64 reverses the byte order of v.
func bswap64(v uint64) uint64 {
	return bits.ReverseBytes64(v)
}

// memSlice views n bytes of raw memory at addr as a byte slice. The memory
// must stay mapped for the lifetime of the slice.
func memSlice(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// load64 reads the 8 bytes at addr.
func load64(addr uintptr) uint64 {
	return binary.LittleEndian.Uint64(memSlice(addr, 8))
}

// store64 writes v over the 8 bytes at addr.
func store64(addr uintptr, v uint64) {
	binary.LittleEndian.PutUint64(memSlice(addr, 8), v)
}

// memset fills n bytes at addr with c.
func memset(addr uintptr, c byte, n int) {
	b := memSlice(addr, n)
	for i := range b {
		b[i] = c
	}
}
