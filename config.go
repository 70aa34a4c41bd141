// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package isoheap

import "go.uber.org/zap"

// defaultZoneSizes chunk sizes the root pre-creates one internal zone for.
var defaultZoneSizes = []uint32{16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192}

// Config configures a heap. The zero value of every field selects the
// default behavior; use NewConfig for a ready to use instance.
type Config struct {
	// SanitizeOnFree poisons the chunk body with POISON_BYTE when a chunk
	// is freed.
	SanitizeOnFree bool

	// NeverReuseZones leaves a retired zone mapped PROT_NONE instead of
	// unmapping it, so its address range is never handed out again.
	NeverReuseZones bool

	// Prepopulate maps zone user regions with MAP_POPULATE.
	Prepopulate bool

	// AbortOnNull turns every would-be nil return from an allocation into
	// an abort.
	AbortOnNull bool

	// NoZeroAllocations makes zero byte requests return a shared PROT_NONE
	// sentinel page instead of a real chunk.
	NoZeroAllocations bool

	// DefaultZoneSizes overrides the chunk sizes the root pre-creates
	// internal zones for. Nil selects the built in list.
	DefaultZoneSizes []uint32

	// Logger receives the teardown audit summary, retirement events and
	// the diagnostic line that accompanies every abort. Nil selects a nop
	// logger. Secrets are never logged.
	Logger *zap.Logger
}

// NewConfig returns a Config with the default settings.
func NewConfig() *Config {
	return &Config{
		DefaultZoneSizes: defaultZoneSizes,
	}
}

// logger returns the configured logger or a nop logger.
func (c *Config) logger() *zap.Logger {
	if c == nil || c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// zoneSizes returns the default zone size list.
func (c *Config) zoneSizes() []uint32 {
	if c == nil || len(c.DefaultZoneSizes) == 0 {
		return defaultZoneSizes
	}
	return c.DefaultZoneSizes
}
