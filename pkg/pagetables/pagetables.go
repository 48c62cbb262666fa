// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pagetables walks x86 guest page tables in software.
//
// The tables are guest memory and are only reachable through one-frame
// foreign mappings, so the walker reads exactly one 8-byte entry per level
// through a FrameReader. PAE (32-bit) guests use three levels and 64-bit
// guests four; in both cases entries are 8 bytes wide. Legacy 4-byte entries
// are not supported.
package pagetables

import (
	"fmt"

	"gvisor.dev/guestwalk/pkg/guestarch"
)

// Geometry of one table level.
const (
	// EntrySize is the size of a page table entry for every supported mode.
	EntrySize = 8

	// indexBits is the number of virtual address bits selecting an entry.
	indexBits = 9

	// EntriesPerTable is the number of entries in one table page.
	EntriesPerTable = 1 << indexBits

	// indexMask selects the lowest-level index once shifted by PageShift.
	indexMask = EntriesPerTable - 1
)

// Bits in page table entries.
const (
	present        = 0x001
	writable       = 0x002
	user           = 0x004
	accessed       = 0x020
	dirty          = 0x040
	super          = 0x080
	global         = 0x100
	executeDisable = 1 << 63

	// addressMask retains bits 12 through 51: the physical base of the
	// next table or of the leaf frame.
	addressMask = 0x000ffffffffff000
)

// PTE is a raw 8-byte page table entry as read from guest memory.
type PTE uint64

// Address returns the physical base address stored in the entry.
func (p PTE) Address() uint64 {
	return uint64(p) & addressMask
}

// Present returns true iff the present bit is set.
func (p PTE) Present() bool {
	return p&present != 0
}

// Writable returns true iff the entry permits writes.
func (p PTE) Writable() bool {
	return p&writable != 0
}

// User returns true iff the entry is accessible from user mode.
func (p PTE) User() bool {
	return p&user != 0
}

// Super returns true iff the entry maps a large page.
func (p PTE) Super() bool {
	return p&super != 0
}

// Executable returns true iff the execute-disable bit is clear.
func (p PTE) Executable() bool {
	return p&executeDisable == 0
}

// String implements fmt.Stringer.
func (p PTE) String() string {
	flags := []byte("-------")
	for i, f := range []struct {
		bit PTE
		c   byte
	}{{present, 'p'}, {writable, 'w'}, {user, 'u'}, {accessed, 'a'}, {dirty, 'd'}, {super, 's'}, {global, 'g'}} {
		if p&f.bit != 0 {
			flags[i] = f.c
		}
	}
	if !p.Executable() {
		flags = append(flags, 'x')
	}
	return fmt.Sprintf("%#016x[%s]", uint64(p), flags)
}

// FrameReader reads entries out of guest frames.
//
// Each call must map the frame, read the entry and release the mapping
// before returning.
type FrameReader interface {
	// ReadEntry returns the 8 bytes at offset within frame.
	ReadEntry(frame guestarch.MFN, offset uint64) (uint64, error)
}

// Step records one level of a walk.
type Step struct {
	// Level counts down from the top-level table (Levels()) to 1.
	Level int

	// Frame is the table frame that was read.
	Frame guestarch.MFN

	// Index is the entry selected by the virtual address.
	Index uint64

	// Offset is Index*EntrySize.
	Offset uint64

	// Entry is the raw entry read.
	Entry PTE
}

// Next returns the physical base the entry points to.
func (s Step) Next() uint64 {
	return s.Entry.Address()
}

// String implements fmt.Stringer.
func (s Step) String() string {
	return fmt.Sprintf("level %d: %v index %d (offset %#x) entry %v -> %#x", s.Level, s.Frame, s.Index, s.Offset, s.Entry, s.Next())
}
