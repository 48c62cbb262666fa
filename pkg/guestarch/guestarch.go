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

// Package guestarch describes the x86 guest geometry seen by an
// out-of-guest introspection tool: guest and vCPU identifiers, addressing
// width, guest addresses and machine frame numbers.
package guestarch

import (
	"fmt"
)

// GuestID identifies a guest known to the hypervisor.
type GuestID uint32

// VCPUID identifies one virtual CPU of a guest.
type VCPUID uint32

// Addr is a guest virtual address.
type Addr uint64

// MFN is a machine frame number: a physical page index in the host, which
// is the unit accepted by the foreign mapping primitive.
type MFN uint64

// Word is a guest machine word, wide enough for both guest widths.
type Word uint64

const (
	// PageShift is the binary log of the guest page size.
	PageShift = 12

	// PageSize is the size of a guest page.
	PageSize = 1 << PageShift
)

// PageOffset returns the offset of v within its page.
func (v Addr) PageOffset() uint64 {
	return uint64(v) & (PageSize - 1)
}

// RoundDown returns v rounded down to the start of its page.
func (v Addr) RoundDown() Addr {
	return v &^ (PageSize - 1)
}

// String implements fmt.Stringer.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// Addr returns the physical byte address of the start of frame f.
func (f MFN) Addr() uint64 {
	return uint64(f) << PageShift
}

// String implements fmt.Stringer.
func (f MFN) String() string {
	return fmt.Sprintf("mfn %#x", uint64(f))
}

// AddrToMFN returns the frame containing the physical address phys.
func AddrToMFN(phys uint64) MFN {
	return MFN(phys >> PageShift)
}

// Width is the guest addressing width, in bytes.
type Width int

const (
	// Narrow is a 32-bit (PAE) guest.
	Narrow Width = 4

	// Wide is a 64-bit guest.
	Wide Width = 8
)

// WidthFromBytes validates a width reported by the hypervisor.
func WidthFromBytes(n int) (Width, error) {
	switch w := Width(n); w {
	case Narrow, Wide:
		return w, nil
	default:
		return 0, &ConfigurationError{Reason: fmt.Sprintf("unsupported guest address width of %d bytes", n)}
	}
}

// Valid returns true iff w is Narrow or Wide.
func (w Width) Valid() bool {
	return w == Narrow || w == Wide
}

// Bytes returns the size of a guest word.
func (w Width) Bytes() int {
	return int(w)
}

// Levels returns the number of page table levels walked for w.
//
// Precondition: w.Valid().
func (w Width) Levels() int {
	switch w {
	case Wide:
		return 4
	case Narrow:
		return 3
	default:
		panic(fmt.Sprintf("no page table geometry for %v", w))
	}
}

// Clamp returns the mask of architecturally significant address bits.
//
// Precondition: w.Valid().
func (w Width) Clamp() uint64 {
	switch w {
	case Wide:
		return (1 << 48) - 1
	case Narrow:
		return (1 << 32) - 1
	default:
		panic(fmt.Sprintf("no address clamp for %v", w))
	}
}

// String implements fmt.Stringer.
func (w Width) String() string {
	switch w {
	case Narrow:
		return "32-bit"
	case Wide:
		return "64-bit"
	default:
		return fmt.Sprintf("Width(%d)", int(w))
	}
}
