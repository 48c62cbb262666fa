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

// Package regs describes vCPU register snapshots of x86 guests.
//
// The layout of a snapshot depends on two things: the guest's addressing
// width and the register layout used by the introspecting tool, which is the
// tool's own architecture. Each supported combination is a concrete type
// implementing Snapshot; the combination of a 64-bit guest with a 32-bit
// tool cannot be represented and is rejected as a configuration error.
package regs

import (
	"fmt"
	"runtime"
	"strings"

	"gvisor.dev/guestwalk/pkg/guestarch"
)

// Arch is the register layout of the introspecting tool.
type Arch int

const (
	// I386 is the 32-bit x86 layout.
	I386 Arch = iota + 1

	// AMD64 is the x86-64 layout.
	AMD64
)

// String implements fmt.Stringer.
func (a Arch) String() string {
	switch a {
	case I386:
		return "i386"
	case AMD64:
		return "amd64"
	default:
		return fmt.Sprintf("Arch(%d)", int(a))
	}
}

// ArchFromString parses a layout name.
func ArchFromString(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "i386", "386", "x86_32":
		return I386, nil
	case "amd64", "x86_64":
		return AMD64, nil
	default:
		return 0, &guestarch.ConfigurationError{Reason: fmt.Sprintf("unknown register layout %q", s)}
	}
}

// HostArch returns the layout matching the running binary.
func HostArch() (Arch, error) {
	return ArchFromString(runtime.GOARCH)
}

// Variant is one {width x layout} combination.
type Variant struct {
	Width guestarch.Width
	Arch  Arch
}

// String implements fmt.Stringer.
func (v Variant) String() string {
	return fmt.Sprintf("%v guest/%v layout", v.Width, v.Arch)
}

// Validate returns a configuration error unless v has a Snapshot type.
func (v Variant) Validate() error {
	switch {
	case !v.Width.Valid():
		return &guestarch.ConfigurationError{Reason: fmt.Sprintf("no register layout for %v", v.Width)}
	case v.Arch != I386 && v.Arch != AMD64:
		return &guestarch.ConfigurationError{Reason: fmt.Sprintf("no register layout for %v", v.Arch)}
	case v.Width == guestarch.Wide && v.Arch == I386:
		return &guestarch.ConfigurationError{Reason: "a 64-bit guest cannot be introspected with the i386 layout"}
	}
	return nil
}

// Regs32 is the 32-bit user register file plus the page table base.
type Regs32 struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI           uint32
	EBP, ESP, EIP      uint32
	EFLAGS             uint32
	CR3                uint32
}

// Regs64 is the 64-bit user register file plus the page table base.
type Regs64 struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI           uint64
	RBP, RSP, RIP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RFLAGS             uint64
	CR3                uint64
}

// Snapshot is a register snapshot of one vCPU.
//
// The set of implementations is closed: Narrow32, Narrow64 and Wide64.
type Snapshot interface {
	// Variant returns the combination this snapshot was taken for.
	Variant() Variant

	// InstructionPointer returns EIP or RIP.
	InstructionPointer() guestarch.Word

	// FramePointer returns EBP or RBP.
	FramePointer() guestarch.Word

	// StackPointer returns ESP or RSP.
	StackPointer() guestarch.Word

	// RootTableBase returns the physical address of the top-level page
	// table, decoded from CR3.
	RootTableBase() uint64

	isSnapshot()
}

var (
	_ Snapshot = (*Narrow32)(nil)
	_ Snapshot = (*Narrow64)(nil)
	_ Snapshot = (*Wide64)(nil)
)

// narrowRootTableBase decodes a 32-bit guest CR3 the way Xen's extended CR3
// conversion does. The bits rotated in from the top land above bit 31 and
// are dropped, so only the page-aligned low 32 bits survive: flag and PCD/PWT
// bits in the low 12 bits are cleared and no PFN bits beyond 32 are
// recovered.
func narrowRootTableBase(cr3 uint32) uint64 {
	pfn := cr3>>12 | cr3<<20
	return uint64(pfn << guestarch.PageShift)
}

// Narrow32 is a 32-bit guest read with the i386 layout.
type Narrow32 struct {
	Regs32
}

// Variant implements Snapshot.Variant.
func (*Narrow32) Variant() Variant { return Variant{Width: guestarch.Narrow, Arch: I386} }

// InstructionPointer implements Snapshot.InstructionPointer.
func (s *Narrow32) InstructionPointer() guestarch.Word { return guestarch.Word(s.EIP) }

// FramePointer implements Snapshot.FramePointer.
func (s *Narrow32) FramePointer() guestarch.Word { return guestarch.Word(s.EBP) }

// StackPointer implements Snapshot.StackPointer.
func (s *Narrow32) StackPointer() guestarch.Word { return guestarch.Word(s.ESP) }

// RootTableBase implements Snapshot.RootTableBase.
func (s *Narrow32) RootTableBase() uint64 { return narrowRootTableBase(s.CR3) }

func (*Narrow32) isSnapshot() {}

// Narrow64 is a 32-bit guest read with the amd64 layout.
type Narrow64 struct {
	Regs64
}

// Variant implements Snapshot.Variant.
func (*Narrow64) Variant() Variant { return Variant{Width: guestarch.Narrow, Arch: AMD64} }

// InstructionPointer implements Snapshot.InstructionPointer.
func (s *Narrow64) InstructionPointer() guestarch.Word { return guestarch.Word(s.RIP) }

// FramePointer implements Snapshot.FramePointer.
func (s *Narrow64) FramePointer() guestarch.Word { return guestarch.Word(s.RBP) }

// StackPointer implements Snapshot.StackPointer.
func (s *Narrow64) StackPointer() guestarch.Word { return guestarch.Word(s.RSP) }

// RootTableBase implements Snapshot.RootTableBase.
func (s *Narrow64) RootTableBase() uint64 { return narrowRootTableBase(uint32(s.CR3)) }

func (*Narrow64) isSnapshot() {}

// Wide64 is a 64-bit guest read with the amd64 layout.
type Wide64 struct {
	Regs64
}

// Variant implements Snapshot.Variant.
func (*Wide64) Variant() Variant { return Variant{Width: guestarch.Wide, Arch: AMD64} }

// InstructionPointer implements Snapshot.InstructionPointer.
func (s *Wide64) InstructionPointer() guestarch.Word { return guestarch.Word(s.RIP) }

// FramePointer implements Snapshot.FramePointer.
func (s *Wide64) FramePointer() guestarch.Word { return guestarch.Word(s.RBP) }

// StackPointer implements Snapshot.StackPointer.
func (s *Wide64) StackPointer() guestarch.Word { return guestarch.Word(s.RSP) }

// RootTableBase implements Snapshot.RootTableBase.
func (s *Wide64) RootTableBase() uint64 { return (s.CR3 >> guestarch.PageShift) << guestarch.PageShift }

func (*Wide64) isSnapshot() {}

// Words holds the registers needed to build a snapshot of any variant.
type Words struct {
	IP, SP, FP uint64
	CR3        uint64
}

// New builds a snapshot of variant v. For narrow guests only the low 32 bits
// of each word are kept.
func New(v Variant, w Words) (Snapshot, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	switch {
	case v.Arch == I386:
		return &Narrow32{Regs32{
			EIP: uint32(w.IP),
			ESP: uint32(w.SP),
			EBP: uint32(w.FP),
			CR3: uint32(w.CR3),
		}}, nil
	case v.Width == guestarch.Narrow:
		return &Narrow64{Regs64{
			RIP: uint64(uint32(w.IP)),
			RSP: uint64(uint32(w.SP)),
			RBP: uint64(uint32(w.FP)),
			CR3: uint64(uint32(w.CR3)),
		}}, nil
	default:
		return &Wide64{Regs64{RIP: w.IP, RSP: w.SP, RBP: w.FP, CR3: w.CR3}}, nil
	}
}

// check verifies that s was taken for variant v.
func check(s Snapshot, v Variant) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if got := s.Variant(); got != v {
		return &guestarch.ConfigurationError{Reason: fmt.Sprintf("snapshot is %v, want %v", got, v)}
	}
	return nil
}

// InstructionPointer returns the instruction pointer of s, which must have
// been taken for variant v.
func InstructionPointer(s Snapshot, v Variant) (guestarch.Word, error) {
	if err := check(s, v); err != nil {
		return 0, err
	}
	return s.InstructionPointer(), nil
}

// FramePointer returns the frame pointer of s, which must have been taken
// for variant v.
func FramePointer(s Snapshot, v Variant) (guestarch.Word, error) {
	if err := check(s, v); err != nil {
		return 0, err
	}
	return s.FramePointer(), nil
}
