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

// Package guest locates the machine frames behind guest virtual addresses.
//
// A lookup combines three hypervisor capabilities: the control plane reports
// the guest's addressing width, the vCPU source provides a register snapshot
// whose CR3 gives the top-level page table, and the foreign mapper exposes
// the tables themselves to the software walker in package pagetables.
//
// Nothing is cached. Every lookup reflects the guest state at the time of
// the call, and tables the guest modifies concurrently may yield stale
// results.
package guest

import (
	"errors"
	"fmt"

	"gvisor.dev/guestwalk/pkg/foreignmem"
	"gvisor.dev/guestwalk/pkg/guestarch"
	"gvisor.dev/guestwalk/pkg/log"
	"gvisor.dev/guestwalk/pkg/regs"
)

// Control is the hypervisor control plane.
type Control interface {
	// AddressWidth returns the guest's addressing width in bytes.
	AddressWidth(id guestarch.GuestID) (int, error)
}

// VCPUSource provides register snapshots.
type VCPUSource interface {
	// RegisterSnapshot returns the current registers of one vCPU.
	RegisterSnapshot(id guestarch.GuestID, vcpu guestarch.VCPUID) (regs.Snapshot, error)
}

// Hypervisor bundles every capability a Locator needs.
type Hypervisor interface {
	Control
	VCPUSource
	foreignmem.Mapper
}

// ErrSnapshotUnavailable matches every *SnapshotError via errors.Is.
var ErrSnapshotUnavailable = errors.New("register snapshot unavailable")

// SnapshotError is returned when a vCPU's registers cannot be obtained.
type SnapshotError struct {
	Guest guestarch.GuestID
	VCPU  guestarch.VCPUID
	Err   error
}

// Error implements error.Error.
func (e *SnapshotError) Error() string {
	return fmt.Sprintf("%v for guest %d vcpu %d: %v", ErrSnapshotUnavailable, e.Guest, e.VCPU, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SnapshotError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is.
func (e *SnapshotError) Is(target error) bool {
	return target == ErrSnapshotUnavailable
}

// ResolveWidth queries the addressing width of guest id. A failed query or
// a width other than 4 or 8 bytes is a configuration error.
func ResolveWidth(ctl Control, id guestarch.GuestID) (guestarch.Width, error) {
	n, err := ctl.AddressWidth(id)
	if err != nil {
		return 0, &guestarch.ConfigurationError{
			Reason: fmt.Sprintf("cannot query address width of guest %d", id),
			Err:    err,
		}
	}
	w, err := guestarch.WidthFromBytes(n)
	if err != nil {
		return 0, fmt.Errorf("guest %d: %w", id, err)
	}
	return w, nil
}

// Locator translates guest virtual addresses of a guest's vCPU context.
type Locator struct {
	Control Control
	VCPUs   VCPUSource
	Mapper  foreignmem.Mapper

	// Arch is the register layout snapshots must use. If zero, the layout
	// of each snapshot is accepted as long as it matches the guest width.
	Arch regs.Arch
}

// NewLocator returns a Locator backed entirely by h.
func NewLocator(h Hypervisor, arch regs.Arch) *Locator {
	return &Locator{Control: h, VCPUs: h, Mapper: h, Arch: arch}
}

// AddressSpace resolves the address space of vCPU v of guest g: its width,
// a fresh register snapshot and the top-level table it designates.
func (l *Locator) AddressSpace(g guestarch.GuestID, v guestarch.VCPUID) (*AddressSpace, error) {
	w, err := ResolveWidth(l.Control, g)
	if err != nil {
		return nil, err
	}
	s, err := l.VCPUs.RegisterSnapshot(g, v)
	if err != nil {
		return nil, &SnapshotError{Guest: g, VCPU: v, Err: err}
	}
	if s == nil {
		return nil, &SnapshotError{Guest: g, VCPU: v, Err: errors.New("no registers returned")}
	}

	want := regs.Variant{Width: w, Arch: l.Arch}
	if want.Arch == 0 {
		want.Arch = s.Variant().Arch
	}
	if err := want.Validate(); err != nil {
		return nil, fmt.Errorf("guest %d: %w", g, err)
	}
	if got := s.Variant(); got != want {
		return nil, &guestarch.ConfigurationError{
			Reason: fmt.Sprintf("guest %d vcpu %d: snapshot is %v, want %v", g, v, got, want),
		}
	}

	as := &AddressSpace{
		Guest:    g,
		VCPU:     v,
		Width:    w,
		Snapshot: s,
		Root:     s.RootTableBase(),
		mapper:   l.Mapper,
		reader:   foreignmem.NewScoped(l.Mapper, g),
	}
	log.Debugf("Guest %d vcpu %d: %v, root table at %#x", g, v, want, as.Root)
	return as, nil
}

// TranslateVirtualAddress returns the machine frame backing virt in the
// current context of vCPU v of guest g.
func (l *Locator) TranslateVirtualAddress(g guestarch.GuestID, v guestarch.VCPUID, virt guestarch.Addr) (guestarch.MFN, error) {
	as, err := l.AddressSpace(g, v)
	if err != nil {
		return 0, err
	}
	return as.Translate(virt)
}

// LocatePage is like TranslateVirtualAddress, and additionally maps the
// frame. The caller must release the returned mapping.
func (l *Locator) LocatePage(g guestarch.GuestID, v guestarch.VCPUID, virt guestarch.Addr) (guestarch.MFN, *foreignmem.Mapping, error) {
	as, err := l.AddressSpace(g, v)
	if err != nil {
		return 0, nil, err
	}
	return as.MapPage(virt)
}
