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

// Package hvtest provides an in-memory hypervisor for tests.
//
// It implements the control, vCPU and foreign mapping capabilities consumed
// by the introspection packages, records every map and unmap, and can be
// told to fail specific operations.
package hvtest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"gvisor.dev/guestwalk/pkg/guestarch"
	"gvisor.dev/guestwalk/pkg/regs"
)

// ErrInjected is returned by operations failed on purpose.
var ErrInjected = errors.New("injected failure")

// Op is a recorded hypervisor operation.
type Op int

const (
	// OpMap is a MapFrame call, successful or not.
	OpMap Op = iota

	// OpUnmap is a successful UnmapFrame call.
	OpUnmap
)

// String implements fmt.Stringer.
func (o Op) String() string {
	switch o {
	case OpMap:
		return "map"
	case OpUnmap:
		return "unmap"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Event is one recorded map or unmap.
type Event struct {
	Op    Op
	Guest guestarch.GuestID
	Frame guestarch.MFN
}

// Stats summarizes mapping activity.
type Stats struct {
	// Maps counts MapFrame calls, including failed ones.
	Maps int

	// Unmaps counts successful UnmapFrame calls.
	Unmaps int

	// Live is the number of frames currently mapped.
	Live int

	// MaxLive is the largest value Live has had.
	MaxLive int
}

type page [guestarch.PageSize]byte

type frameKey struct {
	guest guestarch.GuestID
	frame guestarch.MFN
}

type liveMapping struct {
	frameKey
	buf []byte
}

// Guest is the state of one fake guest.
type Guest struct {
	h  *Hypervisor
	id guestarch.GuestID

	// Fields below are protected by h.mu.
	width       int
	widthErr    error
	snapshotErr error
	frames      map[guestarch.MFN]*page
	vcpus       map[guestarch.VCPUID]regs.Snapshot
}

// Hypervisor is an in-memory hypervisor.
type Hypervisor struct {
	mu sync.Mutex

	guests map[guestarch.GuestID]*Guest
	live   map[*byte]liveMapping
	events []Event
	stats  Stats

	// failMapAt fails the n-th MapFrame call (1-based); zero never fails.
	failMapAt  int
	failFrames map[frameKey]error
}

// New returns an empty hypervisor.
func New() *Hypervisor {
	return &Hypervisor{
		guests:     make(map[guestarch.GuestID]*Guest),
		live:       make(map[*byte]liveMapping),
		failFrames: make(map[frameKey]error),
	}
}

// AddGuest creates a guest reporting the given address width in bytes. Any
// value may be used, including ones a real hypervisor would never report.
func (h *Hypervisor) AddGuest(id guestarch.GuestID, widthBytes int) *Guest {
	h.mu.Lock()
	defer h.mu.Unlock()
	g := &Guest{
		h:      h,
		id:     id,
		width:  widthBytes,
		frames: make(map[guestarch.MFN]*page),
		vcpus:  make(map[guestarch.VCPUID]regs.Snapshot),
	}
	h.guests[id] = g
	return g
}

// FailMapAt makes the n-th MapFrame call from now on fail.
func (h *Hypervisor) FailMapAt(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failMapAt = h.stats.Maps + n
}

// FailFrame makes every mapping of frame in guest fail with err.
func (h *Hypervisor) FailFrame(guest guestarch.GuestID, frame guestarch.MFN, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failFrames[frameKey{guest, frame}] = err
}

// Stats returns the mapping counters.
func (h *Hypervisor) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Events returns the recorded operations in order.
func (h *Hypervisor) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

// ResetStats clears counters and recorded events. Live mappings are kept.
func (h *Hypervisor) ResetStats() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = nil
	h.stats = Stats{Live: len(h.live), MaxLive: len(h.live)}
	h.failMapAt = 0
}

// AddressWidth implements guest.Control.AddressWidth.
func (h *Hypervisor) AddressWidth(id guestarch.GuestID) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.guests[id]
	if !ok {
		return 0, fmt.Errorf("no such guest %d", id)
	}
	if g.widthErr != nil {
		return 0, g.widthErr
	}
	return g.width, nil
}

// RegisterSnapshot implements guest.VCPUSource.RegisterSnapshot.
func (h *Hypervisor) RegisterSnapshot(id guestarch.GuestID, vcpu guestarch.VCPUID) (regs.Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.guests[id]
	if !ok {
		return nil, fmt.Errorf("no such guest %d", id)
	}
	if g.snapshotErr != nil {
		return nil, g.snapshotErr
	}
	s, ok := g.vcpus[vcpu]
	if !ok {
		return nil, fmt.Errorf("guest %d has no vcpu %d", id, vcpu)
	}
	return s, nil
}

// MapFrame implements foreignmem.Mapper.MapFrame. Only frames that have
// been written to exist. The returned page is a copy.
func (h *Hypervisor) MapFrame(id guestarch.GuestID, frame guestarch.MFN) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.Maps++
	h.events = append(h.events, Event{Op: OpMap, Guest: id, Frame: frame})

	if h.failMapAt != 0 && h.stats.Maps == h.failMapAt {
		return nil, ErrInjected
	}
	if err, ok := h.failFrames[frameKey{id, frame}]; ok {
		return nil, err
	}
	g, ok := h.guests[id]
	if !ok {
		return nil, fmt.Errorf("no such guest %d", id)
	}
	p, ok := g.frames[frame]
	if !ok {
		return nil, fmt.Errorf("guest %d has no %v", id, frame)
	}

	buf := make([]byte, guestarch.PageSize)
	copy(buf, p[:])
	h.live[&buf[0]] = liveMapping{frameKey: frameKey{id, frame}, buf: buf}
	h.stats.Live++
	if h.stats.Live > h.stats.MaxLive {
		h.stats.MaxLive = h.stats.Live
	}
	return buf, nil
}

// UnmapFrame implements foreignmem.Mapper.UnmapFrame.
func (h *Hypervisor) UnmapFrame(b []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(b) == 0 {
		return fmt.Errorf("unmap of empty slice")
	}
	m, ok := h.live[&b[0]]
	if !ok {
		return fmt.Errorf("unmap of a slice that is not mapped")
	}
	delete(h.live, &b[0])
	h.stats.Live--
	h.stats.Unmaps++
	h.events = append(h.events, Event{Op: OpUnmap, Guest: m.guest, Frame: m.frame})
	return nil
}

// ID returns the guest's identifier.
func (g *Guest) ID() guestarch.GuestID {
	return g.id
}

// FailWidth makes address width queries fail with err.
func (g *Guest) FailWidth(err error) {
	g.h.mu.Lock()
	defer g.h.mu.Unlock()
	g.widthErr = err
}

// FailSnapshots makes register snapshot queries fail with err.
func (g *Guest) FailSnapshots(err error) {
	g.h.mu.Lock()
	defer g.h.mu.Unlock()
	g.snapshotErr = err
}

// SetVCPU installs the register snapshot of a vCPU.
func (g *Guest) SetVCPU(vcpu guestarch.VCPUID, s regs.Snapshot) {
	g.h.mu.Lock()
	defer g.h.mu.Unlock()
	g.vcpus[vcpu] = s
}

// frameLocked returns frame, creating a zeroed page if needed.
//
// Preconditions: g.h.mu is locked.
func (g *Guest) frameLocked(frame guestarch.MFN) *page {
	p, ok := g.frames[frame]
	if !ok {
		p = new(page)
		g.frames[frame] = p
	}
	return p
}

// Populate makes frame exist, zero-filled if it did not exist yet.
func (g *Guest) Populate(frame guestarch.MFN) {
	g.h.mu.Lock()
	defer g.h.mu.Unlock()
	g.frameLocked(frame)
}

// WritePhys copies b to guest physical memory at phys, populating frames as
// needed.
func (g *Guest) WritePhys(phys uint64, b []byte) {
	g.h.mu.Lock()
	defer g.h.mu.Unlock()
	for len(b) > 0 {
		p := g.frameLocked(guestarch.AddrToMFN(phys))
		n := copy(p[phys&(guestarch.PageSize-1):], b)
		b = b[n:]
		phys += uint64(n)
	}
}

// WriteUint64 stores a little-endian value at offset within frame.
func (g *Guest) WriteUint64(frame guestarch.MFN, offset uint64, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	g.WritePhys(frame.Addr()+offset, b[:])
}

// ReadUint64 loads the little-endian value at offset within frame. Missing
// frames read as zero.
func (g *Guest) ReadUint64(frame guestarch.MFN, offset uint64) uint64 {
	g.h.mu.Lock()
	defer g.h.mu.Unlock()
	p, ok := g.frames[frame]
	if !ok {
		return 0
	}
	return binary.LittleEndian.Uint64(p[offset:])
}
