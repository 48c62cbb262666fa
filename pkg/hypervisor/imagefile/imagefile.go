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

// Package imagefile is a hypervisor backed by captured guest memory.
//
// Each guest is a memory image file plus a manifest entry giving its address
// size, which image ranges hold which machine frames, and the registers of
// its vCPUs at capture time. Frames are mapped straight out of the image
// with read-only mmap, one page per mapping, so the introspection code sees
// the same one-frame mappings it would get from a live hypervisor.
//
// Images are share-locked while open so that tools rewriting them in place
// (under an exclusive lock) cannot race with a running analysis.
package imagefile

import (
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"github.com/mohae/deepcopy"
	"golang.org/x/sys/unix"
	"gvisor.dev/guestwalk/pkg/cleanup"
	"gvisor.dev/guestwalk/pkg/guestarch"
	"gvisor.dev/guestwalk/pkg/log"
	"gvisor.dev/guestwalk/pkg/regs"
)

// guestImage is an opened guest.
type guestImage struct {
	spec    *GuestSpec
	file    *os.File
	lock    *flock.Flock
	regions *regionSet

	// Exactly one of snapshots[id] and snapshotErrs[id] is set for every
	// vCPU in spec.
	snapshots    map[guestarch.VCPUID]regs.Snapshot
	snapshotErrs map[guestarch.VCPUID]error
}

// Hypervisor serves the guests of a manifest. It is safe for concurrent
// use.
type Hypervisor struct {
	// manifest and guests are immutable after New.
	manifest *Manifest
	guests   map[guestarch.GuestID]*guestImage

	// mu protects closed. It is held for reading while an image file is
	// in use.
	mu     sync.RWMutex
	closed bool

	liveMu sync.Mutex
	live   map[*byte][]byte
}

// Open loads the manifest at path and opens every image it names.
func Open(path string) (*Hypervisor, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	return New(m)
}

// New opens the images of m. m is copied and may be modified afterwards.
func New(m *Manifest) (*Hypervisor, error) {
	h := &Hypervisor{
		manifest: deepcopy.Copy(m).(*Manifest),
		guests:   make(map[guestarch.GuestID]*guestImage),
		live:     make(map[*byte][]byte),
	}
	if err := h.manifest.Validate(); err != nil {
		return nil, err
	}

	cu := cleanup.Make(func() { h.closeImages() })
	defer cu.Clean()
	for i := range h.manifest.Guests {
		spec := &h.manifest.Guests[i]
		g, err := openGuest(spec)
		if err != nil {
			return nil, fmt.Errorf("guest %d: %w", spec.ID, err)
		}
		h.guests[spec.ID] = g
	}
	cu.Release()

	log.Infof("Opened %d guest images", len(h.guests))
	return h, nil
}

func openGuest(spec *GuestSpec) (*guestImage, error) {
	// Open first: locking a missing path would create it.
	f, err := os.Open(spec.Image)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { f.Close() })
	defer cu.Clean()

	l := flock.New(spec.Image)
	ok, err := l.TryRLock()
	if err != nil {
		return nil, fmt.Errorf("locking image %q: %w", spec.Image, err)
	}
	if !ok {
		return nil, fmt.Errorf("image %q is locked by another process", spec.Image)
	}
	cu.Add(func() { l.Unlock() })

	regions := newRegionSet()
	for _, r := range spec.Regions {
		start := guestarch.MFN(r.Frame)
		if err := regions.add(region{start: start, end: start + guestarch.MFN(r.Count), offset: r.Offset}); err != nil {
			return nil, err
		}
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if need := regions.extent(); need > fi.Size() {
		return nil, fmt.Errorf("image %q has %d bytes, regions need %d", spec.Image, fi.Size(), need)
	}

	g := &guestImage{
		spec:         spec,
		file:         f,
		lock:         l,
		regions:      regions,
		snapshots:    make(map[guestarch.VCPUID]regs.Snapshot),
		snapshotErrs: make(map[guestarch.VCPUID]error),
	}
	for i := range spec.VCPUs {
		v := &spec.VCPUs[i]
		s, err := snapshotOf(guestarch.Width(spec.AddressSize), v)
		if err != nil {
			// Reported when the snapshot is requested.
			g.snapshotErrs[v.ID] = err
			continue
		}
		g.snapshots[v.ID] = s
	}
	cu.Release()

	log.Debugf("Guest %d (%s): %d regions, %d vcpus from %q", spec.ID, spec.Name, regions.len(), len(spec.VCPUs), spec.Image)
	return g, nil
}

func snapshotOf(w guestarch.Width, v *VCPUSpec) (regs.Snapshot, error) {
	arch, err := v.Arch()
	if err != nil {
		return nil, err
	}
	return regs.New(regs.Variant{Width: w, Arch: arch}, regs.Words{IP: v.IP, SP: v.SP, FP: v.FP, CR3: v.CR3})
}

// Manifest returns a copy of the manifest being served.
func (h *Hypervisor) Manifest() *Manifest {
	return deepcopy.Copy(h.manifest).(*Manifest)
}

func (h *Hypervisor) guest(id guestarch.GuestID) (*guestImage, error) {
	g, ok := h.guests[id]
	if !ok {
		return nil, fmt.Errorf("no guest %d in manifest", id)
	}
	return g, nil
}

// AddressWidth implements guest.Control.AddressWidth. The manifest value is
// returned unchecked.
func (h *Hypervisor) AddressWidth(id guestarch.GuestID) (int, error) {
	g, err := h.guest(id)
	if err != nil {
		return 0, err
	}
	return g.spec.AddressSize, nil
}

// RegisterSnapshot implements guest.VCPUSource.RegisterSnapshot. Each call
// returns a new copy.
func (h *Hypervisor) RegisterSnapshot(id guestarch.GuestID, vcpu guestarch.VCPUID) (regs.Snapshot, error) {
	g, err := h.guest(id)
	if err != nil {
		return nil, err
	}
	if err, ok := g.snapshotErrs[vcpu]; ok {
		return nil, err
	}
	s, ok := g.snapshots[vcpu]
	if !ok {
		return nil, fmt.Errorf("guest %d has no vcpu %d", id, vcpu)
	}
	return deepcopy.Copy(s).(regs.Snapshot), nil
}

// MapFrame implements foreignmem.Mapper.MapFrame.
func (h *Hypervisor) MapFrame(id guestarch.GuestID, frame guestarch.MFN) ([]byte, error) {
	g, err := h.guest(id)
	if err != nil {
		return nil, err
	}
	off, ok := g.regions.lookup(frame)
	if !ok {
		return nil, fmt.Errorf("%v is not in the image of guest %d", frame, id)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, fmt.Errorf("hypervisor is closed")
	}
	b, err := unix.Mmap(int(g.file.Fd()), off, guestarch.PageSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap of %q at %#x: %w", g.spec.Image, off, err)
	}

	h.liveMu.Lock()
	h.live[&b[0]] = b
	h.liveMu.Unlock()
	return b, nil
}

// UnmapFrame implements foreignmem.Mapper.UnmapFrame.
func (h *Hypervisor) UnmapFrame(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("unmap of an empty slice")
	}
	h.liveMu.Lock()
	orig, ok := h.live[&b[0]]
	delete(h.live, &b[0])
	h.liveMu.Unlock()
	if !ok {
		return fmt.Errorf("unmap of a slice that is not mapped")
	}
	return unix.Munmap(orig)
}

// Close closes every image. Frames still mapped stay readable until they
// are unmapped, so a foreignmem.Mapping obtained before Close remains valid
// until its Release.
func (h *Hypervisor) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	h.liveMu.Lock()
	if n := len(h.live); n > 0 {
		log.Warningf("Closing with %d frames still mapped", n)
	}
	h.liveMu.Unlock()

	return h.closeImages()
}

func (h *Hypervisor) closeImages() error {
	var firstErr error
	for _, g := range h.guests {
		if err := g.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := g.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
