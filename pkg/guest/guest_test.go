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

package guest_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/guestwalk/pkg/foreignmem"
	"gvisor.dev/guestwalk/pkg/guest"
	"gvisor.dev/guestwalk/pkg/guestarch"
	"gvisor.dev/guestwalk/pkg/hypervisor/hvtest"
	"gvisor.dev/guestwalk/pkg/regs"
)

const (
	testGuest guestarch.GuestID = 1
	testVCPU  guestarch.VCPUID  = 0
)

var variants = []regs.Variant{
	{Width: guestarch.Narrow, Arch: regs.I386},
	{Width: guestarch.Narrow, Arch: regs.AMD64},
	{Width: guestarch.Wide, Arch: regs.AMD64},
}

type env struct {
	h      *hvtest.Hypervisor
	g      *hvtest.Guest
	tables *hvtest.Tables
	loc    *guest.Locator
}

func newEnv(t *testing.T, v regs.Variant) *env {
	t.Helper()
	h := hvtest.New()
	g := h.AddGuest(testGuest, v.Width.Bytes())
	tables := hvtest.NewTables(g, v.Width, 0x100, 0x1000)
	// Cache control bits in CR3 must not affect the root table.
	s, err := regs.New(v, regs.Words{IP: 0x401000, SP: 0x7ff000, FP: 0x7ff100, CR3: tables.Root() | 0x18})
	if err != nil {
		t.Fatalf("regs.New(%v) failed: %v", v, err)
	}
	g.SetVCPU(testVCPU, s)
	return &env{h: h, g: g, tables: tables, loc: guest.NewLocator(h, v.Arch)}
}

func TestResolveWidth(t *testing.T) {
	h := hvtest.New()
	for _, tc := range []struct {
		bytes   int
		want    guestarch.Width
		wantErr bool
	}{
		{bytes: 4, want: guestarch.Narrow},
		{bytes: 8, want: guestarch.Wide},
		{bytes: 0, wantErr: true},
		{bytes: 2, wantErr: true},
		{bytes: 16, wantErr: true},
		{bytes: -8, wantErr: true},
	} {
		h.AddGuest(testGuest, tc.bytes)
		got, err := guest.ResolveWidth(h, testGuest)
		if tc.wantErr {
			if !errors.Is(err, guestarch.ErrConfiguration) {
				t.Errorf("ResolveWidth with %d bytes = %v, %v, want configuration error", tc.bytes, got, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ResolveWidth with %d bytes = %v, %v, want %v", tc.bytes, got, err, tc.want)
		}
	}
}

func TestResolveWidthQueryFailure(t *testing.T) {
	h := hvtest.New()
	h.AddGuest(testGuest, 8).FailWidth(hvtest.ErrInjected)

	_, err := guest.ResolveWidth(h, testGuest)
	if !errors.Is(err, guestarch.ErrConfiguration) || !errors.Is(err, hvtest.ErrInjected) {
		t.Errorf("ResolveWidth = %v, want configuration error wrapping the query failure", err)
	}
	if _, err := guest.ResolveWidth(h, testGuest+1); !errors.Is(err, guestarch.ErrConfiguration) {
		t.Errorf("ResolveWidth of an unknown guest = %v, want configuration error", err)
	}
}

func TestTranslateVirtualAddress(t *testing.T) {
	for _, v := range variants {
		t.Run(v.String(), func(t *testing.T) {
			e := newEnv(t, v)
			e.tables.Map(0x08048000, 0x5000)
			e.tables.Map(0xbfffe000, 0x5001)

			for virt, want := range map[guestarch.Addr]guestarch.MFN{
				0x08048000: 0x5000,
				0x08048fff: 0x5000,
				0xbfffe123: 0x5001,
			} {
				got, err := e.loc.TranslateVirtualAddress(testGuest, testVCPU, virt)
				if err != nil {
					t.Fatalf("TranslateVirtualAddress(%v) failed: %v", virt, err)
				}
				if got != want {
					t.Errorf("TranslateVirtualAddress(%v) = %v, want %v", virt, got, want)
				}
			}
			if st := e.h.Stats(); st.Maps != 3*v.Width.Levels() || st.Live != 0 || st.MaxLive != 1 {
				t.Errorf("unexpected mapping activity: %+v", st)
			}
		})
	}
}

func TestAddressSpace(t *testing.T) {
	e := newEnv(t, regs.Variant{Width: guestarch.Wide, Arch: regs.AMD64})
	as, err := e.loc.AddressSpace(testGuest, testVCPU)
	if err != nil {
		t.Fatalf("AddressSpace failed: %v", err)
	}
	if as.Width != guestarch.Wide || as.Root != 0x100000 {
		t.Errorf("AddressSpace = width %v root %#x, want 64-bit root 0x100000", as.Width, as.Root)
	}
	if ip := as.Snapshot.InstructionPointer(); ip != 0x401000 {
		t.Errorf("InstructionPointer() = %#x, want 0x401000", ip)
	}
}

func TestAnyLayout(t *testing.T) {
	for _, v := range variants {
		t.Run(v.String(), func(t *testing.T) {
			e := newEnv(t, v)
			e.loc.Arch = 0
			e.tables.Map(0x1000, 0x77)
			if got, err := e.loc.TranslateVirtualAddress(testGuest, testVCPU, 0x1000); err != nil || got != 0x77 {
				t.Errorf("TranslateVirtualAddress = %v, %v, want mfn 0x77", got, err)
			}
		})
	}
}

func TestConfigurationMismatch(t *testing.T) {
	for _, tc := range []struct {
		name     string
		width    int
		snapshot regs.Variant
		arch     regs.Arch
	}{
		{
			name:     "wide guest with i386 tool",
			width:    8,
			snapshot: regs.Variant{Width: guestarch.Narrow, Arch: regs.I386},
			arch:     regs.I386,
		},
		{
			name:     "snapshot narrower than guest",
			width:    8,
			snapshot: regs.Variant{Width: guestarch.Narrow, Arch: regs.AMD64},
			arch:     regs.AMD64,
		},
		{
			name:     "snapshot wider than guest",
			width:    4,
			snapshot: regs.Variant{Width: guestarch.Wide, Arch: regs.AMD64},
			arch:     regs.AMD64,
		},
		{
			name:     "snapshot in another layout",
			width:    4,
			snapshot: regs.Variant{Width: guestarch.Narrow, Arch: regs.AMD64},
			arch:     regs.I386,
		},
		{
			name:     "unsupported width",
			width:    6,
			snapshot: regs.Variant{Width: guestarch.Wide, Arch: regs.AMD64},
			arch:     regs.AMD64,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := hvtest.New()
			g := h.AddGuest(testGuest, tc.width)
			g.Populate(0x100)
			s, err := regs.New(tc.snapshot, regs.Words{CR3: 0x100000})
			if err != nil {
				t.Fatalf("regs.New failed: %v", err)
			}
			g.SetVCPU(testVCPU, s)

			loc := guest.NewLocator(h, tc.arch)
			mfn, m, err := loc.LocatePage(testGuest, testVCPU, 0x1000)
			if !errors.Is(err, guestarch.ErrConfiguration) {
				t.Errorf("LocatePage = %v, %v, %v, want configuration error", mfn, m, err)
			}
			if m != nil {
				t.Errorf("LocatePage returned a mapping alongside an error")
			}
			if st := h.Stats(); st.Maps != 0 {
				t.Errorf("configuration error after %d mappings, want 0", st.Maps)
			}
		})
	}
}

func TestSnapshotUnavailable(t *testing.T) {
	e := newEnv(t, regs.Variant{Width: guestarch.Wide, Arch: regs.AMD64})

	_, err := e.loc.TranslateVirtualAddress(testGuest, testVCPU+1, 0x1000)
	if !errors.Is(err, guest.ErrSnapshotUnavailable) {
		t.Errorf("TranslateVirtualAddress on a missing vcpu = %v, want snapshot error", err)
	}

	e.g.FailSnapshots(hvtest.ErrInjected)
	_, err = e.loc.TranslateVirtualAddress(testGuest, testVCPU, 0x1000)
	var serr *guest.SnapshotError
	if !errors.As(err, &serr) {
		t.Fatalf("TranslateVirtualAddress = %v, want *SnapshotError", err)
	}
	want := guest.SnapshotError{Guest: testGuest, VCPU: testVCPU, Err: hvtest.ErrInjected}
	if diff := cmp.Diff(want, *serr, cmp.Comparer(func(a, b error) bool { return a == b })); diff != "" {
		t.Errorf("error mismatch (-want +got):\n%s", diff)
	}
	if errors.Is(err, guestarch.ErrConfiguration) {
		t.Errorf("snapshot failure %v reported as a configuration error", err)
	}
	if st := e.h.Stats(); st.Maps != 0 {
		t.Errorf("snapshot failure after %d mappings, want 0", st.Maps)
	}
}

func TestLocatePage(t *testing.T) {
	for _, v := range variants {
		t.Run(v.String(), func(t *testing.T) {
			e := newEnv(t, v)
			e.tables.Map(0x804a000, 0x6000)
			e.g.WritePhys(0x6000<<guestarch.PageShift+0x10, []byte("hello"))
			e.h.ResetStats()

			mfn, m, err := e.loc.LocatePage(testGuest, testVCPU, 0x804a010)
			if err != nil {
				t.Fatalf("LocatePage failed: %v", err)
			}
			if mfn != 0x6000 || m.Frame != 0x6000 || m.Guest != testGuest {
				t.Errorf("LocatePage = %v mapping %v of guest %d, want mfn 0x6000", mfn, m.Frame, m.Guest)
			}
			buf := make([]byte, 5)
			if _, err := m.ReadAt(buf, 0x10); err != nil || string(buf) != "hello" {
				t.Errorf("mapped page holds %q, %v, want \"hello\"", buf, err)
			}

			levels := v.Width.Levels()
			if st := e.h.Stats(); st.Maps != levels+1 || st.Live != 1 {
				t.Errorf("before release: %+v, want %d maps and 1 live", st, levels+1)
			}
			if err := m.Release(); err != nil {
				t.Errorf("Release failed: %v", err)
			}
			if st := e.h.Stats(); st.Unmaps != levels+1 || st.Live != 0 {
				t.Errorf("after release: %+v, want every mapping released", st)
			}
		})
	}
}

func TestLocatePageMappingFailure(t *testing.T) {
	e := newEnv(t, regs.Variant{Width: guestarch.Wide, Arch: regs.AMD64})
	e.tables.Map(0x2000, 0x6000)
	e.h.FailFrame(testGuest, 0x6000, hvtest.ErrInjected)

	mfn, m, err := e.loc.LocatePage(testGuest, testVCPU, 0x2000)
	if !errors.Is(err, foreignmem.ErrMapping) || m != nil || mfn != 0 {
		t.Errorf("LocatePage = %v, %v, %v, want mapping failure", mfn, m, err)
	}
	if st := e.h.Stats(); st.Live != 0 {
		t.Errorf("%d frames left mapped", st.Live)
	}
}

func TestReadAtCrossesPages(t *testing.T) {
	for _, v := range variants {
		t.Run(v.String(), func(t *testing.T) {
			e := newEnv(t, v)
			// Virtually contiguous, physically scattered.
			e.tables.Map(0x10000, 0x9001)
			e.tables.Map(0x11000, 0x7003)
			e.tables.Map(0x12000, 0x8002)

			want := make([]byte, 2*guestarch.PageSize)
			for i := range want {
				want[i] = byte(i * 7)
			}
			e.g.WritePhys(0x9001<<guestarch.PageShift+0x800, want[:0x800])
			e.g.WritePhys(0x7003<<guestarch.PageShift, want[0x800:0x1800])
			e.g.WritePhys(0x8002<<guestarch.PageShift, want[0x1800:])

			as, err := e.loc.AddressSpace(testGuest, testVCPU)
			if err != nil {
				t.Fatalf("AddressSpace failed: %v", err)
			}
			e.h.ResetStats()

			got := make([]byte, len(want))
			n, err := as.ReadAt(got, 0x10800)
			if err != nil || n != len(want) {
				t.Fatalf("ReadAt = %d, %v, want %d bytes", n, err, len(want))
			}
			if !bytes.Equal(got, want) {
				t.Errorf("ReadAt returned wrong contents")
			}
			levels := v.Width.Levels()
			if st := e.h.Stats(); st.Maps != 3*(levels+1) || st.Live != 0 || st.MaxLive != 1 {
				t.Errorf("unexpected mapping activity: %+v", st)
			}
		})
	}
}

func TestReadAtStopsAtHole(t *testing.T) {
	e := newEnv(t, regs.Variant{Width: guestarch.Wide, Arch: regs.AMD64})
	e.tables.Map(0x10000, 0x9001)
	// 0x11000 has no leaf: its entry points at frame 0, which does not exist.

	as, err := e.loc.AddressSpace(testGuest, testVCPU)
	if err != nil {
		t.Fatalf("AddressSpace failed: %v", err)
	}
	n, err := as.ReadAt(make([]byte, 0x100), 0x10f80)
	if !errors.Is(err, foreignmem.ErrMapping) {
		t.Errorf("ReadAt = %v, want mapping error", err)
	}
	if n != 0x80 {
		t.Errorf("ReadAt read %#x bytes before failing, want 0x80", n)
	}
	if st := e.h.Stats(); st.Live != 0 {
		t.Errorf("%d frames left mapped", st.Live)
	}
}

func TestReadWord(t *testing.T) {
	for _, tc := range []struct {
		v    regs.Variant
		want guestarch.Word
	}{
		{regs.Variant{Width: guestarch.Narrow, Arch: regs.I386}, 0x55667788},
		{regs.Variant{Width: guestarch.Narrow, Arch: regs.AMD64}, 0x55667788},
		{regs.Variant{Width: guestarch.Wide, Arch: regs.AMD64}, 0x1122334455667788},
	} {
		t.Run(tc.v.String(), func(t *testing.T) {
			e := newEnv(t, tc.v)
			e.tables.Map(0x3000, 0x4444)
			e.g.WriteUint64(0x4444, 0x20, 0x1122334455667788)

			as, err := e.loc.AddressSpace(testGuest, testVCPU)
			if err != nil {
				t.Fatalf("AddressSpace failed: %v", err)
			}
			got, err := as.ReadWord(0x3020)
			if err != nil || got != tc.want {
				t.Errorf("ReadWord = %#x, %v, want %#x", got, err, tc.want)
			}
		})
	}
}
