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

package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/guestwalk/guestwalk/config"
	"gvisor.dev/guestwalk/pkg/foreignmem"
	"gvisor.dev/guestwalk/pkg/guest"
	"gvisor.dev/guestwalk/pkg/guestarch"
	"gvisor.dev/guestwalk/pkg/hypervisor/hvtest"
	"gvisor.dev/guestwalk/pkg/hypervisor/imagefile"
	"gvisor.dev/guestwalk/pkg/log"
	"gvisor.dev/guestwalk/pkg/regs"
)

var testTarget = target{guest: 1, vcpu: 0}

type testEnv struct {
	h      *hvtest.Hypervisor
	g      *hvtest.Guest
	tables *hvtest.Tables
	loc    *guest.Locator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log.SetTarget(&log.TestEmitter{TestLogger: t})
	h := hvtest.New()
	g := h.AddGuest(testTarget.guest, 8)
	tables := hvtest.NewTables(g, guestarch.Wide, 0x100, 0x1000)
	v := regs.Variant{Width: guestarch.Wide, Arch: regs.AMD64}
	s, err := regs.New(v, regs.Words{IP: 0x401000, SP: 0x7ff0f0, FP: 0x7ff100, CR3: tables.Root()})
	if err != nil {
		t.Fatalf("regs.New failed: %v", err)
	}
	g.SetVCPU(testTarget.vcpu, s)
	return &testEnv{h: h, g: g, tables: tables, loc: guest.NewLocator(h, regs.AMD64)}
}

func TestParse(t *testing.T) {
	tgt, err := parseTarget([]string{"0x10", "3"})
	if err != nil || tgt != (target{guest: 16, vcpu: 3}) {
		t.Errorf("parseTarget = %+v, %v", tgt, err)
	}
	for _, args := range [][]string{{"1"}, {"x", "0"}, {"1", "-1"}, {"1", "0x100000000"}} {
		if _, err := parseTarget(args); err == nil {
			t.Errorf("parseTarget(%q) succeeded", args)
		}
	}
	if a, err := parseAddr("0xffff800000001000"); err != nil || a != 0xffff800000001000 {
		t.Errorf("parseAddr = %v, %v", a, err)
	}
	if _, err := parseAddr("0x1g"); err == nil {
		t.Errorf("parseAddr(0x1g) succeeded")
	}
}

func TestRetry(t *testing.T) {
	mapErr := &foreignmem.MappingError{Op: "map", Err: errors.New("busy")}
	confErr := &guestarch.ConfigurationError{Reason: "bad"}
	snapErr := &guest.SnapshotError{Err: errors.New("paused")}

	for _, tc := range []struct {
		name      string
		retries   int
		errs      []error
		wantCalls int
		wantErr   error
	}{
		{name: "no retries", retries: 0, errs: []error{mapErr, nil}, wantCalls: 1, wantErr: foreignmem.ErrMapping},
		{name: "transient", retries: 3, errs: []error{mapErr, mapErr, nil}, wantCalls: 3},
		{name: "exhausted", retries: 2, errs: []error{mapErr, mapErr, mapErr, nil}, wantCalls: 3, wantErr: foreignmem.ErrMapping},
		{name: "configuration", retries: 3, errs: []error{confErr, nil}, wantCalls: 1, wantErr: guestarch.ErrConfiguration},
		{name: "snapshot", retries: 3, errs: []error{snapErr, nil}, wantCalls: 1, wantErr: guest.ErrSnapshotUnavailable},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conf := &config.Config{Retries: tc.retries, RetryInterval: time.Millisecond}
			calls := 0
			err := retry(context.Background(), conf, func() error {
				err := tc.errs[calls]
				calls++
				return err
			})
			if calls != tc.wantCalls {
				t.Errorf("op called %d times, want %d", calls, tc.wantCalls)
			}
			if tc.wantErr == nil {
				if err != nil {
					t.Errorf("retry = %v, want success", err)
				}
			} else if !errors.Is(err, tc.wantErr) {
				t.Errorf("retry = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestTranslate(t *testing.T) {
	e := newTestEnv(t)
	e.tables.Map(0x401000, 0x5000)
	e.tables.Map(0x7ff000, 0x5001)
	e.tables.Map(0x7fff0000000, 0x5002)

	var out bytes.Buffer
	tr := &Translate{jobs: 2}
	addrs := []guestarch.Addr{0x401123, 0x7ff000, 0x7fff0000fff, 0x401000}
	if err := tr.translate(context.Background(), &out, &config.Config{}, e.loc, testTarget, addrs); err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	want := "0x401123 -> mfn 0x5000 (0x5000123)\n" +
		"0x7ff000 -> mfn 0x5001 (0x5001000)\n" +
		"0x7fff0000fff -> mfn 0x5002 (0x5002fff)\n" +
		"0x401000 -> mfn 0x5000 (0x5000000)\n"
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	if st := e.h.Stats(); st.Live != 0 {
		t.Errorf("%d frames left mapped", st.Live)
	}
}

func TestTranslateFailure(t *testing.T) {
	e := newTestEnv(t)
	e.tables.Map(0x401000, 0x5000)

	var out bytes.Buffer
	tr := &Translate{jobs: 4}
	err := tr.translate(context.Background(), &out, &config.Config{}, e.loc, testTarget, []guestarch.Addr{0x401000, 0x7f0000000000})
	if !errors.Is(err, foreignmem.ErrMapping) {
		t.Errorf("translate = %v, want mapping error", err)
	}
	if out.Len() != 0 {
		t.Errorf("translate printed %q despite failing", out.String())
	}
}

func TestTranslateRetriesTransientFailure(t *testing.T) {
	e := newTestEnv(t)
	e.tables.Map(0x401000, 0x5000)
	e.h.FailMapAt(2)

	var out bytes.Buffer
	tr := &Translate{jobs: 1}
	conf := &config.Config{Retries: 1, RetryInterval: time.Millisecond}
	if err := tr.translate(context.Background(), &out, conf, e.loc, testTarget, []guestarch.Addr{0x401000}); err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if got, want := out.String(), "0x401000 -> mfn 0x5000 (0x5000000)\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	// One failed walk, one full walk.
	if st := e.h.Stats(); st.Maps != 2+4 {
		t.Errorf("got %d mappings, want 6", st.Maps)
	}
}

func TestWalk(t *testing.T) {
	e := newTestEnv(t)
	e.tables.Map(0x401000, 0x5000)

	var out bytes.Buffer
	if err := walk(context.Background(), &out, &config.Config{}, e.loc, testTarget, 0x401000); err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != 6 {
		t.Fatalf("walk printed %d lines, want 6:\n%s", len(lines), out.String())
	}
	if want := "guest 1 vcpu 0: 64-bit guest, root table 0x100000"; lines[0] != want {
		t.Errorf("header = %q, want %q", lines[0], want)
	}
	if !strings.HasPrefix(lines[1], "  level 4: mfn 0x100 index 0 ") {
		t.Errorf("first level = %q", lines[1])
	}
	if !strings.HasPrefix(lines[4], "  level 1: ") || !strings.HasSuffix(lines[4], "-> 0x5000000") {
		t.Errorf("last level = %q", lines[4])
	}
	if want := "0x401000 -> mfn 0x5000"; lines[5] != want {
		t.Errorf("result = %q, want %q", lines[5], want)
	}
}

func TestWalkPartial(t *testing.T) {
	e := newTestEnv(t)
	e.tables.Map(0x401000, 0x5000)
	e.h.FailMapAt(3)

	var out bytes.Buffer
	err := walk(context.Background(), &out, &config.Config{}, e.loc, testTarget, 0x401000)
	if !errors.Is(err, foreignmem.ErrMapping) {
		t.Fatalf("walk = %v, want mapping error", err)
	}
	if n := strings.Count(out.String(), "\n"); n != 3 {
		t.Errorf("walk printed %d lines, want header and two levels:\n%s", n, out.String())
	}
}

func TestDump(t *testing.T) {
	var out bytes.Buffer
	dump(&out, 0x1000, []byte("0123456789abcdef\x00\x01"))
	want := "0000000000001000  30 31 32 33 34 35 36 37  38 39 61 62 63 64 65 66  |0123456789abcdef|\n" +
		"0000000000001010  00 01 " + strings.Repeat(" ", 43) + " |..|\n"
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Errorf("dump mismatch (-want +got):\n%s", diff)
	}
}

func TestRead(t *testing.T) {
	e := newTestEnv(t)
	e.tables.Map(0x401000, 0x5000)
	e.tables.Map(0x402000, 0x5100)
	e.g.WritePhys(0x5000ff8, []byte("across a"))
	e.g.WritePhys(0x5100000, []byte(" boundary"))

	var out bytes.Buffer
	if err := read(context.Background(), &out, &config.Config{}, e.loc, testTarget, 0x401ff8, 17); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got := out.String(); !strings.Contains(got, "|across a boundar|") || !strings.Contains(got, "|y|") {
		t.Errorf("read printed:\n%s", got)
	}
}

func TestStack(t *testing.T) {
	e := newTestEnv(t)
	e.tables.Map(0x7ff000, 0x6000)
	e.g.WriteUint64(0x6000, 0x100, 0x7ff180)
	e.g.WriteUint64(0x6000, 0x108, 0x401234)
	e.g.WriteUint64(0x6000, 0x180, 0)
	e.g.WriteUint64(0x6000, 0x188, 0x405678)

	var out bytes.Buffer
	s := &Stack{max: 10}
	if err := s.stack(context.Background(), &out, &config.Config{}, e.loc, testTarget); err != nil {
		t.Fatalf("stack failed: %v", err)
	}
	want := "#0  ip 0x401000 fp 0x7ff100\n" +
		"#1  ip 0x401234 fp 0x7ff180\n" +
		"#2  ip 0x405678 fp 0x0\n"
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Errorf("stack mismatch (-want +got):\n%s", diff)
	}
}

func TestPrintRegs(t *testing.T) {
	e := newTestEnv(t)
	var out bytes.Buffer
	if err := printRegs(&out, e.loc, testTarget); err != nil {
		t.Fatalf("printRegs failed: %v", err)
	}
	want := "guest 1 vcpu 0: 64-bit guest/amd64 layout\n" +
		"ip   0x401000\n" +
		"fp   0x7ff100\n" +
		"sp   0x7ff0f0\n" +
		"root 0x100000\n"
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Errorf("printRegs mismatch (-want +got):\n%s", diff)
	}

	e.loc.Arch = regs.I386
	if err := printRegs(&out, e.loc, testTarget); !errors.Is(err, guestarch.ErrConfiguration) {
		t.Errorf("printRegs with the i386 layout = %v, want configuration error", err)
	}
}

func TestPrintWidth(t *testing.T) {
	e := newTestEnv(t)
	var out bytes.Buffer
	if err := printWidth(&out, e.h, testTarget.guest); err != nil {
		t.Fatalf("printWidth failed: %v", err)
	}
	if got, want := out.String(), "guest 1: 64-bit, 4 levels\n"; got != want {
		t.Errorf("printWidth = %q, want %q", got, want)
	}
	e.h.AddGuest(2, 5)
	if err := printWidth(&out, e.h, 2); !errors.Is(err, guestarch.ErrConfiguration) {
		t.Errorf("printWidth of a 5-byte guest = %v, want configuration error", err)
	}
}

func TestListGuests(t *testing.T) {
	m := &imagefile.Manifest{Guests: []imagefile.GuestSpec{
		{ID: 1, Name: "web", AddressSize: 8, Image: "/img/web.img", VCPUs: make([]imagefile.VCPUSpec, 2)},
		{ID: 22, Name: "legacy", AddressSize: 4, Image: "/img/legacy.img", Regions: make([]imagefile.RegionSpec, 3)},
	}}
	var out bytes.Buffer
	if err := listGuests(&out, m); err != nil {
		t.Fatalf("listGuests failed: %v", err)
	}
	want := "ID  NAME    ADDRESS SIZE  REGIONS  VCPUS  IMAGE\n" +
		"1   web     8             0        2      /img/web.img\n" +
		"22  legacy  4             3        0      /img/legacy.img\n"
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Errorf("listGuests mismatch (-want +got):\n%s", diff)
	}
}
