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

package guest

import (
	"encoding/binary"
	"fmt"

	"gvisor.dev/guestwalk/pkg/foreignmem"
	"gvisor.dev/guestwalk/pkg/guestarch"
	"gvisor.dev/guestwalk/pkg/pagetables"
	"gvisor.dev/guestwalk/pkg/regs"
)

// AddressSpace is the address space of one vCPU as of the snapshot it was
// resolved from.
type AddressSpace struct {
	Guest    guestarch.GuestID
	VCPU     guestarch.VCPUID
	Width    guestarch.Width
	Snapshot regs.Snapshot

	// Root is the physical address of the top-level page table.
	Root uint64

	mapper foreignmem.Mapper
	reader *foreignmem.Scoped
}

// Translate returns the machine frame backing virt.
func (as *AddressSpace) Translate(virt guestarch.Addr) (guestarch.MFN, error) {
	return pagetables.Translate(as.reader, as.Root, as.Width, virt)
}

// Trace is like Translate, but also returns every level read.
func (as *AddressSpace) Trace(virt guestarch.Addr) ([]pagetables.Step, guestarch.MFN, error) {
	return pagetables.Trace(as.reader, as.Root, as.Width, virt)
}

// MapPage translates virt and maps the resulting frame. The caller must
// release the mapping.
func (as *AddressSpace) MapPage(virt guestarch.Addr) (guestarch.MFN, *foreignmem.Mapping, error) {
	mfn, err := as.Translate(virt)
	if err != nil {
		return 0, nil, err
	}
	m, err := foreignmem.Map(as.mapper, as.Guest, mfn)
	if err != nil {
		return 0, nil, err
	}
	return mfn, m, nil
}

// ReadAt reads len(p) bytes of guest virtual memory starting at virt. Each
// page is translated and mapped separately, and unmapped before the next
// one is touched. It returns the number of bytes read before any failure.
func (as *AddressSpace) ReadAt(p []byte, virt guestarch.Addr) (int, error) {
	done := 0
	for done < len(p) {
		va := virt + guestarch.Addr(done)
		mfn, err := as.Translate(va)
		if err != nil {
			return done, fmt.Errorf("reading %v: %w", va, err)
		}
		off := va.PageOffset()
		chunk := p[done:]
		if rem := guestarch.PageSize - off; uint64(len(chunk)) > rem {
			chunk = chunk[:rem]
		}
		err = as.reader.With(mfn, func(v foreignmem.View) error {
			n, err := v.ReadAt(chunk, int64(off))
			done += n
			return err
		})
		if err != nil {
			return done, fmt.Errorf("reading %v: %w", va, err)
		}
	}
	return done, nil
}

// ReadWord reads one little-endian guest word at virt.
func (as *AddressSpace) ReadWord(virt guestarch.Addr) (guestarch.Word, error) {
	var buf [8]byte
	b := buf[:as.Width.Bytes()]
	if _, err := as.ReadAt(b, virt); err != nil {
		return 0, err
	}
	if as.Width == guestarch.Narrow {
		return guestarch.Word(binary.LittleEndian.Uint32(b)), nil
	}
	return guestarch.Word(binary.LittleEndian.Uint64(b)), nil
}
