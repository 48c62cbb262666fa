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

package pagetables

import (
	"fmt"
	"math/bits"

	"gvisor.dev/guestwalk/pkg/guestarch"
	"gvisor.dev/guestwalk/pkg/log"
)

// Translate returns the machine frame that virt maps to, starting from the
// top-level table at physical address root.
//
// The walk always reads exactly w.Levels() entries, one mapping each, and
// descends to the 4K leaf level: present, permission and large page bits are
// not consulted. A read failure at any level aborts the walk and is returned
// wrapped; no partial result is produced.
func Translate(r FrameReader, root uint64, w guestarch.Width, virt guestarch.Addr) (guestarch.MFN, error) {
	return walk(r, root, w, virt, nil)
}

// Trace is like Translate, but also returns each level that was read. On
// failure the levels read before the failing one are returned.
func Trace(r FrameReader, root uint64, w guestarch.Width, virt guestarch.Addr) ([]Step, guestarch.MFN, error) {
	steps := make([]Step, 0, 4)
	mfn, err := walk(r, root, w, virt, func(s Step) {
		steps = append(steps, s)
	})
	return steps, mfn, err
}

// walk implements Translate and Trace.
//
// Each table level is selected by a 9-bit window of the virtual address. The
// window starts at bit 12+(levels-1)*9 for the top-level table and moves down
// by 9 bits per level, so that three and four level walks share one loop.
// For 32-bit guests the top window only sees two significant bits once the
// address has been clamped, matching the four-entry PAE page directory
// pointer table.
func walk(r FrameReader, root uint64, w guestarch.Width, virt guestarch.Addr, visit func(Step)) (guestarch.MFN, error) {
	if !w.Valid() {
		return 0, &guestarch.ConfigurationError{Reason: fmt.Sprintf("no page table geometry for %v", w)}
	}
	levels := w.Levels()
	clamp := w.Clamp()

	va := uint64(virt) & clamp
	addr := (root &^ (guestarch.PageSize - 1)) & clamp
	mask := uint64(indexMask<<guestarch.PageShift) << ((levels - 1) * indexBits)

	for level := levels; level > 0; level-- {
		index := (va & mask) >> bits.TrailingZeros64(mask)
		offset := index * EntrySize
		frame := guestarch.AddrToMFN(addr)

		entry, err := r.ReadEntry(frame, offset)
		if err != nil {
			return 0, fmt.Errorf("level %d entry %d of %v: %w", level, index, frame, err)
		}
		pte := PTE(entry)
		if visit != nil {
			visit(Step{Level: level, Frame: frame, Index: index, Offset: offset, Entry: pte})
		}
		if log.IsLogging(log.Debug) {
			log.Debugf("Walk of %v level %d: %v offset %#x entry %v", virt, level, frame, offset, pte)
		}

		addr = pte.Address()
		mask >>= indexBits
	}
	return guestarch.AddrToMFN(addr), nil
}
