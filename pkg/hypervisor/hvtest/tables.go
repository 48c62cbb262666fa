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

package hvtest

import (
	"gvisor.dev/guestwalk/pkg/guestarch"
)

// Entries installed by Tables are present, writable and user accessible.
const tableFlags = 0x7

// Tables builds synthetic x86 page tables inside a Guest.
//
// Indices are computed per level by shifting, independently of the walker
// under test.
type Tables struct {
	g     *Guest
	width guestarch.Width
	root  guestarch.MFN
	next  guestarch.MFN
}

// NewTables creates tables rooted at frame root. Intermediate tables are
// allocated from consecutive frames starting at firstFree.
func NewTables(g *Guest, w guestarch.Width, root, firstFree guestarch.MFN) *Tables {
	g.Populate(root)
	return &Tables{g: g, width: w, root: root, next: firstFree}
}

// Root returns the physical address of the top-level table.
func (t *Tables) Root() uint64 {
	return t.root.Addr()
}

// Index returns the entry index virt selects at level (1 is the leaf
// table).
func (t *Tables) Index(virt guestarch.Addr, level int) uint64 {
	va := uint64(virt) & t.width.Clamp()
	return (va >> (guestarch.PageShift + 9*(level-1))) & 0x1ff
}

// TableAt returns the frame of the table used at level for virt, allocating
// missing intermediate tables.
func (t *Tables) TableAt(virt guestarch.Addr, level int) guestarch.MFN {
	table := t.root
	for l := t.width.Levels(); l > level; l-- {
		off := t.Index(virt, l) * 8
		e := t.g.ReadUint64(table, off)
		if e == 0 {
			nt := t.next
			t.next++
			t.g.Populate(nt)
			e = nt.Addr() | tableFlags
			t.g.WriteUint64(table, off, e)
		}
		table = guestarch.AddrToMFN(e & 0x000ffffffffff000)
	}
	return table
}

// Map makes virt translate to leaf, and populates leaf.
func (t *Tables) Map(virt guestarch.Addr, leaf guestarch.MFN) {
	t.SetEntry(virt, 1, leaf.Addr()|tableFlags)
	t.g.Populate(leaf)
}

// SetEntry overwrites the raw entry used for virt at level.
func (t *Tables) SetEntry(virt guestarch.Addr, level int, entry uint64) {
	table := t.TableAt(virt, level)
	t.g.WriteUint64(table, t.Index(virt, level)*8, entry)
}
