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

package imagefile

import (
	"fmt"
	"math"

	"github.com/google/btree"
	"gvisor.dev/guestwalk/pkg/guestarch"
)

// region is a contiguous run of frames [start, end) stored at offset.
type region struct {
	start  guestarch.MFN
	end    guestarch.MFN
	offset int64
}

func regionLess(a, b region) bool {
	return a.start < b.start
}

// regionSet indexes the non-overlapping regions of one image by first
// frame.
type regionSet struct {
	tree *btree.BTreeG[region]
}

func newRegionSet() *regionSet {
	return &regionSet{tree: btree.NewG(8, regionLess)}
}

// maxFrames returns the number of frames that fit in an image after offset.
func maxFrames(offset int64) uint64 {
	return uint64(math.MaxInt64-offset) >> guestarch.PageShift
}

// add inserts r, rejecting overlaps with existing regions and regions that
// do not fit in a file.
func (s *regionSet) add(r region) error {
	if r.end <= r.start || r.offset < 0 || uint64(r.end-r.start) > maxFrames(r.offset) {
		return fmt.Errorf("frames [%#x, %#x) at offset %#x do not fit in an image", uint64(r.start), uint64(r.end), r.offset)
	}
	var conflict *region
	s.tree.DescendLessOrEqual(r, func(prev region) bool {
		if prev.end > r.start {
			conflict = &prev
		}
		return false
	})
	s.tree.AscendGreaterOrEqual(r, func(next region) bool {
		if next.start < r.end {
			conflict = &next
		}
		return false
	})
	if conflict != nil {
		return fmt.Errorf("frames [%#x, %#x) overlap [%#x, %#x)", uint64(r.start), uint64(r.end), uint64(conflict.start), uint64(conflict.end))
	}
	s.tree.ReplaceOrInsert(r)
	return nil
}

// lookup returns the image offset of frame.
func (s *regionSet) lookup(frame guestarch.MFN) (int64, bool) {
	var (
		off   int64
		found bool
	)
	s.tree.DescendLessOrEqual(region{start: frame}, func(r region) bool {
		if frame < r.end {
			// In range: add bounds every region to the file size limit.
			off = r.offset + int64(uint64(frame-r.start)<<guestarch.PageShift)
			found = true
		}
		return false
	})
	return off, found
}

// extent returns the image size needed by all regions.
func (s *regionSet) extent() int64 {
	var max int64
	s.tree.Ascend(func(r region) bool {
		if e := r.offset + int64(uint64(r.end-r.start)<<guestarch.PageShift); e > max {
			max = e
		}
		return true
	})
	return max
}

func (s *regionSet) len() int {
	return s.tree.Len()
}
