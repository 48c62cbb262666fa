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

// Package stackwalk unwinds guest stacks by following saved frame pointers.
//
// Only code compiled with frame pointers can be unwound. Each frame stores
// the caller's frame pointer at fp and the return address one word above
// it.
package stackwalk

import (
	"fmt"

	"gvisor.dev/guestwalk/pkg/guest"
	"gvisor.dev/guestwalk/pkg/guestarch"
	"gvisor.dev/guestwalk/pkg/log"
)

// DefaultMaxFrames is used when Walk is passed a non-positive limit.
const DefaultMaxFrames = 64

// Frame is one unwound frame.
type Frame struct {
	// Index is 0 for the innermost frame.
	Index int

	// IP is the instruction pointer of the frame: the current IP for frame
	// 0, a return address otherwise.
	IP guestarch.Word

	// FP is the frame pointer of the frame.
	FP guestarch.Word
}

// String implements fmt.Stringer.
func (f Frame) String() string {
	return fmt.Sprintf("#%-2d ip %#x fp %#x", f.Index, uint64(f.IP), uint64(f.FP))
}

// Walk unwinds the stack of the vCPU as was resolved for, returning at most
// max frames.
//
// The walk ends at a zero frame pointer or at a saved frame pointer that
// does not grow toward the stack base, which guards against loops in
// corrupted stacks. If guest memory cannot be read, the frames collected so
// far are returned along with the error.
func Walk(as *guest.AddressSpace, max int) ([]Frame, error) {
	if max <= 0 {
		max = DefaultMaxFrames
	}
	s := as.Snapshot
	fp := s.FramePointer()
	frames := []Frame{{Index: 0, IP: s.InstructionPointer(), FP: fp}}
	word := guestarch.Word(as.Width.Bytes())

	for len(frames) < max && fp != 0 {
		ret, err := as.ReadWord(guestarch.Addr(fp + word))
		if err != nil {
			return frames, fmt.Errorf("return address of frame %d: %w", len(frames), err)
		}
		next, err := as.ReadWord(guestarch.Addr(fp))
		if err != nil {
			return frames, fmt.Errorf("saved frame pointer of frame %d: %w", len(frames), err)
		}
		frames = append(frames, Frame{Index: len(frames), IP: ret, FP: next})
		if next <= fp {
			if next != 0 {
				log.Debugf("Stack of guest %d vcpu %d: frame pointer %#x after %#x, stopping", as.Guest, as.VCPU, uint64(next), uint64(fp))
			}
			break
		}
		fp = next
	}
	return frames, nil
}
