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

package foreignmem

import (
	"gvisor.dev/guestwalk/pkg/guestarch"
)

// Scoped maps frames of one guest for the duration of a callback.
type Scoped struct {
	mapper Mapper
	guest  guestarch.GuestID
}

// NewScoped returns a Scoped mapper for the given guest.
func NewScoped(m Mapper, guest guestarch.GuestID) *Scoped {
	return &Scoped{mapper: m, guest: guest}
}

// With maps frame, calls fn with a view of it and unmaps it again. The frame
// is unmapped on every path out of With, including an error or panic in fn.
// An unmap failure is reported only if fn succeeded.
func (s *Scoped) With(frame guestarch.MFN, fn func(View) error) (err error) {
	b, err := mapFrame(s.mapper, s.guest, frame)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := s.mapper.UnmapFrame(b); uerr != nil && err == nil {
			err = mappingError("unmap", s.guest, frame, uerr)
		}
	}()
	return fn(View{b: b})
}

// ReadEntry reads the 8-byte table entry at offset within frame.
func (s *Scoped) ReadEntry(frame guestarch.MFN, offset uint64) (uint64, error) {
	var entry uint64
	err := s.With(frame, func(v View) error {
		var err error
		entry, err = v.Uint64At(offset)
		return err
	})
	return entry, err
}
