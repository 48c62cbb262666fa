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

// Mapping is a frame mapped until the caller releases it.
//
// Mapping is not safe for concurrent use.
type Mapping struct {
	View

	// Guest and Frame identify the mapped frame.
	Guest guestarch.GuestID
	Frame guestarch.MFN

	mapper Mapper
}

// Map maps frame of guest until Release is called.
func Map(m Mapper, guest guestarch.GuestID, frame guestarch.MFN) (*Mapping, error) {
	b, err := mapFrame(m, guest, frame)
	if err != nil {
		return nil, err
	}
	return &Mapping{
		View:   View{b: b},
		Guest:  guest,
		Frame:  frame,
		mapper: m,
	}, nil
}

// Released returns true once Release has been called.
func (m *Mapping) Released() bool {
	return m.b == nil
}

// Release unmaps the frame. Subsequent calls do nothing.
func (m *Mapping) Release() error {
	if m.b == nil {
		return nil
	}
	b := m.b
	m.b = nil
	if err := m.mapper.UnmapFrame(b); err != nil {
		return mappingError("unmap", m.Guest, m.Frame, err)
	}
	return nil
}
