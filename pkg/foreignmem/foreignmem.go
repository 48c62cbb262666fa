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

// Package foreignmem provides read-only access to single frames of guest
// memory through the hypervisor's foreign mapping primitive.
//
// Foreign mapping slots are a scarce host resource. Scoped holds at most one
// frame mapped at a time and releases it before returning; Mapping is the
// long-lived variant whose lifetime is managed by the caller.
package foreignmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"gvisor.dev/guestwalk/pkg/guestarch"
	"gvisor.dev/guestwalk/pkg/log"
)

// Mapper is the hypervisor's foreign memory mapping primitive.
//
// Implementations must be safe for concurrent use.
type Mapper interface {
	// MapFrame maps exactly one frame of the guest read-only into the
	// caller's address space. The returned slice is valid until passed to
	// UnmapFrame.
	MapFrame(guest guestarch.GuestID, frame guestarch.MFN) ([]byte, error)

	// UnmapFrame releases a slice returned by MapFrame.
	UnmapFrame(b []byte) error
}

// ErrMapping matches every *MappingError via errors.Is.
var ErrMapping = errors.New("foreign mapping failed")

// MappingError reports a frame that could not be mapped or released.
type MappingError struct {
	// Op is "map" or "unmap".
	Op    string
	Guest guestarch.GuestID
	Frame guestarch.MFN
	Err   error
}

// Error implements error.Error.
func (e *MappingError) Error() string {
	return fmt.Sprintf("%s guest %d %v: %v", e.Op, e.Guest, e.Frame, e.Err)
}

// Unwrap returns the hypervisor's error.
func (e *MappingError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is.
func (e *MappingError) Is(target error) bool {
	return target == ErrMapping
}

// failures is shared by all mappers so that a guest going away does not
// flood the log with one line per attempted frame.
var failures = log.BasicRateLimitedLogger(time.Second)

func mappingError(op string, guest guestarch.GuestID, frame guestarch.MFN, err error) error {
	failures.Warningf("Failed to %s guest %d %v: %v", op, guest, frame, err)
	return &MappingError{Op: op, Guest: guest, Frame: frame, Err: err}
}

// mapFrame maps one frame and checks that a whole page came back.
func mapFrame(m Mapper, guest guestarch.GuestID, frame guestarch.MFN) ([]byte, error) {
	b, err := m.MapFrame(guest, frame)
	if err != nil {
		return nil, mappingError("map", guest, frame, err)
	}
	if len(b) < guestarch.PageSize {
		err := fmt.Errorf("short mapping of %d bytes", len(b))
		if uerr := m.UnmapFrame(b); uerr != nil {
			err = fmt.Errorf("%w; unmap: %v", err, uerr)
		}
		return nil, mappingError("map", guest, frame, err)
	}
	return b[:guestarch.PageSize], nil
}

// View is a read-only window onto one mapped guest frame.
//
// A View must not be used after the mapping backing it has been released.
type View struct {
	b []byte
}

// Len returns the number of readable bytes.
func (v View) Len() int {
	return len(v.b)
}

// ReadAt implements io.ReaderAt.
func (v View) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(v.b)) {
		return 0, fmt.Errorf("offset %#x outside of page", off)
	}
	n := copy(p, v.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Uint64At reads the little-endian 8-byte value at off.
func (v View) Uint64At(off uint64) (uint64, error) {
	if off > uint64(len(v.b)) || uint64(len(v.b))-off < 8 {
		return 0, fmt.Errorf("8-byte read at offset %#x outside of page", off)
	}
	return binary.LittleEndian.Uint64(v.b[off:]), nil
}
