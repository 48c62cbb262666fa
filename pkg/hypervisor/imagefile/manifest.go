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
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"gvisor.dev/guestwalk/pkg/guestarch"
	"gvisor.dev/guestwalk/pkg/regs"
)

// Manifest describes the guests captured in a set of memory images.
type Manifest struct {
	Guests []GuestSpec `toml:"guest" yaml:"guests"`
}

// GuestSpec describes one guest.
type GuestSpec struct {
	ID   guestarch.GuestID `toml:"id" yaml:"id"`
	Name string            `toml:"name" yaml:"name"`

	// AddressSize is the addressing width in bytes, reported as is to
	// callers.
	AddressSize int `toml:"address_size" yaml:"address_size"`

	// Image is the memory image path. Relative paths are resolved against
	// the directory holding the manifest.
	Image string `toml:"image" yaml:"image"`

	Regions []RegionSpec `toml:"region" yaml:"regions"`
	VCPUs   []VCPUSpec   `toml:"vcpu" yaml:"vcpus"`
}

// RegionSpec maps Count consecutive machine frames starting at Frame to the
// image contents at Offset.
type RegionSpec struct {
	Frame  uint64 `toml:"frame" yaml:"frame"`
	Count  uint64 `toml:"count" yaml:"count"`
	Offset int64  `toml:"offset" yaml:"offset"`
}

// VCPUSpec is the register state of one vCPU.
type VCPUSpec struct {
	ID guestarch.VCPUID `toml:"id" yaml:"id"`

	// Layout is the register layout of the snapshot, "i386" or "amd64".
	// The default is amd64.
	Layout string `toml:"layout" yaml:"layout"`

	IP  uint64 `toml:"ip" yaml:"ip"`
	SP  uint64 `toml:"sp" yaml:"sp"`
	FP  uint64 `toml:"fp" yaml:"fp"`
	CR3 uint64 `toml:"cr3" yaml:"cr3"`
}

// Arch returns the register layout of the snapshot.
func (v *VCPUSpec) Arch() (regs.Arch, error) {
	if v.Layout == "" {
		return regs.AMD64, nil
	}
	return regs.ArchFromString(v.Layout)
}

// LoadManifest reads a manifest. The format is chosen by extension: ".toml"
// for TOML, ".yaml" or ".yml" for YAML. Image paths in the result are
// absolute or relative to the working directory.
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.DecodeFile(path, &m)
		if err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("decoding %q: unknown keys %v", path, undecoded)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("manifest %q: unknown format %q, want .toml, .yaml or .yml", path, ext)
	}

	dir := filepath.Dir(path)
	for i := range m.Guests {
		g := &m.Guests[i]
		if g.Image != "" && !filepath.IsAbs(g.Image) {
			g.Image = filepath.Join(dir, g.Image)
		}
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %q: %w", path, err)
	}
	return &m, nil
}

// Validate checks the manifest for consistency. Address sizes are not
// checked: an unsupported size is reported to callers like a hypervisor
// would.
func (m *Manifest) Validate() error {
	ids := make(map[guestarch.GuestID]struct{})
	for i := range m.Guests {
		g := &m.Guests[i]
		if _, ok := ids[g.ID]; ok {
			return fmt.Errorf("duplicate guest id %d", g.ID)
		}
		ids[g.ID] = struct{}{}
		if g.Image == "" {
			return fmt.Errorf("guest %d: no image", g.ID)
		}
		for _, r := range g.Regions {
			if r.Count == 0 {
				return fmt.Errorf("guest %d: empty region at frame %#x", g.ID, r.Frame)
			}
			if r.Offset < 0 || r.Offset%guestarch.PageSize != 0 {
				return fmt.Errorf("guest %d: region at frame %#x has unaligned offset %#x", g.ID, r.Frame, r.Offset)
			}
			if r.Frame+r.Count < r.Frame {
				return fmt.Errorf("guest %d: region at frame %#x overflows", g.ID, r.Frame)
			}
			if r.Count > maxFrames(r.Offset) {
				return fmt.Errorf("guest %d: region at frame %#x with %#x frames does not fit in an image", g.ID, r.Frame, r.Count)
			}
		}
		vcpus := make(map[guestarch.VCPUID]struct{})
		for j := range g.VCPUs {
			v := &g.VCPUs[j]
			if _, ok := vcpus[v.ID]; ok {
				return fmt.Errorf("guest %d: duplicate vcpu id %d", g.ID, v.ID)
			}
			vcpus[v.ID] = struct{}{}
			if _, err := v.Arch(); err != nil {
				return fmt.Errorf("guest %d vcpu %d: %w", g.ID, v.ID, err)
			}
		}
	}
	return nil
}
