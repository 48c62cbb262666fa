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

// Package cmd holds implementations of the guestwalk commands.
package cmd

import (
	"fmt"
	"strconv"

	"github.com/google/subcommands"
	"gvisor.dev/guestwalk/guestwalk/cmd/util"
	"gvisor.dev/guestwalk/guestwalk/config"
	"gvisor.dev/guestwalk/pkg/guest"
	"gvisor.dev/guestwalk/pkg/guestarch"
	"gvisor.dev/guestwalk/pkg/hypervisor/imagefile"
	"gvisor.dev/guestwalk/pkg/log"
)

// target is the guest and vCPU named by the leading arguments of a command.
type target struct {
	guest guestarch.GuestID
	vcpu  guestarch.VCPUID
}

func (t target) String() string {
	return fmt.Sprintf("guest %d vcpu %d", t.guest, t.vcpu)
}

func parseGuest(s string) (guestarch.GuestID, error) {
	id, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid guest id %q: %v", s, err)
	}
	return guestarch.GuestID(id), nil
}

func parseTarget(args []string) (target, error) {
	if len(args) < 2 {
		return target{}, fmt.Errorf("guest and vcpu are required")
	}
	g, err := parseGuest(args[0])
	if err != nil {
		return target{}, err
	}
	v, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return target{}, fmt.Errorf("invalid vcpu id %q: %v", args[1], err)
	}
	return target{guest: g, vcpu: guestarch.VCPUID(v)}, nil
}

func parseAddr(s string) (guestarch.Addr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %v", s, err)
	}
	return guestarch.Addr(v), nil
}

func openHypervisor(conf *config.Config) (*imagefile.Hypervisor, error) {
	if conf.Manifest == "" {
		return nil, fmt.Errorf("--manifest is required")
	}
	return imagefile.Open(conf.Manifest)
}

// run opens the configured hypervisor and calls fn with a locator for it.
// Errors returned by fn are reported and turned into ExitFailure.
func run(conf *config.Config, name string, fn func(h *imagefile.Hypervisor, loc *guest.Locator) error) subcommands.ExitStatus {
	h, err := openHypervisor(conf)
	if err != nil {
		util.Fatalf("%s: %v", name, err)
	}
	defer func() {
		if err := h.Close(); err != nil {
			log.Warningf("Closing %q: %v", conf.Manifest, err)
		}
	}()

	if err := fn(h, guest.NewLocator(h, conf.Arch)); err != nil {
		util.Errorf("%s: %v", name, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
