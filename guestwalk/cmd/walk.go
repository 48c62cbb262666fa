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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/guestwalk/guestwalk/config"
	"gvisor.dev/guestwalk/pkg/guest"
	"gvisor.dev/guestwalk/pkg/guestarch"
	"gvisor.dev/guestwalk/pkg/hypervisor/imagefile"
	"gvisor.dev/guestwalk/pkg/pagetables"
)

// Walk implements subcommands.Command for the "walk" command.
type Walk struct{}

// Name implements subcommands.Command.Name.
func (*Walk) Name() string {
	return "walk"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Walk) Synopsis() string {
	return "show every page table level used to translate an address"
}

// Usage implements subcommands.Command.Usage.
func (*Walk) Usage() string {
	return `walk <guest> <vcpu> <vaddr> - show the page table walk for a guest virtual address
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Walk) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (w *Walk) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 3 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	tgt, err := parseTarget(f.Args())
	if err != nil {
		f.Usage()
		return subcommands.ExitUsageError
	}
	virt, err := parseAddr(f.Arg(2))
	if err != nil {
		f.Usage()
		return subcommands.ExitUsageError
	}

	conf := args[0].(*config.Config)
	return run(conf, w.Name(), func(_ *imagefile.Hypervisor, loc *guest.Locator) error {
		return walk(ctx, os.Stdout, conf, loc, tgt, virt)
	})
}

// walk prints the levels of the walk for virt. If the walk fails, the levels
// read by the last attempt before the failure are still printed.
func walk(ctx context.Context, out io.Writer, conf *config.Config, loc *guest.Locator, tgt target, virt guestarch.Addr) error {
	var (
		as    *guest.AddressSpace
		steps []pagetables.Step
		mfn   guestarch.MFN
	)
	err := retry(ctx, conf, func() error {
		var err error
		as, err = loc.AddressSpace(tgt.guest, tgt.vcpu)
		if err != nil {
			return err
		}
		steps, mfn, err = as.Trace(virt)
		return err
	})
	if as != nil {
		fmt.Fprintf(out, "%v: %v guest, root table %#x\n", tgt, as.Width, as.Root)
		for _, s := range steps {
			fmt.Fprintf(out, "  %v\n", s)
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%v -> %v\n", virt, mfn)
	return nil
}
