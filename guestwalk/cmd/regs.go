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
	"gvisor.dev/guestwalk/pkg/hypervisor/imagefile"
	"gvisor.dev/guestwalk/pkg/regs"
)

// Regs implements subcommands.Command for the "regs" command.
type Regs struct{}

// Name implements subcommands.Command.Name.
func (*Regs) Name() string {
	return "regs"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Regs) Synopsis() string {
	return "print the registers of a vCPU used for introspection"
}

// Usage implements subcommands.Command.Usage.
func (*Regs) Usage() string {
	return `regs <guest> <vcpu> - print instruction, frame and stack pointers and the page table root of a vCPU
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Regs) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (r *Regs) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	tgt, err := parseTarget(f.Args())
	if err != nil {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	return run(conf, r.Name(), func(_ *imagefile.Hypervisor, loc *guest.Locator) error {
		return printRegs(os.Stdout, loc, tgt)
	})
}

func printRegs(out io.Writer, loc *guest.Locator, tgt target) error {
	as, err := loc.AddressSpace(tgt.guest, tgt.vcpu)
	if err != nil {
		return err
	}
	v := as.Snapshot.Variant()
	ip, err := regs.InstructionPointer(as.Snapshot, v)
	if err != nil {
		return err
	}
	fp, err := regs.FramePointer(as.Snapshot, v)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%v: %v\n", tgt, v)
	fmt.Fprintf(out, "ip   %#x\n", uint64(ip))
	fmt.Fprintf(out, "fp   %#x\n", uint64(fp))
	fmt.Fprintf(out, "sp   %#x\n", uint64(as.Snapshot.StackPointer()))
	fmt.Fprintf(out, "root %#x\n", as.Root)
	return nil
}
