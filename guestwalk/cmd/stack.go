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
	"gvisor.dev/guestwalk/pkg/stackwalk"
)

// Stack implements subcommands.Command for the "stack" command.
type Stack struct {
	max int
}

// Name implements subcommands.Command.Name.
func (*Stack) Name() string {
	return "stack"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stack) Synopsis() string {
	return "unwind the stack of a vCPU using frame pointers"
}

// Usage implements subcommands.Command.Usage.
func (*Stack) Usage() string {
	return `stack [flags] <guest> <vcpu> - unwind the stack of a vCPU using frame pointers
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stack) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.max, "max", stackwalk.DefaultMaxFrames, "maximum number of frames to unwind.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stack) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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
	return run(conf, s.Name(), func(_ *imagefile.Hypervisor, loc *guest.Locator) error {
		return s.stack(ctx, os.Stdout, conf, loc, tgt)
	})
}

// stack prints the frames of tgt. Frames unwound before a failure are
// printed.
func (s *Stack) stack(ctx context.Context, out io.Writer, conf *config.Config, loc *guest.Locator, tgt target) error {
	var frames []stackwalk.Frame
	err := retry(ctx, conf, func() error {
		as, err := loc.AddressSpace(tgt.guest, tgt.vcpu)
		if err != nil {
			return err
		}
		frames, err = stackwalk.Walk(as, s.max)
		return err
	})
	for _, fr := range frames {
		fmt.Fprintf(out, "%v\n", fr)
	}
	return err
}
