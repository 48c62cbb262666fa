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
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/guestwalk/guestwalk/config"
	"gvisor.dev/guestwalk/pkg/guest"
	"gvisor.dev/guestwalk/pkg/guestarch"
	"gvisor.dev/guestwalk/pkg/hypervisor/imagefile"
)

// Translate implements subcommands.Command for the "translate" command.
type Translate struct {
	jobs int
}

// Name implements subcommands.Command.Name.
func (*Translate) Name() string {
	return "translate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Translate) Synopsis() string {
	return "translate guest virtual addresses to machine frames"
}

// Usage implements subcommands.Command.Usage.
func (*Translate) Usage() string {
	return `translate [flags] <guest> <vcpu> <vaddr>... - translate guest virtual addresses in the context of a vCPU
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Translate) SetFlags(f *flag.FlagSet) {
	f.IntVar(&t.jobs, "jobs", runtime.NumCPU(), "maximum number of translations in flight.")
}

// Execute implements subcommands.Command.Execute.
func (t *Translate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 3 || t.jobs < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	tgt, err := parseTarget(f.Args())
	if err != nil {
		f.Usage()
		return subcommands.ExitUsageError
	}
	var addrs []guestarch.Addr
	for _, a := range f.Args()[2:] {
		virt, err := parseAddr(a)
		if err != nil {
			f.Usage()
			return subcommands.ExitUsageError
		}
		addrs = append(addrs, virt)
	}

	conf := args[0].(*config.Config)
	return run(conf, t.Name(), func(_ *imagefile.Hypervisor, loc *guest.Locator) error {
		return t.translate(ctx, os.Stdout, conf, loc, tgt, addrs)
	})
}

// translate resolves every address, at most t.jobs at a time, and prints the
// results in argument order. Nothing is printed if any translation fails.
func (t *Translate) translate(ctx context.Context, out io.Writer, conf *config.Config, loc *guest.Locator, tgt target, addrs []guestarch.Addr) error {
	mfns := make([]guestarch.MFN, len(addrs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.jobs)
	for i, virt := range addrs {
		g.Go(func() error {
			err := retry(ctx, conf, func() error {
				mfn, err := loc.TranslateVirtualAddress(tgt.guest, tgt.vcpu, virt)
				mfns[i] = mfn
				return err
			})
			if err != nil {
				return fmt.Errorf("%v: %w", virt, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, virt := range addrs {
		fmt.Fprintf(out, "%v -> %v (%#x)\n", virt, mfns[i], mfns[i].Addr()+virt.PageOffset())
	}
	return nil
}
