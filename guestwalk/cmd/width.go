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
)

// Width implements subcommands.Command for the "width" command.
type Width struct{}

// Name implements subcommands.Command.Name.
func (*Width) Name() string {
	return "width"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Width) Synopsis() string {
	return "print the addressing width of a guest"
}

// Usage implements subcommands.Command.Usage.
func (*Width) Usage() string {
	return `width <guest> - print the addressing width of a guest
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Width) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (w *Width) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	id, err := parseGuest(f.Arg(0))
	if err != nil {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	return run(conf, w.Name(), func(h *imagefile.Hypervisor, _ *guest.Locator) error {
		return printWidth(os.Stdout, h, id)
	})
}

func printWidth(out io.Writer, ctl guest.Control, id guestarch.GuestID) error {
	w, err := guest.ResolveWidth(ctl, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "guest %d: %v, %d levels\n", id, w, w.Levels())
	return nil
}
