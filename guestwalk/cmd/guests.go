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
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/guestwalk/guestwalk/config"
	"gvisor.dev/guestwalk/pkg/guest"
	"gvisor.dev/guestwalk/pkg/hypervisor/imagefile"
)

// Guests implements subcommands.Command for the "guests" command.
type Guests struct{}

// Name implements subcommands.Command.Name.
func (*Guests) Name() string {
	return "guests"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Guests) Synopsis() string {
	return "list the guests of the manifest"
}

// Usage implements subcommands.Command.Usage.
func (*Guests) Usage() string {
	return `guests - list the guests of the manifest
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Guests) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (g *Guests) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	return run(conf, g.Name(), func(h *imagefile.Hypervisor, _ *guest.Locator) error {
		return listGuests(os.Stdout, h.Manifest())
	})
}

func listGuests(out io.Writer, m *imagefile.Manifest) error {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprint(w, "ID\tNAME\tADDRESS SIZE\tREGIONS\tVCPUS\tIMAGE\n")
	for _, g := range m.Guests {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%s\n", g.ID, g.Name, g.AddressSize, len(g.Regions), len(g.VCPUs), g.Image)
	}
	return w.Flush()
}
