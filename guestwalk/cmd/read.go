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
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/guestwalk/guestwalk/config"
	"gvisor.dev/guestwalk/pkg/guest"
	"gvisor.dev/guestwalk/pkg/guestarch"
	"gvisor.dev/guestwalk/pkg/hypervisor/imagefile"
)

// maxReadSize bounds the "read" command.
const maxReadSize = 1 << 20

// Read implements subcommands.Command for the "read" command.
type Read struct{}

// Name implements subcommands.Command.Name.
func (*Read) Name() string {
	return "read"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Read) Synopsis() string {
	return "dump guest virtual memory"
}

// Usage implements subcommands.Command.Usage.
func (*Read) Usage() string {
	return `read <guest> <vcpu> <vaddr> <length> - hex dump guest virtual memory in the context of a vCPU
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Read) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (r *Read) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 4 {
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
	length, err := strconv.ParseUint(f.Arg(3), 0, 32)
	if err != nil || length > maxReadSize {
		f.Usage()
		return subcommands.ExitUsageError
	}

	conf := args[0].(*config.Config)
	return run(conf, r.Name(), func(_ *imagefile.Hypervisor, loc *guest.Locator) error {
		return read(ctx, os.Stdout, conf, loc, tgt, virt, int(length))
	})
}

// read dumps length bytes at virt. Bytes read before a failure are dumped.
func read(ctx context.Context, out io.Writer, conf *config.Config, loc *guest.Locator, tgt target, virt guestarch.Addr, length int) error {
	buf := make([]byte, length)
	n := 0
	err := retry(ctx, conf, func() error {
		as, err := loc.AddressSpace(tgt.guest, tgt.vcpu)
		if err != nil {
			return err
		}
		n, err = as.ReadAt(buf, virt)
		return err
	})
	dump(out, virt, buf[:n])
	return err
}

// dump writes b as hex and ASCII, 16 bytes per line, labeled with guest
// virtual addresses.
func dump(out io.Writer, virt guestarch.Addr, b []byte) {
	const perLine = 16
	var sb strings.Builder
	for off := 0; off < len(b); off += perLine {
		line := b[off:min(off+perLine, len(b))]
		sb.Reset()
		fmt.Fprintf(&sb, "%016x  ", uint64(virt)+uint64(off))
		for i := 0; i < perLine; i++ {
			if i < len(line) {
				fmt.Fprintf(&sb, "%02x ", line[i])
			} else {
				sb.WriteString("   ")
			}
			if i == perLine/2-1 {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(" |")
		for _, c := range line {
			if c < 0x20 || c > 0x7e {
				c = '.'
			}
			sb.WriteByte(c)
		}
		sb.WriteString("|\n")
		io.WriteString(out, sb.String())
	}
}
