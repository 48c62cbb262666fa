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

// Package config provides basic infrastructure to set configuration settings
// for guestwalk. Each setting that can be changed from the command line must
// be registered in flags.go and tagged with the flag name in Config.
package config

import (
	"fmt"
	"strings"
	"time"

	"gvisor.dev/guestwalk/pkg/log"
	"gvisor.dev/guestwalk/pkg/regs"
)

// Config holds configuration that is shared by all commands.
type Config struct {
	// Manifest is the path of the guest image manifest.
	Manifest string `flag:"manifest"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFormat is the format of log messages: text or json.
	LogFormat string `flag:"log-format"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log"`

	// AlsoLogToStderr allows to send log messages to stderr in addition to
	// DebugLog.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// Retries is how many times an operation failing to map a guest frame
	// is retried. Other failures are never retried.
	Retries int `flag:"retries"`

	// RetryInterval is the delay between retries.
	RetryInterval time.Duration `flag:"retry-interval"`

	// Arch is the register layout used to read vCPU snapshots. Zero
	// accepts whatever layout each snapshot uses.
	Arch regs.Arch `flag:"arch"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must be non-negative, got %d", c.Retries)
	}
	if c.RetryInterval < 0 {
		return fmt.Errorf("retry interval must be non-negative, got %v", c.RetryInterval)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Manifest: %q", c.Manifest)
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.DebugLog: %q", c.DebugLog)
	log.Infof("Config.Retries: %d every %v", c.Retries, c.RetryInterval)
	log.Infof("Config.Arch: %s", archValue(c.Arch))
	if flags := c.ToFlags(); len(flags) > 0 {
		log.Infof("Config flags: %s", strings.Join(flags, " "))
	}
}

// archValue is a flag.Value for regs.Arch that also accepts "any".
type archValue regs.Arch

func archPtr(a regs.Arch) *archValue {
	return (*archValue)(&a)
}

// defaultArch is the layout of the running binary, or any layout when the
// binary is not x86.
func defaultArch() regs.Arch {
	a, err := regs.HostArch()
	if err != nil {
		return 0
	}
	return a
}

// Set implements flag.Value.Set.
func (a *archValue) Set(v string) error {
	if v == "any" {
		*a = 0
		return nil
	}
	arch, err := regs.ArchFromString(v)
	if err != nil {
		return err
	}
	*a = archValue(arch)
	return nil
}

// Get implements flag.Getter.Get.
func (a *archValue) Get() any {
	return regs.Arch(*a)
}

// String implements fmt.Stringer.
func (a archValue) String() string {
	if a == 0 {
		return "any"
	}
	return regs.Arch(a).String()
}
