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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"fmt"
	"io"
	"os"

	"gvisor.dev/guestwalk/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages are
// consumed by the caller, in addition to the regular log.
var ErrorLogger io.Writer

// Fatalf logs the same message as Errorf and exits with status 1.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(1)
}

// Errorf logs an error to the log and to stderr, and to ErrorLogger if set.
func Errorf(format string, args ...any) {
	log.Log().WarningfAtDepth(1, format, args...)
	msg := fmt.Sprintf(format+"\n", args...)
	fmt.Fprint(os.Stderr, msg)
	if ErrorLogger != nil {
		fmt.Fprint(ErrorLogger, msg)
	}
}
