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

package guestarch

import (
	"errors"
)

// ErrConfiguration matches every *ConfigurationError via errors.Is.
var ErrConfiguration = errors.New("unsupported guest configuration")

// ConfigurationError reports a guest setup that cannot be introspected,
// such as an unknown addressing width. It is never retryable.
type ConfigurationError struct {
	// Reason describes the offending configuration.
	Reason string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements error.Error.
func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return ErrConfiguration.Error() + ": " + e.Reason + ": " + e.Err.Error()
	}
	return ErrConfiguration.Error() + ": " + e.Reason
}

// Unwrap returns the underlying cause.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}
