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
	"errors"

	"github.com/cenkalti/backoff"
	"gvisor.dev/guestwalk/guestwalk/config"
	"gvisor.dev/guestwalk/pkg/foreignmem"
	"gvisor.dev/guestwalk/pkg/log"
)

// retry calls op until it succeeds, up to conf.Retries more times. Only
// failures to map guest frames are retried: they may be transient while the
// guest is being modified. Everything else fails immediately.
func retry(ctx context.Context, conf *config.Config, op func() error) error {
	if conf.Retries == 0 {
		return op()
	}
	attempt := 0
	fn := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, foreignmem.ErrMapping) {
			return backoff.Permanent(err)
		}
		log.Debugf("Attempt %d failed: %v", attempt, err)
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(conf.RetryInterval), uint64(conf.Retries)), ctx)
	return backoff.Retry(fn, b)
}
