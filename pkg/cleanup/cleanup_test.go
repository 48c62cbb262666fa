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

package cleanup

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// acquire mimics a multi-step open: each step records a release, and a
// failure at step fail unwinds the steps taken so far.
func acquire(released *[]string, fail int) (func(), error) {
	steps := []string{"image", "lock", "regions"}
	var cu Cleanup
	defer cu.Clean()
	for i, s := range steps {
		if i == fail {
			return nil, errors.New("open " + s)
		}
		cu.Add(func() { *released = append(*released, s) })
	}
	return cu.Release(), nil
}

func TestUnwindOnFailure(t *testing.T) {
	for _, tc := range []struct {
		fail int
		want []string
	}{
		{fail: 0, want: nil},
		{fail: 1, want: []string{"image"}},
		{fail: 2, want: []string{"lock", "image"}},
	} {
		var released []string
		if _, err := acquire(&released, tc.fail); err == nil {
			t.Errorf("acquire failing at step %d succeeded", tc.fail)
		}
		if diff := cmp.Diff(tc.want, released); diff != "" {
			t.Errorf("failing at step %d released (-want +got):\n%s", tc.fail, diff)
		}
	}
}

func TestRelease(t *testing.T) {
	var released []string
	closeAll, err := acquire(&released, -1)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if len(released) != 0 {
		t.Fatalf("released %v after success", released)
	}
	closeAll()
	if diff := cmp.Diff([]string{"regions", "lock", "image"}, released); diff != "" {
		t.Errorf("released (-want +got):\n%s", diff)
	}
}

func TestMakeAndCleanTwice(t *testing.T) {
	var order []int
	cu := Make(func() { order = append(order, 1) })
	cu.Add(func() { order = append(order, 2) })
	cu.Clean()
	cu.Clean()
	if diff := cmp.Diff([]int{2, 1}, order); diff != "" {
		t.Errorf("cleanup order (-want +got):\n%s", diff)
	}
}
