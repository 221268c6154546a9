// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package health

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// DefaultMaxBlockDiff is the block lag tolerated when Thresholds.MaxBlockDiff
// is zero.
const DefaultMaxBlockDiff = 15

// Thresholds configure how strictly payloads are judged. They are read on
// every evaluation, so changes take effect on the next health check.
type Thresholds struct {
	// MinVersion, if non-empty, is the oldest acceptable semantic version
	// (with or without a leading "v"). Nodes reporting an older version are
	// behind; nodes reporting no version are unhealthy.
	MinVersion string
	// MaxBlockDiff is the largest tolerated gap between the chain head and
	// the last indexed block. Zero means DefaultMaxBlockDiff.
	MaxBlockDiff int64
	// MaxSlotDiffPlays, if non-nil, is the largest tolerated gap between the
	// chain slot and the last indexed slot for plays.
	MaxSlotDiffPlays *int64
}

// DefaultThresholds returns thresholds with no version requirement and the
// default block lag.
func DefaultThresholds() Thresholds {
	return Thresholds{MaxBlockDiff: DefaultMaxBlockDiff}
}

// Validate reports whether the thresholds are usable.
func (t Thresholds) Validate() error {
	var errs []error
	if t.MinVersion != "" && !isValidVersion(t.MinVersion) {
		errs = append(errs, fmt.Errorf("min version %q is not a semantic version", t.MinVersion))
	}
	if t.MaxBlockDiff < 0 {
		errs = append(errs, fmt.Errorf("max block diff must not be negative: %d", t.MaxBlockDiff))
	}
	if t.MaxSlotDiffPlays != nil && *t.MaxSlotDiffPlays < 0 {
		errs = append(errs, fmt.Errorf("max slot diff must not be negative: %d", *t.MaxSlotDiffPlays))
	}
	return errors.Join(errs...)
}

func (t Thresholds) maxBlockDiff() int64 {
	if t.MaxBlockDiff == 0 {
		return DefaultMaxBlockDiff
	}
	return t.MaxBlockDiff
}

// CompareVersions compares two semantic versions, with or without a leading
// "v". The result is -1, 0 or +1. An invalid version is considered less than
// any valid one.
func CompareVersions(a, b string) int {
	return semver.Compare(canonicalVersion(a), canonicalVersion(b))
}

func canonicalVersion(version string) string {
	return "v" + strings.TrimPrefix(version, "v")
}

func isValidVersion(version string) bool {
	return semver.IsValid(canonicalVersion(version))
}
