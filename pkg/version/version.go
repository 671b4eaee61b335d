/*
Copyright 2024 The Hub Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package version implements the dotted build-version values that flow
// between version scripts, issue-tracker pending-version fields, and
// fix-version assignments. A version has one to four numeric parts.
package version

import (
	"strconv"
	"strings"
)

// Version is an ordered dotted version like "3.4.0.500". Versions with
// fewer than three parts are padded with zeros so that "1.2" == "1.2.0".
type Version struct {
	parts []uint32
}

// Parse returns nil if any dotted part is not a plain non-negative integer.
func Parse(s string) *Version {
	fields := strings.Split(strings.TrimSpace(s), ".")
	if len(fields) == 0 {
		return nil
	}

	parts := make([]uint32, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil
		}
		parts = append(parts, uint32(n))
	}

	for len(parts) < 3 {
		parts = append(parts, 0)
	}

	return &Version{parts: parts}
}

func (v *Version) Major() uint32 { return v.part(0) }
func (v *Version) Minor() uint32 { return v.part(1) }
func (v *Version) Patch() uint32 { return v.part(2) }

func (v *Version) part(i int) uint32 {
	if i < len(v.parts) {
		return v.parts[i]
	}
	return 0
}

// Equal reports part-wise equality, treating missing parts as zero.
func (v *Version) Equal(o *Version) bool {
	return v.Compare(o) == 0
}

// Compare orders versions part-wise, extending the shorter one with zeros.
func (v *Version) Compare(o *Version) int {
	n := len(v.parts)
	if len(o.parts) > n {
		n = len(o.parts)
	}
	for i := 0; i < n; i++ {
		a, b := v.part(i), o.part(i)
		if a != b {
			if a < b {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether v orders strictly before o.
func (v *Version) Less(o *Version) bool {
	return v.Compare(o) < 0
}

func (v *Version) String() string {
	strs := make([]string, len(v.parts))
	for i, p := range v.parts {
		strs[i] = strconv.FormatUint(uint64(p), 10)
	}
	return strings.Join(strs, ".")
}
