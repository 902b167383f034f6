// Copyright 2024 The Citadel Boot authors. All Rights Reserved.
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

package image

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a firmware version as major, minor, patch and build
// components. Versions compare lexicographically component by
// component.
type Version [4]uint8

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3])
}

// Compare returns -1, 0 or 1 depending on whether v is older than,
// equal to or newer than o.
func (v Version) Compare(o Version) int {
	for i := range v {
		switch {
		case v[i] < o[i]:
			return -1
		case v[i] > o[i]:
			return 1
		}
	}

	return 0
}

// ParseVersion parses a dotted four component version string such as
// "1.2.0.15".
func ParseVersion(s string) (Version, error) {
	var v Version

	parts := strings.Split(s, ".")

	if len(parts) != len(v) {
		return v, fmt.Errorf("invalid version %q: need %d components", s, len(v))
	}

	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)

		if err != nil {
			return v, fmt.Errorf("invalid version %q: %v", s, err)
		}

		v[i] = uint8(n)
	}

	return v, nil
}
