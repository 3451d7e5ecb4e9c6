// Copyright 2025 go-highway Authors
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

package kernel

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// hasSIMD128 reports whether the host exposes a 128-bit-or-wider vector
// unit, gating the F32×F32 lane-accumulate path in computeF32. Uses the
// same golang.org/x/sys/cpu feature flags a build-time diagnostic would
// probe, but here the probe gates an actual dispatch decision.
func hasSIMD128() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasSSE2
	case "arm64":
		return cpu.ARM64.HasASIMD
	default:
		return false
	}
}
