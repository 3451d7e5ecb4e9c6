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

package engine

import (
	"encoding/binary"
	"math"
)

// Activations cross the wire as little-endian F32, matching quant.F32's
// in-memory layout — the orchestrator never needs a quantized activation
// path since activations aren't sharded, only weights are.

func float32ToBytesLE(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:4*i+4], math.Float32bits(f))
	}
	return out
}

func bytesToFloat32LEInto(b []byte, dest []float32) {
	for i := range dest {
		bits := binary.LittleEndian.Uint32(b[4*i : 4*i+4])
		dest[i] = math.Float32frombits(bits)
	}
}
