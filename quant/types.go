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

// Package quant implements the block-quantized numeric encodings shared by
// the matmul kernel, the shard planner, and the worker RPC layer: full and
// half precision float tensors, and the 4-bit/8-bit block-quantized
// formats used for weights and activations respectively.
package quant

import "fmt"

// FloatType tags the numeric encoding of a tensor.
type FloatType uint8

const (
	F32 FloatType = iota
	F16
	Q40
	Q80
)

func (t FloatType) String() string {
	switch t {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case Q40:
		return "Q40"
	case Q80:
		return "Q80"
	default:
		return fmt.Sprintf("FloatType(%d)", uint8(t))
	}
}

// Block sizes, in elements. Both quantized formats share a 32-element block.
const (
	QK40 = 32
	QK80 = 32
)

// Block sizes, in bytes: 2-byte fp16 scale plus the packed quants.
const (
	BlockSizeQ40 = 18 // d(2) + qs(16 nibble bytes covering 32 values)
	BlockSizeQ80 = 34 // d(2) + qs(32 signed bytes)
)

// RowStride returns the number of bytes a single row of N elements occupies
// in the given encoding. N must already satisfy the encoding's
// block-alignment precondition.
func RowStride(t FloatType, n int) int {
	switch t {
	case F32:
		return 4 * n
	case F16:
		return 2 * n
	case Q40:
		if n%QK40 != 0 {
			panic(fmt.Sprintf("quant: Q40 row stride requires n%%%d == 0, got n=%d", QK40, n))
		}
		return (n / QK40) * BlockSizeQ40
	case Q80:
		if n%QK80 != 0 {
			panic(fmt.Sprintf("quant: Q80 row stride requires n%%%d == 0, got n=%d", QK80, n))
		}
		return (n / QK80) * BlockSizeQ80
	default:
		panic(fmt.Sprintf("quant: unknown FloatType %v", t))
	}
}
