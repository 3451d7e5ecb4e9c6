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
	"math"

	"github.com/Donovoi/distributed-llama/internal/simd"
	"github.com/Donovoi/distributed-llama/quant"
)

// computeF32 is the straight F32×F32 dot product. When the host exposes a
// 128-bit-or-wider vector unit it accumulates four lanes of fused
// multiply-add and reduces at the end (internal/simd.DotF32); otherwise it
// falls back to a plain scalar accumulation. Both paths are algebraically
// equivalent to within ordinary floating-point summation-order error.
func computeF32(t *Task) {
	rowStride := t.N
	useSIMD := hasSIMD128()
	for d := t.Ds; d < t.De; d++ {
		row := t.Weights[d*rowStride*4 : (d+1)*rowStride*4]
		w := bytesToFloat32(row)
		if useSIMD {
			t.Output[d] = simd.DotF32(w, t.Input)
		} else {
			var sum float32
			for j := 0; j < t.N; j++ {
				sum += w[j] * t.Input[j]
			}
			t.Output[d] = sum
		}
	}
}

// computeF16 widens each weight to float32 before multiply-add. The
// conversion cost dominates, so there is no separate SIMD path for F16×F32.
func computeF16(t *Task) {
	rowStride := t.N
	for d := t.Ds; d < t.De; d++ {
		row := t.Weights[d*rowStride*2 : (d+1)*rowStride*2]
		var sum float32
		for j := 0; j < t.N; j++ {
			h := quant.Float16(uint16(row[2*j]) | uint16(row[2*j+1])<<8)
			sum += quant.F16ToF32(h) * t.Input[j]
		}
		t.Output[d] = sum
	}
}

// computeQ40 performs the Q40×Q80 block dot product: for each row d, sum
// the per-block dot products over N/QK40 blocks. QInput must already hold
// the Q80-quantized activations, populated by the caller (the thread pool)
// before dispatch.
func computeQ40(t *Task) {
	nblocks := t.N / quant.QK40
	wRowBytes := nblocks * quant.BlockSizeQ40
	for d := t.Ds; d < t.De; d++ {
		wRow := t.Weights[d*wRowBytes : (d+1)*wRowBytes]
		t.Output[d] = vecDotQ40Q80(wRow, t.QInput, nblocks)
	}
}

// vecDotQ40Q80 computes Σ_j dot(w[j], x[j]) over nblocks block pairs. Two
// adjacent blocks may be fused by a SIMD-capable implementation; the
// scalar path here dequantizes one weight block at a time and multiplies
// against the corresponding dequantized activation block.
func vecDotQ40Q80(wdata, adata []byte, nblocks int) float32 {
	var sumf float32
	var wBlock, aBlock [quant.QK40]float32

	for b := 0; b < nblocks; b++ {
		wb := wdata[b*quant.BlockSizeQ40 : (b+1)*quant.BlockSizeQ40]
		ab := adata[b*quant.BlockSizeQ80 : (b+1)*quant.BlockSizeQ80]

		quant.DequantizeRow(wb, wBlock[:])
		quant.DequantizeRow80(ab, aBlock[:])

		var blockSum float32
		for i := 0; i < quant.QK40; i++ {
			blockSum += wBlock[i] * aBlock[i]
		}
		sumf += blockSum
	}
	return sumf
}

// bytesToFloat32 reinterprets a little-endian byte slice as float32 values.
// Used only by the F32 row path, whose weight matrices are contiguous
// row-major F32 by construction.
func bytesToFloat32(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}
