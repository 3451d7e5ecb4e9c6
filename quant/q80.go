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

package quant

import "fmt"

// QuantizeRow quantizes a row of N float32 activations into Q80 blocks.
// N must be a multiple of QK80; output must be pre-sized to
// (N/QK80)*BlockSizeQ80 bytes.
//
// Per block of 32 values:
//
//	amax = max(|x_i|)
//	d    = amax / 127
//	qs_i = round(x_i / d), clamped to [-127, 127]
//
// If amax is zero the block's scale and quants are all zero.
func QuantizeRow(input []float32, output []byte) {
	if len(input) == 0 {
		return
	}
	if len(input)%QK80 != 0 {
		panic(fmt.Sprintf("quant: Q80 input length %d is not a multiple of %d", len(input), QK80))
	}
	nblocks := len(input) / QK80
	if len(output) < nblocks*BlockSizeQ80 {
		panic("quant: QuantizeRow output too small")
	}

	for b := 0; b < nblocks; b++ {
		in := input[b*QK80 : (b+1)*QK80]
		block := output[b*BlockSizeQ80 : (b+1)*BlockSizeQ80]

		var amax float32
		for _, v := range in {
			av := v
			if av < 0 {
				av = -av
			}
			if av > amax {
				amax = av
			}
		}

		var d float32
		var id float32
		if amax > 0 {
			d = amax / 127.0
			id = 127.0 / amax
		}
		writeF16LE(block, d)

		qs := block[2:]
		if d == 0 {
			for i := range qs {
				qs[i] = 0
			}
			continue
		}
		for i, v := range in {
			scaled := v * id
			var q int32
			if scaled >= 0 {
				q = int32(scaled + 0.5)
			} else {
				q = int32(scaled - 0.5)
			}
			if q > 127 {
				q = 127
			} else if q < -127 {
				q = -127
			}
			qs[i] = byte(int8(q))
		}
	}
}

// DequantizeRow80 widens nblocks of Q80-encoded data into output, which
// must have room for nblocks*QK80 float32 values. Named distinctly from
// the Q40 dequantizer (DequantizeRow) since the two formats are never
// ambiguous at a call site, but both live in this package.
func DequantizeRow80(data []byte, output []float32) {
	if len(data) == 0 {
		return
	}
	if len(data)%BlockSizeQ80 != 0 {
		panic(fmt.Sprintf("quant: Q80 data length %d is not a multiple of block size %d", len(data), BlockSizeQ80))
	}
	nblocks := len(data) / BlockSizeQ80
	if len(output) < nblocks*QK80 {
		panic("quant: DequantizeRow80 output too small")
	}

	for b := 0; b < nblocks; b++ {
		block := data[b*BlockSizeQ80 : (b+1)*BlockSizeQ80]
		d := readF16LE(block)
		qs := block[2:]
		out := output[b*QK80 : (b+1)*QK80]
		for i := 0; i < QK80; i++ {
			out[i] = d * float32(int8(qs[i]))
		}
	}
}
