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

// DequantizeRow widens nblocks of Q40-encoded data into output, which must
// have room for nblocks*QK40 float32 values.
//
// Each block is 18 bytes: a little-endian fp16 scale followed by 16 nibble
// bytes. Low nibbles decode to the first 16 values of the block, high
// nibbles to the last 16 — this is the GGUF split-nibble layout, not a
// sequential pairwise layout.
//
//	output[j]    = d * (lo_nibble_j - 8),  j in [0, 16)
//	output[j+16] = d * (hi_nibble_j - 8),  j in [0, 16)
func DequantizeRow(data []byte, output []float32) {
	if len(data) == 0 {
		return
	}
	if len(data)%BlockSizeQ40 != 0 {
		panic(fmt.Sprintf("quant: Q40 data length %d is not a multiple of block size %d", len(data), BlockSizeQ40))
	}
	nblocks := len(data) / BlockSizeQ40
	if len(output) < nblocks*QK40 {
		panic("quant: DequantizeRow output too small")
	}

	for b := 0; b < nblocks; b++ {
		block := data[b*BlockSizeQ40 : (b+1)*BlockSizeQ40]
		d := readF16LE(block)
		qs := block[2:]
		out := output[b*QK40 : (b+1)*QK40]

		for i := 0; i < 16; i++ {
			lo := int(qs[i] & 0x0F)
			out[i] = d * float32(lo-8)
		}
		for i := 0; i < 16; i++ {
			hi := int((qs[i] >> 4) & 0x0F)
			out[16+i] = d * float32(hi-8)
		}
	}
}
