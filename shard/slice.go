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

// Package shard plans how one weight matrix's D output rows are split
// across S workers and how their S partial output vectors are reassembled.
// It does no arithmetic on tensor values: splitting and merging are both
// pure byte/float copies along row boundaries.
package shard

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/Donovoi/distributed-llama/quant"
)

// MatMulSlice describes one worker's row-range responsibility for a D×N
// weight matrix split S ways. D must be a multiple of S; D0 = D/S rows
// go to each worker.
type MatMulSlice struct {
	Type          quant.FloatType
	S             int
	D0            int
	N             int
	BytesPerSlice int
}

// NewMatMulSlice builds the shard descriptor for a D×N matrix of the given
// encoding split S ways. It panics if D is not a multiple of S or if N
// fails the encoding's block-alignment precondition (quant.RowStride).
func NewMatMulSlice(t quant.FloatType, s, n, d int) *MatMulSlice {
	if s < 1 {
		panic(fmt.Sprintf("shard: slice count must be >= 1, got %d", s))
	}
	if d%s != 0 {
		panic(fmt.Sprintf("shard: D=%d is not a multiple of S=%d", d, s))
	}
	d0 := d / s
	rowStride := quant.RowStride(t, n)
	return &MatMulSlice{
		Type:          t,
		S:             s,
		D0:            d0,
		N:             n,
		BytesPerSlice: d0 * rowStride,
	}
}

// rowStride returns the per-row byte width this slice's encoding implies
// for N elements.
func (m *MatMulSlice) rowStride() int {
	return quant.RowStride(m.Type, m.N)
}

// SplitWeights copies the contiguous byte region of srcBytes corresponding
// to output rows [sliceIndex*D0, (sliceIndex+1)*D0) into a freshly
// allocated buffer of length BytesPerSlice. srcBytes must be the full
// D×row_stride(Type, N) weight matrix in row-major order.
func (m *MatMulSlice) SplitWeights(sliceIndex int, srcBytes []byte) []byte {
	if sliceIndex < 0 || sliceIndex >= m.S {
		panic(fmt.Sprintf("shard: slice index %d out of range [0, %d)", sliceIndex, m.S))
	}
	start := sliceIndex * m.BytesPerSlice
	end := start + m.BytesPerSlice
	if end > len(srcBytes) {
		panic(fmt.Sprintf("shard: slice %d range [%d, %d) exceeds source length %d", sliceIndex, start, end, len(srcBytes)))
	}
	dest := make([]byte, m.BytesPerSlice)
	copy(dest, srcBytes[start:end])
	return dest
}

// MergeOutputs copies partialOutput's D0 values into
// fullOutput[sliceIndex*D0 : (sliceIndex+1)*D0). fullOutput must already be
// sized for the full D-length result; the slices written by different
// sliceIndex values never overlap.
func (m *MatMulSlice) MergeOutputs(sliceIndex int, fullOutput, partialOutput []float32) {
	if sliceIndex < 0 || sliceIndex >= m.S {
		panic(fmt.Sprintf("shard: slice index %d out of range [0, %d)", sliceIndex, m.S))
	}
	if len(partialOutput) != m.D0 {
		panic(fmt.Sprintf("shard: partial output length %d does not match D0=%d", len(partialOutput), m.D0))
	}
	start := sliceIndex * m.D0
	end := start + m.D0
	if end > len(fullOutput) {
		panic(fmt.Sprintf("shard: merge range [%d, %d) exceeds full output length %d", start, end, len(fullOutput)))
	}
	copy(fullOutput[start:end], partialOutput)
}

// SplitAll partitions srcBytes into m.S equal byte chunks, one per worker,
// in slice-index order. It is equivalent to calling SplitWeights for every
// sliceIndex but does the row-range arithmetic once via lo.Chunk rather
// than per call.
func (m *MatMulSlice) SplitAll(srcBytes []byte) [][]byte {
	if len(srcBytes) != m.BytesPerSlice*m.S {
		panic(fmt.Sprintf("shard: source length %d does not equal S*BytesPerSlice=%d", len(srcBytes), m.BytesPerSlice*m.S))
	}
	chunks := lo.Chunk(srcBytes, m.BytesPerSlice)
	out := make([][]byte, m.S)
	for i, c := range chunks {
		out[i] = append([]byte(nil), c...)
	}
	return out
}

// MergeAll reassembles a full D-length output vector from S partial
// outputs given in slice-index order.
func (m *MatMulSlice) MergeAll(partials [][]float32) []float32 {
	full := make([]float32, m.D0*m.S)
	for i, p := range partials {
		m.MergeOutputs(i, full, p)
	}
	return full
}
