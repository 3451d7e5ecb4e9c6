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
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Donovoi/distributed-llama/quant"
)

func f32RowsToBytes(rows [][]float32) []byte {
	buf := make([]byte, 0, len(rows)*len(rows[0])*4)
	for _, row := range rows {
		for _, v := range row {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			buf = append(buf, b[:]...)
		}
	}
	return buf
}

// F32, N=8, D=4, input=[1..8], weights rows = [all 1s, [1,-1]×4, zero row,
// [1,0,...,0]] -> [36, -4, 0, 1].
func TestScenario1_F32(t *testing.T) {
	n := 8
	input := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	rows := [][]float32{
		{1, 1, 1, 1, 1, 1, 1, 1},
		{1, -1, 1, -1, 1, -1, 1, -1},
		{0, 0, 0, 0, 0, 0, 0, 0},
		{1, 0, 0, 0, 0, 0, 0, 0},
	}
	weights := f32RowsToBytes(rows)
	output := make([]float32, len(rows))

	task := &Task{
		Output:  output,
		Input:   input,
		Weights: weights,
		Type:    quant.F32,
		N:       n,
		Ds:      0,
		De:      len(rows),
	}
	Compute(task)

	want := []float32{36, -4, 0, 1}
	for i := range want {
		assert.InDelta(t, want[i], output[i], 1e-4, "row %d", i)
	}
}

// Scenario 2: same as #1 but weights are F16, expect result within 1e-3
// relative of the F32 scenario.
func TestScenario2_F16WithinToleranceOfF32(t *testing.T) {
	n := 8
	input := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	rows := [][]float32{
		{1, 1, 1, 1, 1, 1, 1, 1},
		{1, -1, 1, -1, 1, -1, 1, -1},
		{0, 0, 0, 0, 0, 0, 0, 0},
		{1, 0, 0, 0, 0, 0, 0, 0},
	}
	weights := make([]byte, 0, len(rows)*n*2)
	for _, row := range rows {
		for _, v := range row {
			h := quant.F32ToF16(v)
			weights = append(weights, byte(h), byte(h>>8))
		}
	}
	output := make([]float32, len(rows))
	task := &Task{
		Output:  output,
		Input:   input,
		Weights: weights,
		Type:    quant.F16,
		N:       n,
		Ds:      0,
		De:      len(rows),
	}
	Compute(task)

	want := []float32{36, -4, 0, 1}
	for i := range want {
		if want[i] == 0 {
			assert.InDelta(t, 0, output[i], 1e-3)
			continue
		}
		rel := math.Abs(float64(output[i]-want[i]) / float64(want[i]))
		assert.LessOrEqual(t, rel, 1e-3, "row %d", i)
	}
}

// Scenario 3: Q40, N=32, D=2, weights = block {d=0.1, nibbles=0x88
// repeated}, input=[1]*32 -> output = [0, 0] (nibble 8-8 == 0).
func TestScenario3_Q40ZeroNibble(t *testing.T) {
	n := 32
	block := make([]byte, quant.BlockSizeQ40)
	dBits := quant.F32ToF16(0.1)
	block[0] = byte(dBits)
	block[1] = byte(dBits >> 8)
	for i := range block[2:] {
		block[2+i] = 0x88
	}
	weights := append(append([]byte{}, block...), block...)

	input := make([]float32, n)
	for i := range input {
		input[i] = 1
	}
	qinput := make([]byte, quant.RowStride(quant.Q80, n))
	quant.QuantizeRow(input, qinput)

	output := make([]float32, 2)
	task := &Task{
		Output:  output,
		Input:   input,
		QInput:  qinput,
		Weights: weights,
		Type:    quant.Q40,
		N:       n,
		Ds:      0,
		De:      2,
	}
	Compute(task)

	assert.InDelta(t, 0, output[0], 1e-6)
	assert.InDelta(t, 0, output[1], 1e-6)
}

// Boundary: N == QK40 (single block) for Q40.
func TestBoundary_Q40SingleBlock(t *testing.T) {
	n := quant.QK40
	input := make([]float32, n)
	for i := range input {
		input[i] = float32(i) * 0.1
	}
	qinput := make([]byte, quant.RowStride(quant.Q80, n))
	quant.QuantizeRow(input, qinput)

	weightsF32 := make([]float32, n)
	for i := range weightsF32 {
		weightsF32[i] = float32(i%5) - 2
	}
	wblock := make([]byte, quant.BlockSizeQ40)
	quantizeQ40Block(weightsF32, wblock)

	output := make([]float32, 1)
	task := &Task{
		Output:  output,
		Input:   input,
		QInput:  qinput,
		Weights: wblock,
		Type:    quant.Q40,
		N:       n,
		Ds:      0,
		De:      1,
	}
	Compute(task)
	require.Len(t, output, 1)
}

// quantizeQ40Block is a small test helper that encodes a single Q40 block
// the same way a model loader would. The engine itself never quantizes
// weights; it only ever consumes pre-quantized weight bytes.
func quantizeQ40Block(values []float32, block []byte) {
	var amax float32
	for _, v := range values {
		av := v
		if av < 0 {
			av = -av
		}
		if av > amax {
			amax = av
		}
	}
	d := amax / 7.0
	var id float32
	if d > 0 {
		id = 1 / d
	}
	dBits := quant.F32ToF16(d)
	block[0] = byte(dBits)
	block[1] = byte(dBits >> 8)
	for i := 0; i < 16; i++ {
		lo := clampNibble(values[i] * id)
		hi := clampNibble(values[16+i] * id)
		block[2+i] = (hi << 4) | lo
	}
}

func clampNibble(v float32) byte {
	q := int32(v + 8.5)
	if q < 0 {
		q = 0
	} else if q > 15 {
		q = 15
	}
	return byte(q)
}

// Boundary: zero row (all weights zero) -> output zero, F32 encoding.
func TestBoundary_ZeroRowF32(t *testing.T) {
	n := 4
	input := []float32{1, 2, 3, 4}
	weights := f32RowsToBytes([][]float32{{0, 0, 0, 0}})
	output := make([]float32, 1)
	Compute(&Task{Output: output, Input: input, Weights: weights, Type: quant.F32, N: n, Ds: 0, De: 1})
	assert.Equal(t, float32(0), output[0])
}

// Boundary: N == 4, the F32 SIMD lane-width boundary.
func TestBoundary_N4SIMDWidth(t *testing.T) {
	n := 4
	input := []float32{1, 2, 3, 4}
	weights := f32RowsToBytes([][]float32{{1, 1, 1, 1}})
	output := make([]float32, 1)
	Compute(&Task{Output: output, Input: input, Weights: weights, Type: quant.F32, N: n, Ds: 0, De: 1})
	assert.InDelta(t, float32(10), output[0], 1e-6)
}

// Invariant: single-thread and multi-thread dispatch (simulated here by
// calling Compute over disjoint row ranges directly, since thread
// orchestration lives in package threadpool) produce identical F32 output.
func TestInvariant_RowRangeSplitMatchesWhole(t *testing.T) {
	n, d := 16, 8
	input := make([]float32, n)
	for i := range input {
		input[i] = float32(i%7) - 3
	}
	rows := make([][]float32, d)
	for r := range rows {
		row := make([]float32, n)
		for i := range row {
			row[i] = float32((i+r)%5) - 2
		}
		rows[r] = row
	}
	weights := f32RowsToBytes(rows)

	whole := make([]float32, d)
	Compute(&Task{Output: whole, Input: input, Weights: weights, Type: quant.F32, N: n, Ds: 0, De: d})

	split := make([]float32, d)
	mid := d / 2
	Compute(&Task{Output: split, Input: input, Weights: weights, Type: quant.F32, N: n, Ds: 0, De: mid})
	Compute(&Task{Output: split, Input: input, Weights: weights, Type: quant.F32, N: n, Ds: mid, De: d})

	for i := range whole {
		assert.Equal(t, whole[i], split[i], "row %d", i)
	}
}
