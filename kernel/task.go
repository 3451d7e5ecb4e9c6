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

// Package kernel implements the single-threaded inner-product kernels for
// each encoding pair the engine supports: F32×F32, F16×F32, and Q40×Q80.
// Dispatch is an exhaustive switch over quant.FloatType rather than a
// re-interpreted raw pointer, trading a branch per call for a dispatch
// surface the compiler and a reader can both check exhaustively.
package kernel

import (
	"fmt"

	"github.com/Donovoi/distributed-llama/quant"
)

// Task is one thread's slice of a matmul: the row range [Ds, De) of
// Weights to multiply against Input, writing into Output[Ds:De). The
// synchronization fields (mutex, condition variable, goroutine handle) for
// the thread that runs a Task live in package threadpool, not here.
type Task struct {
	// Output holds the full D-length result vector; Compute writes only
	// Output[Ds:De).
	Output []float32
	// Input is the N-element F32 activation vector. The Q40 path does not
	// read it; it reads QInput instead.
	Input []float32
	// QInput is the Q80-encoded form of Input, populated by the caller
	// only when Type == Q40.
	QInput []byte
	// Weights is the full D×row_stride(Type,N) byte buffer; Compute reads
	// only rows [Ds, De).
	Weights []byte
	Type    quant.FloatType
	N       int
	Ds, De  int
}

func (t *Task) validate() {
	if t.Ds < 0 || t.De < t.Ds {
		panic(fmt.Sprintf("kernel: invalid row range [%d, %d)", t.Ds, t.De))
	}
	if t.De > len(t.Output) {
		panic(fmt.Sprintf("kernel: row range end %d exceeds output length %d", t.De, len(t.Output)))
	}
	if t.Type == quant.Q40 && t.N%quant.QK40 != 0 {
		panic(fmt.Sprintf("kernel: Q40 requires N%%%d == 0, got N=%d", quant.QK40, t.N))
	}
}

// Compute fills Output[Ds:De) with the inner products of weight rows
// [Ds, De) against Input. Misaligned dimensions or an unknown encoding are
// programmer errors and panic rather than return an error.
func Compute(t *Task) {
	t.validate()
	switch t.Type {
	case quant.F32:
		computeF32(t)
	case quant.F16:
		computeF16(t)
	case quant.Q40:
		computeQ40(t)
	default:
		panic(fmt.Sprintf("kernel: unknown encoding %v", t.Type))
	}
}
