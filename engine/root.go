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

// Package engine drives one sharded tensor multiply across every worker
// slice in a socket pool: broadcast the input, forward each worker's
// fragment, gather the partial outputs, and reassemble the full-width
// result. It is the composition root for packages shard and rpc — neither
// package depends on the other, and something has to call both.
package engine

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/Donovoi/distributed-llama/rpc"
	"github.com/Donovoi/distributed-llama/shard"
)

// Root orchestrates a fixed set of workers against one weight shard plan.
// It holds no per-layer state of its own; layerIndex and fragType are
// supplied on every call so one Root can drive forward passes across all
// layers of a model.
type Root struct {
	pool      *rpc.SocketPool
	slice     *shard.MatMulSlice
	inputBuf  byte
	outputBuf byte
}

// NewRoot builds an orchestrator over pool, whose NumSlices must equal
// slice.S. inputBuf and outputBuf must match the buffer indices the
// workers were constructed with (rpc.NewWorker's inputBuf/outputBuf
// arguments) — this agreement is out of band, the same way the wire
// protocol's SEND_BUFFER direction is.
func NewRoot(pool *rpc.SocketPool, slice *shard.MatMulSlice, inputBuf, outputBuf byte) *Root {
	if pool.NumSlices() != slice.S {
		panic(fmt.Sprintf("engine: pool has %d slices, shard plan expects %d", pool.NumSlices(), slice.S))
	}
	return &Root{pool: pool, slice: slice, inputBuf: inputBuf, outputBuf: outputBuf}
}

// Forward runs one distributed matmul for (layerIndex, fragType): every
// worker receives input, computes its local D0-row fragment, and returns
// its partial output. Fan-out is concurrent; fan-in waits on every
// worker before Forward returns. Any single worker error aborts the
// whole call — there is no retry and no partial-result recovery.
func (r *Root) Forward(layerIndex int, fragType byte, input []float32) ([]float32, error) {
	s := r.slice.S
	partials := make([][]float32, s)
	errs := make([]error, s)

	var wg sync.WaitGroup
	for i := range s {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			partials[i], errs[i] = r.forwardOne(i, layerIndex, fragType, input)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "engine: slice %d", i)
		}
	}

	return r.slice.MergeAll(partials), nil
}

func (r *Root) forwardOne(sliceIndex, layerIndex int, fragType byte, input []float32) ([]float32, error) {
	inputBytes := float32ToBytesLE(input)
	if err := r.pool.SendBuffer(sliceIndex, r.inputBuf, inputBytes); err != nil {
		return nil, errors.Wrap(err, "stage input buffer")
	}
	if err := r.pool.ForwardFragment(sliceIndex, byte(layerIndex), fragType); err != nil {
		return nil, errors.Wrap(err, "forward fragment")
	}

	partial := make([]float32, r.slice.D0)
	dest := make([]byte, len(partial)*4)
	if err := r.pool.ReadBuffer(sliceIndex, r.outputBuf, dest); err != nil {
		return nil, errors.Wrap(err, "read back partial output")
	}
	bytesToFloat32LEInto(dest, partial)
	return partial, nil
}
