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

// Package threadpool implements the fixed worker-thread pool that
// parallelizes one matmul's output rows across T goroutines, using a
// per-thread mutex+condition-variable task slot rather than a shared work
// queue. Each worker owns one slot for its entire lifetime: Mul writes a
// task into every slot and wakes its worker, then blocks until all T
// workers have signaled their result back. A channel-based work queue or
// an atomic dispatch counter would also satisfy the row-partition
// contract, but the fixed-slot design keeps per-dispatch allocation at
// zero and makes the wait-for-all barrier a plain per-slot condition
// check.
package threadpool

import (
	"fmt"
	"sync"

	"github.com/Donovoi/distributed-llama/kernel"
	"github.com/Donovoi/distributed-llama/quant"
)

// slot is one worker goroutine's task record. The goroutine itself is the
// implicit thread handle: it is spawned once in New and parked on this
// slot's condition variable for the life of the process.
type slot struct {
	mu   sync.Mutex
	cond *sync.Cond

	hasTask   bool
	hasResult bool

	output  []float32
	input   []float32
	qinput  []byte
	weights []byte
	typ     quant.FloatType
	n       int
	ds, de  int
}

// Pool owns T worker goroutines, each parked on its own slot's condition
// variable until Mul dispatches a task to it.
type Pool struct {
	slots []*slot
}

// New spawns t persistent worker goroutines and returns the pool that
// dispatches to them. t must be >= 1. Workers run for the life of the
// process; there is no Close/join path, so a Pool is meant to live as long
// as the program does.
func New(t int) *Pool {
	if t < 1 {
		panic(fmt.Sprintf("threadpool: thread count must be >= 1, got %d", t))
	}
	p := &Pool{slots: make([]*slot, t)}
	for i := range p.slots {
		s := &slot{}
		s.cond = sync.NewCond(&s.mu)
		p.slots[i] = s
		go workerLoop(s)
	}
	return p
}

// workerLoop is the per-thread lifecycle: park on cond until hasTask, run
// the kernel, signal hasResult, repeat forever. A thread that begins a
// task runs it to completion — there is no cancellation path.
func workerLoop(s *slot) {
	for {
		s.mu.Lock()
		for !s.hasTask {
			s.cond.Wait()
		}
		s.hasTask = false
		output, input, qinput, weights, typ, n, ds, de := s.output, s.input, s.qinput, s.weights, s.typ, s.n, s.ds, s.de
		s.mu.Unlock()

		kernel.Compute(&kernel.Task{
			Output:  output,
			Input:   input,
			QInput:  qinput,
			Weights: weights,
			Type:    typ,
			N:       n,
			Ds:      ds,
			De:      de,
		})

		s.mu.Lock()
		s.hasResult = true
		s.cond.Signal()
		s.mu.Unlock()
	}
}

// Mul dispatches one matmul across the pool's T threads, splitting D rows
// into T nearly-equal strips [i*D/T, (i+1)*D/T), and blocks until every
// thread has written its strip of output. Concurrent Mul calls on the same
// pool are not supported — callers must serialize.
//
// If typ is quant.Q40, input is quantized to a fresh Q80 scratch buffer
// before dispatch and that scratch is used as every thread's effective
// input; the scratch is discarded when Mul returns.
func Mul(p *Pool, typ quant.FloatType, output, input []float32, weights []byte, n, d int) {
	var qinput []byte
	effectiveInput := input
	if typ == quant.Q40 {
		qinput = make([]byte, quant.RowStride(quant.Q80, n))
		quant.QuantizeRow(input, qinput)
	}

	t := len(p.slots)
	for i, s := range p.slots {
		ds := i * d / t
		de := (i + 1) * d / t

		s.mu.Lock()
		s.output = output
		s.input = effectiveInput
		s.qinput = qinput
		s.weights = weights
		s.typ = typ
		s.n = n
		s.ds = ds
		s.de = de
		s.hasTask = true
		s.cond.Signal()
		s.mu.Unlock()
	}

	for _, s := range p.slots {
		s.mu.Lock()
		for !s.hasResult {
			s.cond.Wait()
		}
		s.hasResult = false
		s.mu.Unlock()
	}
}

// NumThreads returns the pool's fixed thread count T.
func (p *Pool) NumThreads() int {
	return len(p.slots)
}
