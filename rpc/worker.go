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

package rpc

import (
	"encoding/binary"
	"log"
	"math"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/Donovoi/distributed-llama/quant"
	"github.com/Donovoi/distributed-llama/threadpool"
)

// workerState is this worker connection's position in the protocol's
// state machine: UNINITIALIZED until HELLO arrives, READY after.
type workerState int

const (
	stateUninitialized workerState = iota
	stateReady
)

type fragKey struct {
	layerIndex byte
	fragType   byte
}

// FragmentDims resolves the numeric encoding and input width N for a
// weight fragment identified by (layerIndex, fragType). Its
// implementation is owned by the transformer-configuration collaborator,
// which is out of scope here — package rpc only needs the answer to size
// and dispatch the local matmul.
type FragmentDims func(layerIndex, fragType byte) (quant.FloatType, int)

// Worker serves one root connection: it holds installed weight fragments,
// named scratch buffers, and a thread pool to run FORWARD_FRAGMENT
// requests against. There is no terminal protocol state; the connection
// closing is the only shutdown signal.
type Worker struct {
	conn    net.Conn
	counter byteCounter
	state   workerState

	sliceIndex byte
	sliceCount byte
	specBlob   []byte

	// mu guards fragments and buffers, which Serve's single goroutine
	// mutates and which tests (and future diagnostics) read from outside
	// that goroutine.
	mu        sync.Mutex
	fragments map[fragKey][]byte
	buffers   map[byte][]byte

	pool       *threadpool.Pool
	dims       FragmentDims
	inputBuf   byte
	outputBuf  byte
	specBlobSz int
}

// NewWorker constructs a worker ready to Serve one connection. inputBuf
// and outputBuf are the SEND_BUFFER buffer indices the caller has agreed
// with the root to use as FORWARD_FRAGMENT's staged input and the
// destination for its partial output. specBlobLen is the compile-time
// length of the opaque HELLO spec blob.
func NewWorker(conn net.Conn, pool *threadpool.Pool, dims FragmentDims, inputBuf, outputBuf byte, specBlobLen int) *Worker {
	return &Worker{
		conn:       conn,
		fragments:  make(map[fragKey][]byte),
		buffers:    make(map[byte][]byte),
		pool:       pool,
		dims:       dims,
		inputBuf:   inputBuf,
		outputBuf:  outputBuf,
		specBlobSz: specBlobLen,
	}
}

// Accept listens on addr and blocks until one connection arrives,
// returning a Worker wrapping it. Only one connection is accepted; a
// worker process serves exactly one root.
func Accept(addr string, pool *threadpool.Pool, dims FragmentDims, inputBuf, outputBuf byte, specBlobLen int) (*Worker, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "rpc: listen on %s", addr)
	}
	defer listener.Close()

	conn, err := listener.Accept()
	if err != nil {
		return nil, errors.Wrap(err, "rpc: accept root connection")
	}
	log.Printf("rpc: accepted root connection from %s", conn.RemoteAddr())
	return NewWorker(conn, pool, dims, inputBuf, outputBuf, specBlobLen), nil
}

func (w *Worker) cc() *countedConn {
	return &countedConn{conn: w.conn, counter: &w.counter}
}

// EnableTurbo switches this worker's connection to turbo mode.
func (w *Worker) EnableTurbo() error {
	tcpConn, ok := w.conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return enableTurbo(tcpConn)
}

// Serve reads and dispatches one request per iteration until the
// connection is closed or a protocol violation occurs, at which point it
// returns the error that ended the loop (an error wrapping io.EOF on a
// clean close).
func (w *Worker) Serve() error {
	cc := w.cc()
	action := make([]byte, 1)
	for {
		if _, err := cc.Read(action); err != nil {
			return err
		}
		if err := w.dispatch(action[0]); err != nil {
			return err
		}
	}
}

func (w *Worker) dispatch(action byte) error {
	switch action {
	case ActionHello:
		return w.handleHello()
	case ActionCreateFragment:
		return w.handleCreateFragment()
	case ActionForwardFragment:
		return w.handleForwardFragment()
	case ActionSendBuffer:
		return w.handleSendBuffer()
	default:
		return errors.Errorf("rpc: protocol violation: unknown action code %d", action)
	}
}

func (w *Worker) handleHello() error {
	h, err := ReadHelloHeader(w.cc(), w.specBlobSz)
	if err != nil {
		return err
	}
	w.sliceIndex = h.SliceIndex
	w.sliceCount = h.SliceCount
	w.specBlob = h.SpecBlob
	w.state = stateReady
	log.Printf("rpc: worker slice %d/%d moved to READY", w.sliceIndex, w.sliceCount)
	return nil
}

func (w *Worker) requireReady(action string) error {
	if w.state != stateReady {
		return errors.Errorf("rpc: protocol violation: %s before HELLO", action)
	}
	return nil
}

func (w *Worker) handleCreateFragment() error {
	if err := w.requireReady("CREATE_FRAGMENT"); err != nil {
		return err
	}
	cc := w.cc()
	h, err := ReadCreateFragmentHeader(cc)
	if err != nil {
		return err
	}
	payload := make([]byte, h.Bytes)
	if _, err := cc.Read(payload); err != nil {
		return errors.Wrap(err, "rpc: read CREATE_FRAGMENT payload")
	}
	w.mu.Lock()
	w.fragments[fragKey{h.LayerIndex, h.FragType}] = payload
	w.mu.Unlock()
	log.Printf("rpc: installed fragment layer=%d type=%d bytes=%d", h.LayerIndex, h.FragType, h.Bytes)
	return nil
}

// FragmentBytes returns the raw weight bytes installed for (layerIndex,
// fragType), if any. Safe to call concurrently with Serve.
func (w *Worker) FragmentBytes(layerIndex, fragType byte) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.fragments[fragKey{layerIndex, fragType}]
	return b, ok
}

func (w *Worker) handleForwardFragment() error {
	if err := w.requireReady("FORWARD_FRAGMENT"); err != nil {
		return err
	}
	h, err := ReadForwardFragmentHeader(w.cc())
	if err != nil {
		return err
	}
	layerIndex := h.LayerIndex
	fragType := h.FragType

	key := fragKey{layerIndex, fragType}
	w.mu.Lock()
	weights, ok := w.fragments[key]
	inputBytes, inputOk := w.buffers[w.inputBuf]
	w.mu.Unlock()
	if !ok {
		return errors.Errorf("rpc: protocol violation: FORWARD_FRAGMENT for uninstalled fragment layer=%d type=%d", layerIndex, fragType)
	}
	if !inputOk {
		return errors.Errorf("rpc: protocol violation: FORWARD_FRAGMENT before input buffer %d was staged", w.inputBuf)
	}

	typ, n := w.dims(layerIndex, fragType)
	input := bytesToFloat32LE(inputBytes)
	if len(input) != n {
		return errors.Errorf("rpc: staged input has %d elements, fragment expects N=%d", len(input), n)
	}
	rowStride := quant.RowStride(typ, n)
	if rowStride == 0 || len(weights)%rowStride != 0 {
		return errors.Errorf("rpc: fragment weight length %d is not a multiple of row stride %d", len(weights), rowStride)
	}
	d := len(weights) / rowStride

	output := make([]float32, d)
	threadpool.Mul(w.pool, typ, output, input, weights, n, d)
	w.mu.Lock()
	w.buffers[w.outputBuf] = float32ToBytesLE(output)
	w.mu.Unlock()
	return nil
}

func (w *Worker) handleSendBuffer() error {
	if err := w.requireReady("SEND_BUFFER"); err != nil {
		return err
	}
	cc := w.cc()
	h, err := ReadSendBufferHeader(cc)
	if err != nil {
		return err
	}
	bufferIndex := h.BufferIndex
	n := h.Bytes

	// Direction is fixed by buffer-index convention, agreed with the root
	// out of band: the designated output buffer is always read back by the
	// root and never written to it; every other buffer index is a
	// root-to-worker write.
	if bufferIndex == w.outputBuf {
		w.mu.Lock()
		existing, ok := w.buffers[bufferIndex]
		w.mu.Unlock()
		if !ok || uint32(len(existing)) != n {
			return errors.Errorf("rpc: protocol violation: read-back of buffer %d wants %d bytes, have %d", bufferIndex, n, len(existing))
		}
		if _, err := cc.Write(existing); err != nil {
			return errors.Wrap(err, "rpc: write SEND_BUFFER read-back payload")
		}
		return nil
	}

	payload := make([]byte, n)
	if _, err := cc.Read(payload); err != nil {
		return errors.Wrap(err, "rpc: read SEND_BUFFER payload")
	}
	w.mu.Lock()
	w.buffers[bufferIndex] = payload
	w.mu.Unlock()
	return nil
}

func bytesToFloat32LE(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(b[4*i : 4*i+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func float32ToBytesLE(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:4*i+4], math.Float32bits(f))
	}
	return out
}
