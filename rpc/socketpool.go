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
	"fmt"
	"log"
	"net"
	"time"

	"github.com/pkg/errors"
)

// SocketPool is the root side of the protocol: one TCP connection per
// worker slice. Every method below dispatches a single request/response
// exchange on one slice's connection; fan-out across slices is the
// caller's responsibility (package engine does this concurrently).
type SocketPool struct {
	conns         []net.Conn
	counters      []*byteCounter
	lastRoundTrip []time.Duration
}

// Connect dials one TCP connection per (host, port) pair, in order; the
// resulting pool's slice index i corresponds to hosts[i]/ports[i]. A
// failed dial aborts the whole Connect call and closes any connections
// already opened.
func Connect(hosts []string, ports []int) (*SocketPool, error) {
	if len(hosts) != len(ports) {
		panic(fmt.Sprintf("rpc: hosts length %d does not match ports length %d", len(hosts), len(ports)))
	}
	p := &SocketPool{
		conns:         make([]net.Conn, len(hosts)),
		counters:      make([]*byteCounter, len(hosts)),
		lastRoundTrip: make([]time.Duration, len(hosts)),
	}
	for i := range hosts {
		addr := fmt.Sprintf("%s:%d", hosts[i], ports[i])
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			p.Close()
			return nil, errors.Wrapf(err, "rpc: dial slice %d at %s", i, addr)
		}
		log.Printf("rpc: connected to slice %d at %s", i, addr)
		p.conns[i] = conn
		p.counters[i] = &byteCounter{}
	}
	return p, nil
}

// NewSocketPoolFromConns builds a pool directly from already-established
// connections, bypassing Connect's dial step. Exercised by this package's
// own tests and by package engine's, which connect root and worker ends
// over a loopback listener rather than two separate processes.
func NewSocketPoolFromConns(conns []net.Conn) *SocketPool {
	p := &SocketPool{
		conns:         conns,
		counters:      make([]*byteCounter, len(conns)),
		lastRoundTrip: make([]time.Duration, len(conns)),
	}
	for i := range conns {
		p.counters[i] = &byteCounter{}
	}
	return p
}

// NumSlices returns the number of worker connections this pool holds.
func (p *SocketPool) NumSlices() int {
	return len(p.conns)
}

// Close closes every connection the pool holds, skipping any that are nil
// (a partially-constructed pool from a failed Connect).
func (p *SocketPool) Close() {
	for _, c := range p.conns {
		if c != nil {
			_ = c.Close()
		}
	}
}

// EnableTurbo switches every connection in the pool to turbo mode
// (TCP_NODELAY, non-blocking). It is meant to be called once, right after
// the HELLO handshake completes on every slice.
func (p *SocketPool) EnableTurbo() error {
	for i, c := range p.conns {
		tcpConn, ok := c.(*net.TCPConn)
		if !ok {
			continue
		}
		if err := enableTurbo(tcpConn); err != nil {
			return errors.Wrapf(err, "rpc: enable turbo mode on slice %d", i)
		}
	}
	return nil
}

func (p *SocketPool) checkSliceIndex(sliceIndex int) {
	if sliceIndex < 0 || sliceIndex >= len(p.conns) {
		panic(fmt.Sprintf("rpc: slice index %d out of range [0, %d)", sliceIndex, len(p.conns)))
	}
}

func (p *SocketPool) conn(sliceIndex int) *countedConn {
	p.checkSliceIndex(sliceIndex)
	return &countedConn{conn: p.conns[sliceIndex], counter: p.counters[sliceIndex]}
}

func (p *SocketPool) timeRoundTrip(sliceIndex int) func() {
	start := time.Now()
	return func() { p.lastRoundTrip[sliceIndex] = time.Since(start) }
}

// Hello sends the HELLO handshake to sliceIndex: its own index, the total
// slice count, and the opaque spec blob the worker needs to allocate its
// per-layer state.
func (p *SocketPool) Hello(sliceIndex int, sliceCount int, specBlob []byte) error {
	defer p.timeRoundTrip(sliceIndex)()
	cc := p.conn(sliceIndex)

	if _, err := cc.Write([]byte{ActionHello}); err != nil {
		return errors.Wrapf(err, "rpc: send HELLO action to slice %d", sliceIndex)
	}
	header := HelloHeader{SliceIndex: byte(sliceIndex), SliceCount: byte(sliceCount), SpecBlob: specBlob}
	if err := WriteHelloHeader(cc, header); err != nil {
		return errors.Wrapf(err, "rpc: send HELLO header to slice %d", sliceIndex)
	}
	return nil
}

// CreateFragment installs one sharded weight tensor at (layerIndex,
// fragType) on sliceIndex's worker.
func (p *SocketPool) CreateFragment(sliceIndex int, layerIndex, fragType byte, weights []byte) error {
	defer p.timeRoundTrip(sliceIndex)()
	cc := p.conn(sliceIndex)

	if _, err := cc.Write([]byte{ActionCreateFragment}); err != nil {
		return errors.Wrapf(err, "rpc: send CREATE_FRAGMENT action to slice %d", sliceIndex)
	}
	header := CreateFragmentHeader{SliceIndex: byte(sliceIndex), LayerIndex: layerIndex, FragType: fragType, Bytes: uint32(len(weights))}
	if err := WriteCreateFragmentHeader(cc, header); err != nil {
		return errors.Wrapf(err, "rpc: send CREATE_FRAGMENT header to slice %d", sliceIndex)
	}
	if _, err := cc.Write(weights); err != nil {
		return errors.Wrapf(err, "rpc: send CREATE_FRAGMENT payload to slice %d", sliceIndex)
	}
	return nil
}

// ForwardFragment asks sliceIndex's worker to run its local matmul for
// (layerIndex, fragType) against the currently staged input buffer.
func (p *SocketPool) ForwardFragment(sliceIndex int, layerIndex, fragType byte) error {
	defer p.timeRoundTrip(sliceIndex)()
	cc := p.conn(sliceIndex)

	if _, err := cc.Write([]byte{ActionForwardFragment}); err != nil {
		return errors.Wrapf(err, "rpc: send FORWARD_FRAGMENT action to slice %d", sliceIndex)
	}
	header := ForwardFragmentHeader{SliceIndex: byte(sliceIndex), LayerIndex: layerIndex, FragType: fragType}
	if err := WriteForwardFragmentHeader(cc, header); err != nil {
		return errors.Wrapf(err, "rpc: send FORWARD_FRAGMENT header to slice %d", sliceIndex)
	}
	return nil
}

// SendBuffer writes data into sliceIndex's worker scratch named by
// bufferIndex.
func (p *SocketPool) SendBuffer(sliceIndex int, bufferIndex byte, data []byte) error {
	defer p.timeRoundTrip(sliceIndex)()
	cc := p.conn(sliceIndex)

	if _, err := cc.Write([]byte{ActionSendBuffer}); err != nil {
		return errors.Wrapf(err, "rpc: send SEND_BUFFER action to slice %d", sliceIndex)
	}
	header := SendBufferHeader{SliceIndex: byte(sliceIndex), BufferIndex: bufferIndex, Bytes: uint32(len(data))}
	if err := WriteSendBufferHeader(cc, header); err != nil {
		return errors.Wrapf(err, "rpc: send SEND_BUFFER header to slice %d", sliceIndex)
	}
	if _, err := cc.Write(data); err != nil {
		return errors.Wrapf(err, "rpc: send SEND_BUFFER payload to slice %d", sliceIndex)
	}
	return nil
}

// ReadBuffer sends a root-initiated SEND_BUFFER header carrying no
// payload, then reads back exactly len(dest) bytes from the worker's
// scratch named by bufferIndex — the read-back direction of SEND_BUFFER's
// contextual payload.
func (p *SocketPool) ReadBuffer(sliceIndex int, bufferIndex byte, dest []byte) error {
	defer p.timeRoundTrip(sliceIndex)()
	cc := p.conn(sliceIndex)

	if _, err := cc.Write([]byte{ActionSendBuffer}); err != nil {
		return errors.Wrapf(err, "rpc: send SEND_BUFFER (read) action to slice %d", sliceIndex)
	}
	header := SendBufferHeader{SliceIndex: byte(sliceIndex), BufferIndex: bufferIndex, Bytes: uint32(len(dest))}
	if err := WriteSendBufferHeader(cc, header); err != nil {
		return errors.Wrapf(err, "rpc: send SEND_BUFFER (read) header to slice %d", sliceIndex)
	}
	if _, err := cc.Read(dest); err != nil {
		return errors.Wrapf(err, "rpc: read SEND_BUFFER payload from slice %d", sliceIndex)
	}
	return nil
}

// Stats samples and resets the pool's aggregate sent/received byte
// counters across every slice.
func (p *SocketPool) Stats() Stats {
	var total Stats
	for _, c := range p.counters {
		s := c.sampleAndReset()
		total.SentBytes += s.SentBytes
		total.RecvBytes += s.RecvBytes
	}
	return total
}

// LastRoundTrip returns the wall-clock duration of the most recent
// request/response exchange on sliceIndex's connection. It is
// diagnostic-only: no retry or timeout decision depends on it.
func (p *SocketPool) LastRoundTrip(sliceIndex int) time.Duration {
	if sliceIndex < 0 || sliceIndex >= len(p.lastRoundTrip) {
		panic(fmt.Sprintf("rpc: slice index %d out of range [0, %d)", sliceIndex, len(p.lastRoundTrip)))
	}
	return p.lastRoundTrip[sliceIndex]
}
