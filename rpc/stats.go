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
	"net"
	"sync/atomic"
)

// Stats is a snapshot of bytes moved since the last sample-and-reset.
type Stats struct {
	SentBytes uint64
	RecvBytes uint64
}

// byteCounter tracks cumulative sent/received bytes for one connection; a
// SocketPool holds one per slice and sums them in Stats.
// Sample is atomic with respect to a single observer, matching the
// original design's single-caller getStats contract — it is not meant to
// be called concurrently with itself.
type byteCounter struct {
	sent uint64
	recv uint64
}

func (c *byteCounter) addSent(n int) {
	atomic.AddUint64(&c.sent, uint64(n))
}

func (c *byteCounter) addRecv(n int) {
	atomic.AddUint64(&c.recv, uint64(n))
}

// sampleAndReset reads the counters and zeroes them, returning the values
// observed before the reset.
func (c *byteCounter) sampleAndReset() Stats {
	return Stats{
		SentBytes: atomic.SwapUint64(&c.sent, 0),
		RecvBytes: atomic.SwapUint64(&c.recv, 0),
	}
}

// countedConn adapts a net.Conn to io.Reader/io.Writer, routing every
// Read/Write through the turbo-mode retry loop and tallying bytes moved
// in a byteCounter. Reads and writes always fill/drain the full buffer
// or return an error — there is no short-read/short-write case for a
// caller to handle.
type countedConn struct {
	conn    net.Conn
	counter *byteCounter
}

func (c *countedConn) Write(p []byte) (int, error) {
	if err := turboWrite(c.conn, p); err != nil {
		return 0, err
	}
	c.counter.addSent(len(p))
	return len(p), nil
}

func (c *countedConn) Read(p []byte) (int, error) {
	if err := turboRead(c.conn, p); err != nil {
		return 0, err
	}
	c.counter.addRecv(len(p))
	return len(p), nil
}
