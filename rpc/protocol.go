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

// Package rpc implements the root↔worker wire protocol: fixed-length
// binary frames over a TCP stream per (root, worker) pair, carrying four
// actions — HELLO, CREATE_FRAGMENT, FORWARD_FRAGMENT, SEND_BUFFER. Every
// request is a 1-byte action code followed by a fixed, action-specific
// header, optionally followed by a payload whose length the header
// determines. Responses are raw payloads with no reply header; the caller
// already knows the expected length.
//
// This is the one package in the module that owns process-lifetime
// network I/O, so it is also the one package that logs: connection
// established or accepted, state transition, fragment installed. Errors
// are returned to the caller, not logged; the package does not retry or
// reconnect.
package rpc

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Action codes, matching the four RPCs the wire protocol carries.
const (
	ActionHello           byte = 0
	ActionCreateFragment  byte = 1
	ActionForwardFragment byte = 2
	ActionSendBuffer      byte = 3
)

// HelloHeader is ACTION_HELLO's fixed header: sliceIndex, sliceCount, and
// an opaque self-delimiting spec blob whose layout belongs to the
// transformer-configuration collaborator, not this package.
type HelloHeader struct {
	SliceIndex byte
	SliceCount byte
	SpecBlob   []byte
}

// CreateFragmentHeader is ACTION_CREATE_FRAGMENT's fixed header. Bytes
// gives the length of the weight-fragment payload that follows.
type CreateFragmentHeader struct {
	SliceIndex byte
	LayerIndex byte
	FragType   byte
	Bytes      uint32
}

// ForwardFragmentHeader is ACTION_FORWARD_FRAGMENT's fixed header. It
// carries no payload: the worker already holds the staged input buffer
// and the installed weight fragment it names.
type ForwardFragmentHeader struct {
	SliceIndex byte
	LayerIndex byte
	FragType   byte
}

// SendBufferHeader is ACTION_SEND_BUFFER's fixed header. Bytes gives the
// payload length for a root-to-worker write, or the expected read length
// for a root-initiated read-back; direction is contextual, decided by the
// caller rather than carried on the wire.
type SendBufferHeader struct {
	SliceIndex  byte
	BufferIndex byte
	Bytes       uint32
}

// ReadHelloHeader decodes a HELLO header from r. specBlobLen is the
// compile-time-known length of the spec blob both sides agree on.
func ReadHelloHeader(r io.Reader, specBlobLen int) (HelloHeader, error) {
	var h HelloHeader
	buf := make([]byte, 2+specBlobLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, errors.Wrap(err, "rpc: read HELLO header")
	}
	h.SliceIndex = buf[0]
	h.SliceCount = buf[1]
	h.SpecBlob = append([]byte(nil), buf[2:]...)
	return h, nil
}

// WriteHelloHeader encodes h and writes it to w.
func WriteHelloHeader(w io.Writer, h HelloHeader) error {
	buf := make([]byte, 2+len(h.SpecBlob))
	buf[0] = h.SliceIndex
	buf[1] = h.SliceCount
	copy(buf[2:], h.SpecBlob)
	_, err := w.Write(buf)
	if err != nil {
		return errors.Wrap(err, "rpc: write HELLO header")
	}
	return nil
}

const createFragmentHeaderLen = 1 + 1 + 1 + 4

// ReadCreateFragmentHeader decodes a CREATE_FRAGMENT header from r.
func ReadCreateFragmentHeader(r io.Reader) (CreateFragmentHeader, error) {
	var h CreateFragmentHeader
	buf := make([]byte, createFragmentHeaderLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, errors.Wrap(err, "rpc: read CREATE_FRAGMENT header")
	}
	h.SliceIndex = buf[0]
	h.LayerIndex = buf[1]
	h.FragType = buf[2]
	h.Bytes = binary.LittleEndian.Uint32(buf[3:7])
	return h, nil
}

// WriteCreateFragmentHeader encodes h and writes it to w.
func WriteCreateFragmentHeader(w io.Writer, h CreateFragmentHeader) error {
	buf := make([]byte, createFragmentHeaderLen)
	buf[0] = h.SliceIndex
	buf[1] = h.LayerIndex
	buf[2] = h.FragType
	binary.LittleEndian.PutUint32(buf[3:7], h.Bytes)
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "rpc: write CREATE_FRAGMENT header")
	}
	return nil
}

const forwardFragmentHeaderLen = 3

// ReadForwardFragmentHeader decodes a FORWARD_FRAGMENT header from r.
func ReadForwardFragmentHeader(r io.Reader) (ForwardFragmentHeader, error) {
	var h ForwardFragmentHeader
	buf := make([]byte, forwardFragmentHeaderLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, errors.Wrap(err, "rpc: read FORWARD_FRAGMENT header")
	}
	h.SliceIndex = buf[0]
	h.LayerIndex = buf[1]
	h.FragType = buf[2]
	return h, nil
}

// WriteForwardFragmentHeader encodes h and writes it to w.
func WriteForwardFragmentHeader(w io.Writer, h ForwardFragmentHeader) error {
	buf := []byte{h.SliceIndex, h.LayerIndex, h.FragType}
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "rpc: write FORWARD_FRAGMENT header")
	}
	return nil
}

const sendBufferHeaderLen = 1 + 1 + 4

// ReadSendBufferHeader decodes a SEND_BUFFER header from r.
func ReadSendBufferHeader(r io.Reader) (SendBufferHeader, error) {
	var h SendBufferHeader
	buf := make([]byte, sendBufferHeaderLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, errors.Wrap(err, "rpc: read SEND_BUFFER header")
	}
	h.SliceIndex = buf[0]
	h.BufferIndex = buf[1]
	h.Bytes = binary.LittleEndian.Uint32(buf[2:6])
	return h, nil
}

// WriteSendBufferHeader encodes h and writes it to w.
func WriteSendBufferHeader(w io.Writer, h SendBufferHeader) error {
	buf := make([]byte, sendBufferHeaderLen)
	buf[0] = h.SliceIndex
	buf[1] = h.BufferIndex
	binary.LittleEndian.PutUint32(buf[2:6], h.Bytes)
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "rpc: write SEND_BUFFER header")
	}
	return nil
}
