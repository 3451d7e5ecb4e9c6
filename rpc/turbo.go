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
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// enableTurbo sets TCP_NODELAY and non-blocking mode on conn's underlying
// file descriptor. Turbo mode trades a busy-loop on EAGAIN for lower
// per-layer hop latency; writers and readers on a turbo socket retry
// short sends/receives in place rather than blocking in the kernel.
func enableTurbo(conn *net.TCPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "rpc: obtain raw connection for turbo mode")
	}

	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); e != nil {
			sockErr = e
			return
		}
		if e := unix.SetNonblock(int(fd), true); e != nil {
			sockErr = e
		}
	})
	if ctrlErr != nil {
		return errors.Wrap(ctrlErr, "rpc: control raw connection for turbo mode")
	}
	if sockErr != nil {
		return errors.Wrap(sockErr, "rpc: set turbo socket options")
	}
	return nil
}

// isEAGAIN reports whether err is the "try again" transient condition
// turbo-mode I/O retries in place rather than surfacing.
func isEAGAIN(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

// turboWrite writes all of p to conn, busy-looping on EAGAIN instead of
// blocking. Any other error aborts the write.
func turboWrite(conn net.Conn, p []byte) error {
	for len(p) > 0 {
		n, err := conn.Write(p)
		if err != nil {
			if isEAGAIN(err) {
				continue
			}
			return errors.Wrap(err, "rpc: turbo write")
		}
		p = p[n:]
	}
	return nil
}

// turboRead reads exactly len(p) bytes into p, busy-looping on EAGAIN
// instead of blocking. Any other error, including EOF before p is full,
// aborts the read.
func turboRead(conn net.Conn, p []byte) error {
	for len(p) > 0 {
		n, err := conn.Read(p)
		if err != nil {
			if isEAGAIN(err) {
				continue
			}
			return errors.Wrap(err, "rpc: turbo read")
		}
		p = p[n:]
	}
	return nil
}
