// Package fake provides controllable, in-memory stand-ins for the raw
// socket a real handshake.Dial would hand back, so internal/conn's
// scenario tests drive exact byte sequences instead of a real TCP server.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package fake

import (
	"io"
	"net"

	"github.com/momentics/winksock-go/internal/wire"
)

// Socket is one end of an in-memory duplex pipe standing in for a dialed
// net.Conn. Pair returns both ends; the server end is wrapped by NewScript.
type Socket struct {
	net.Conn
}

// Pair creates a connected pair: Client is handed to the code under test
// (e.g. wrapped in a conn.DialFunc), Server drives the scripted peer side.
func Pair() (client *Socket, server *Socket) {
	a, b := net.Pipe()
	return &Socket{Conn: a}, &Socket{Conn: b}
}

// Script drives the server side of a fake.Socket: send canned frames and
// read back, frame by frame, whatever the client under test writes.
type Script struct {
	conn    net.Conn
	parser  wire.Parser
	pending []wire.Frame
}

// NewScript wraps server for scripted reads/writes of whole frames.
func NewScript(server *Socket) *Script {
	return &Script{conn: server}
}

// SendFrame writes one encoded frame to the client under test.
func (s *Script) SendFrame(f wire.Frame) error {
	buf, err := wire.Encode(f)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(buf)
	return err
}

// ReadFrame blocks for exactly one inbound frame from the client under
// test, buffering any partial trailing bytes — and any extra frames a single
// Read coalesced alongside the one returned — for subsequent calls.
func (s *Script) ReadFrame() (wire.Frame, error) {
	if len(s.pending) > 0 {
		f := s.pending[0]
		s.pending = s.pending[1:]
		return f, nil
	}
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			frames, perr := s.parser.Feed(buf[:n])
			if perr != nil {
				return wire.Frame{}, perr
			}
			if len(frames) > 0 {
				s.pending = frames[1:]
				return frames[0], nil
			}
		}
		if err != nil {
			return wire.Frame{}, err
		}
	}
}

// Close closes the server side of the pipe.
func (s *Script) Close() error { return s.conn.Close() }

// RawWrite bypasses frame encoding entirely, for tests that need to inject
// malformed bytes onto the wire.
func (s *Script) RawWrite(b []byte) (int, error) { return s.conn.Write(b) }

var _ io.ReadWriteCloser = (*Socket)(nil)
