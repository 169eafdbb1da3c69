// Package winksock implements the client core of the winksock/1 multiplexed
// messaging protocol: multiple logical channels, each independently
// readable, writable, and/or capable of emitting out-of-band signals, over
// one shared TCP connection established via an HTTP/1.1 Upgrade.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package winksock

import (
	"fmt"
	"regexp"
)

// Mode is a bitset over the three channel capabilities.
type Mode uint8

const (
	ModeRead  Mode = 0x1
	ModeWrite Mode = 0x2
	ModeEmit  Mode = 0x4
)

func (m Mode) Readable() bool { return m&ModeRead != 0 }
func (m Mode) Writable() bool { return m&ModeWrite != 0 }
func (m Mode) Emitable() bool { return m&ModeEmit != 0 }

func (m Mode) String() string {
	s := ""
	if m.Readable() {
		s += "r"
	}
	if m.Writable() {
		s += "w"
	}
	if m.Emitable() {
		s += "e"
	}
	return s
}

// modePattern matches the grammar (r|read)?(w|write)?\+?(e|emit)?,
// case-insensitive. The literal '+' is an accepted separator with no
// semantic effect, kept for wire compatibility with existing URLs.
var modePattern = regexp.MustCompile(`(?i)^(r|read)?(w|write)?\+?(e|emit)?$`)

// ParseMode parses a textual mode expression into a Mode bitset. The empty
// string parses to Mode(0) (no capability, a valid but useless channel).
func ParseMode(s string) (Mode, error) {
	m := modePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, &Error{Kind: ValidationError, Message: fmt.Sprintf("winksock: invalid mode expression %q", s)}
	}
	var mode Mode
	if m[1] != "" {
		mode |= ModeRead
	}
	if m[2] != "" {
		mode |= ModeWrite
	}
	if m[3] != "" {
		mode |= ModeEmit
	}
	return mode, nil
}
