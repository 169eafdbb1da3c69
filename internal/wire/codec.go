package wire

import "encoding/binary"

// Parser reassembles winksock/1 frames from a byte stream that may split or
// coalesce frames across arbitrary TCP segment boundaries. It is not
// goroutine-safe; callers serialize Feed calls (the connection's single
// read loop does this naturally).
type Parser struct {
	residual []byte
}

// Feed appends chunk to any held residual and decodes every complete frame
// it can. It returns the decoded frames in arrival order and retains any
// trailing partial frame for the next call. A declared length below
// MinFrameSize is a protocol violation and aborts decoding of the whole
// chunk, returning the frames decoded so far alongside ErrBadPacketSize —
// callers must treat a non-nil error as fatal to the connection regardless
// of how many frames were returned.
func (p *Parser) Feed(chunk []byte) ([]Frame, error) {
	var buf []byte
	if len(p.residual) > 0 {
		buf = append(p.residual, chunk...)
		p.residual = nil
	} else {
		buf = chunk
	}

	var frames []Frame
	offset := 0
	for offset+2 <= len(buf) {
		n := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
		if n < MinFrameSize {
			return frames, ErrBadPacketSize
		}
		if offset+n > len(buf) {
			break
		}
		f, err := DecodeOne(buf[offset : offset+n])
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		offset += n
	}

	if offset < len(buf) {
		tail := make([]byte, len(buf)-offset)
		copy(tail, buf[offset:])
		p.residual = tail
	}
	return frames, nil
}

// Reset discards any held partial frame.
func (p *Parser) Reset() {
	p.residual = nil
}
