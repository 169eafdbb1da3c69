package wire

import "testing"

func TestDescriptorRoundTrip(t *testing.T) {
	ops := []Op{OpNoop, OpOpen, OpData, OpSignal}
	flags := []byte{0x0, 0x1, 0x2, 0x3, 0x4, 0x5, 0x6, 0x7}
	for _, op := range ops {
		for _, flag := range flags {
			d := encodeDescriptor(op, flag)
			gotOp, gotFlag := decodeDescriptor(d)
			if gotOp != op || gotFlag != flag {
				t.Errorf("op=%v flag=%#x: round trip got op=%v flag=%#x", op, flag, gotOp, gotFlag)
			}
		}
	}
}

func TestEncodeDecodeFrame(t *testing.T) {
	f := Frame{Channel: 0x00112233, Op: OpData, Flag: EncodeDataFlag(true, 2), Payload: []byte("hello")}
	buf, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	wantLen := HeaderSize + len("hello")
	if len(buf) != wantLen {
		t.Fatalf("encoded length = %d, want %d", len(buf), wantLen)
	}
	got, err := DecodeOne(buf)
	if err != nil {
		t.Fatalf("DecodeOne: %v", err)
	}
	if got.Channel != f.Channel || got.Op != f.Op || got.Flag != f.Flag || string(got.Payload) != string(f.Payload) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(Frame{Channel: 1, Op: OpData, Payload: make([]byte, MaxPayloadSize+1)})
	if err != ErrPayloadTooLarge {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestDecodeOneRejectsShortDeclaredLength(t *testing.T) {
	buf := make([]byte, 10)
	buf[0], buf[1] = 0, 5 // declares N=5 < MinFrameSize
	_, err := DecodeOne(buf)
	if err != ErrBadPacketSize {
		t.Fatalf("err = %v, want ErrBadPacketSize", err)
	}
}

func TestDataFlagRoundTrip(t *testing.T) {
	for _, text := range []bool{true, false} {
		for idx := byte(0); idx < 4; idx++ {
			flag := EncodeDataFlag(text, idx)
			gotText, gotIdx := DecodeDataFlag(flag)
			if gotText != text || gotIdx != idx {
				t.Errorf("text=%v idx=%d: got text=%v idx=%d", text, idx, gotText, gotIdx)
			}
			priority := IndexToPriority(idx)
			back, err := PriorityToIndex(priority)
			if err != nil || back != idx {
				t.Errorf("priority round trip failed for idx=%d: priority=%d back=%d err=%v", idx, priority, back, err)
			}
		}
	}
}

func TestPriorityToIndexValidation(t *testing.T) {
	for _, p := range []int{0, 5, -1} {
		if _, err := PriorityToIndex(p); err == nil {
			t.Errorf("priority %d should be rejected", p)
		}
	}
}
