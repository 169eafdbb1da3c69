package conn

import (
	"context"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/winksock-go/internal/fake"
	"github.com/momentics/winksock-go/internal/wire"
)

type stubSink struct {
	closing bool
}

func (s *stubSink) Deliver([]byte, bool, byte) {}
func (s *stubSink) Signal([]byte)              {}
func (s *stubSink) Ended([]byte)               {}
func (s *stubSink) Errored([]byte)             {}
func (s *stubSink) EndAcked()                  {}
func (s *stubSink) Destroyed(error)            {}
func (s *stubSink) IsClosing() bool            { return s.closing }
func (s *stubSink) IsReadable() bool           { return true }

func newTestConnection(t *testing.T) (*Connection, *fake.Script) {
	t.Helper()
	client, server := fake.Pair()
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) { return client, nil }
	c := New("http+test", dial, zap.NewNop(), func() {})
	t.Cleanup(func() { c.Destroy(nil) })
	return c, fake.NewScript(server)
}

func waitLive(t *testing.T, c *Connection) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateLive {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("connection never became live")
}

func TestSecondOpenForSameIDQueuesAndFailsAfterAllow(t *testing.T) {
	c, script := newTestConnection(t)
	waitLive(t, c)

	resolved1 := make(chan uint32, 1)
	sink1 := &stubSink{}
	req1 := c.SubmitOpen(7, 0x3, nil, sink1,
		func(id uint32) { resolved1 <- id },
		func(e *OpenError) { t.Fatalf("req1 failed: %v", e) })
	if req1 == nil {
		t.Fatal("req1 unexpectedly nil")
	}

	open1, err := script.ReadFrame()
	if err != nil || open1.Channel != 7 || open1.Op != wire.OpOpen {
		t.Fatalf("open1 = %+v, err=%v", open1, err)
	}

	failed2 := make(chan *OpenError, 1)
	sink2 := &stubSink{}
	req2 := c.SubmitOpen(7, 0x3, nil, sink2,
		func(id uint32) { t.Fatalf("req2 unexpectedly resolved with %d", id) },
		func(e *OpenError) { failed2 <- e })
	if req2 == nil {
		t.Fatal("req2 unexpectedly nil (should be queued, not async-failed)")
	}

	if err := script.SendFrame(wire.Frame{Channel: 7, Op: wire.OpOpen, Flag: wire.OpenAllow}); err != nil {
		t.Fatalf("SendFrame(allow): %v", err)
	}

	select {
	case id := <-resolved1:
		if id != 7 {
			t.Fatalf("resolved1 = %d, want 7", id)
		}
	case <-time.After(time.Second):
		t.Fatal("req1 never resolved")
	}
	select {
	case e := <-failed2:
		if e.Kind != FailAlreadyOpen {
			t.Fatalf("req2 failure kind = %v, want FailAlreadyOpen", e.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("req2 never failed")
	}
}

func TestDisposalAndRevive(t *testing.T) {
	c, _ := newTestConnection(t)
	waitLive(t, c)

	sink := &stubSink{}
	c.Register(1, sink)
	c.Unregister(1)

	if st := c.State(); st != StateDisposed {
		t.Fatalf("state = %v, want StateDisposed", st)
	}

	c.Register(2, sink)
	if st := c.State(); st != StateLive {
		t.Fatalf("state after revive = %v, want StateLive", st)
	}
	c.Unregister(2)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && c.State() != StateDead {
		time.Sleep(5 * time.Millisecond)
	}
	if c.State() != StateDead {
		t.Fatal("connection did not reach StateDead after disposal window elapsed")
	}
}
