package conn

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/winksock-go/internal/loop"
	"github.com/momentics/winksock-go/internal/wire"
	"github.com/momentics/winksock-go/internal/wlog"
)

// State is the lifecycle stage of a Connection.
type State int

const (
	// StateConnecting: the handshake dial is still in flight.
	StateConnecting State = iota
	// StateLive: the socket is up and frames flow both ways.
	StateLive
	// StateDisposed: no channels or pending requests remain; the idle
	// timer is running and the connection may still be revived.
	StateDisposed
	// StateDead: the connection is torn down for good.
	StateDead
)

// DisposalWindow is how long an idle connection (zero channels, zero
// pending OpenRequests) is kept alive in case a new channel reuses it
// before its socket is torn down.
const DisposalWindow = 200 * time.Millisecond

// DialFunc establishes the raw duplex byte stream for a Connection. It is
// supplied by the caller so this package never imports the handshake
// package directly, keeping the dependency direction root -> conn ->
// {wire,loop,wlog} one-way.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Connection multiplexes every channel open against a single (scheme,
// authority) socket: one read loop dispatches inbound OPEN/DATA/SIGNAL
// frames to registered channel Sinks, and every outbound frame is
// serialized through a single write path.
type Connection struct {
	authority string
	dial      DialFunc
	log       *zap.Logger
	loopQ     *loop.Queue
	onDead    func()

	writeMu sync.Mutex
	socket  io.ReadWriteCloser

	mu           sync.Mutex
	state        State
	channels     map[uint32]Sink
	requests     map[uint32]*OpenRequest
	chanRefCount int
	reqRefCount  int
	disposeTimer *time.Timer
	destroyed    bool

	Stats Stats
}

// New creates a Connection in StateConnecting and starts the background
// dial. authority is the pool key (scheme+"+"+host); onDead is invoked once
// the connection reaches StateDead, so a Pool can drop its reference.
func New(authority string, dial DialFunc, log *zap.Logger, onDead func()) *Connection {
	c := &Connection{
		authority: authority,
		dial:      dial,
		log:       wlog.Authority(log, authority),
		loopQ:     loop.New(),
		onDead:    onDead,
		state:     StateConnecting,
		channels:  make(map[uint32]Sink),
		requests:  make(map[uint32]*OpenRequest),
	}
	go c.connectAsync()
	return c
}

func (c *Connection) connectAsync() {
	socket, err := c.dial(context.Background())
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		if socket != nil {
			socket.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.destroy(err)
		return
	}
	c.socket = socket
	c.state = StateLive
	heads := make([]*OpenRequest, 0, len(c.requests))
	for _, head := range c.requests {
		heads = append(heads, head)
	}
	c.mu.Unlock()

	c.log.Debug("handshake complete")
	go c.readLoop(socket)
	for _, head := range heads {
		c.trySend(head)
	}
}

// State reports the connection's current lifecycle stage.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ---- registration -------------------------------------------------------

// Register attaches sink under id once its OPEN has resolved.
func (c *Connection) Register(id uint32, sink Sink) {
	c.mu.Lock()
	c.channels[id] = sink
	c.chanRefCount++
	atomic.AddUint64(&c.Stats.ChannelsOpened, 1)
	if c.state == StateDisposed {
		c.reviveLocked()
	}
	c.mu.Unlock()
}

// Unregister detaches the channel at id, e.g. once it finalizes to closed.
func (c *Connection) Unregister(id uint32) {
	c.mu.Lock()
	if _, ok := c.channels[id]; ok {
		delete(c.channels, id)
		c.chanRefCount--
		atomic.AddUint64(&c.Stats.ChannelsClosed, 1)
	}
	c.checkDisposeLocked()
	c.mu.Unlock()
}

func (c *Connection) reviveLocked() {
	if c.disposeTimer != nil {
		c.disposeTimer.Stop()
		c.disposeTimer = nil
	}
	c.state = StateLive
}

func (c *Connection) checkDisposeLocked() {
	if c.state != StateLive {
		return
	}
	if c.chanRefCount > 0 || c.reqRefCount > 0 {
		return
	}
	c.state = StateDisposed
	c.disposeTimer = time.AfterFunc(DisposalWindow, func() { c.destroy(nil) })
}

// ---- OPEN submission ------------------------------------------------------

// SubmitOpen enqueues an OPEN request for id. It returns nil when the
// failure is delivered asynchronously (already-open case) rather than via
// the returned handle.
func (c *Connection) SubmitOpen(id uint32, mode byte, token []byte, sink Sink, onResolved func(uint32), onFailed func(*OpenError)) *OpenRequest {
	c.mu.Lock()

	if existing, ok := c.channels[id]; ok && !existing.IsClosing() {
		c.mu.Unlock()
		c.loopQ.Defer(func() {
			onFailed(&OpenError{Kind: FailAlreadyOpen, Message: "Channel is already open"})
		})
		return nil
	}

	req := &OpenRequest{conn: c, id: id, mode: mode, token: token, sink: sink, onResolved: onResolved, onFailed: onFailed}
	c.reqRefCount++

	head, hasHead := c.requests[id]
	if !hasHead {
		c.requests[id] = req
		req.present = true
	} else {
		tail := head
		for tail.next != nil {
			tail = tail.next
		}
		tail.next = req
		req.prev = tail
	}
	if c.state == StateDisposed {
		c.reviveLocked()
	}
	c.mu.Unlock()

	if !hasHead {
		c.trySend(req)
	}
	return req
}

// trySend attempts to transmit req if it is the live head of its chain, the
// connection is up, and no closing channel still holds its id.
func (c *Connection) trySend(req *OpenRequest) {
	c.mu.Lock()
	if req.destroyed || req.sent || !req.present {
		c.mu.Unlock()
		return
	}
	if c.state != StateLive {
		c.mu.Unlock()
		return
	}
	if blocker, ok := c.channels[req.id]; ok && blocker.IsClosing() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.loopQ.Defer(func() {
		c.mu.Lock()
		if req.destroyed || req.sent || c.state != StateLive {
			c.mu.Unlock()
			return
		}
		req.sent = true
		id, mode, token := req.toBuffer()
		c.mu.Unlock()
		c.write(wire.NewOpen(id, mode, token))
	})
}

// ---- outbound -------------------------------------------------------------

// write serializes and sends f, destroying the connection on a socket
// error. It returns false silently (never an error) once the connection is
// no longer live, matching the "writes on a dead connection do not raise"
// rule.
func (c *Connection) write(f wire.Frame) bool {
	c.mu.Lock()
	if c.state != StateLive && c.state != StateDisposed {
		c.mu.Unlock()
		return false
	}
	socket := c.socket
	c.mu.Unlock()
	if socket == nil {
		return false
	}

	buf, err := wire.Encode(f)
	if err != nil {
		c.log.Error("refusing to encode outbound frame", zap.Error(err))
		return false
	}

	c.writeMu.Lock()
	n, err := socket.Write(buf)
	c.writeMu.Unlock()
	if err != nil {
		c.destroy(err)
		return false
	}
	atomic.AddUint64(&c.Stats.FramesSent, 1)
	atomic.AddUint64(&c.Stats.BytesSent, uint64(n))
	return true
}

// WriteData sends a DATA frame for id.
func (c *Connection) WriteData(id uint32, text bool, priorityIndex byte, payload []byte) bool {
	return c.write(wire.NewData(id, text, priorityIndex, payload))
}

// WriteSignal sends a SIGNAL frame for id.
func (c *Connection) WriteSignal(id uint32, flag byte, payload []byte) bool {
	return c.write(wire.NewSignal(id, flag, payload))
}

// WriteEnd sends a closing SIGNAL END for id.
func (c *Connection) WriteEnd(id uint32, message []byte) bool {
	return c.WriteSignal(id, wire.SignalEnd, message)
}

// ---- inbound ----------------------------------------------------------

func (c *Connection) readLoop(socket io.ReadWriteCloser) {
	var parser wire.Parser
	buf := make([]byte, 64*1024)
	for {
		n, err := socket.Read(buf)
		if n > 0 {
			atomic.AddUint64(&c.Stats.BytesRecv, uint64(n))
			frames, perr := parser.Feed(buf[:n])
			if perr != nil {
				c.destroy(perr)
				return
			}
			for _, f := range frames {
				atomic.AddUint64(&c.Stats.FramesRecv, 1)
				c.dispatch(f)
			}
		}
		if err != nil {
			if err != io.EOF {
				c.destroy(err)
			} else {
				c.destroy(nil)
			}
			return
		}
	}
}

func (c *Connection) dispatch(f wire.Frame) {
	wlog.Op(c.log, f.Op.String()).Debug("dispatch frame",
		zap.Uint32("channel", f.Channel), zap.Uint8("flag", f.Flag), zap.Int("payload_len", len(f.Payload)))

	switch f.Op {
	case wire.OpNoop:
	case wire.OpOpen:
		c.dispatchOpen(f)
	case wire.OpData:
		c.dispatchData(f)
	case wire.OpSignal:
		c.dispatchSignal(f)
	}
}

func (c *Connection) dispatchOpen(f wire.Frame) {
	c.mu.Lock()
	head, ok := c.requests[f.Channel]
	if !ok {
		c.mu.Unlock()
		c.destroy(&protocolErr{"open response to unknown channel"})
		return
	}

	switch f.Flag {
	case wire.OpenAllow:
		delete(c.requests, f.Channel)
		c.reqRefCount--
		successorChain := head.next
		c.mu.Unlock()

		head.onResolved(f.Channel)
		if successorChain != nil {
			c.mu.Lock()
			var failed []*OpenRequest
			for n := successorChain; n != nil; {
				next := n.next
				n.destroyed = true
				failed = append(failed, n)
				c.reqRefCount--
				n = next
			}
			c.mu.Unlock()
			for _, n := range failed {
				n.onFailed(&OpenError{Kind: FailAlreadyOpen, Message: "Channel is already open"})
			}
		}

	case wire.OpenRedirect:
		if len(f.Payload) != 4 {
			c.mu.Unlock()
			c.destroy(&protocolErr{"Bad open resp"})
			return
		}
		newID := binary.BigEndian.Uint32(f.Payload)
		delete(c.requests, f.Channel)
		c.reqRefCount--
		successor := head.next
		if successor != nil {
			successor.prev = nil
			successor.present = true
			c.requests[f.Channel] = successor
		}
		c.mu.Unlock()

		head.onResolved(newID)
		if successor != nil {
			c.trySend(successor)
		}

	case wire.OpenDeny:
		delete(c.requests, f.Channel)
		c.reqRefCount--
		successor := head.next
		if successor != nil {
			successor.prev = nil
			successor.present = true
			c.requests[f.Channel] = successor
		}
		c.checkDisposeLocked()
		c.mu.Unlock()

		reason := string(f.Payload)
		head.onFailed(&OpenError{Kind: FailDenied, Message: reason})
		if successor != nil {
			c.trySend(successor)
		}

	default:
		c.mu.Unlock()
		c.destroy(&protocolErr{"unknown OPEN flag"})
	}
}

func (c *Connection) dispatchData(f wire.Frame) {
	text, prio := wire.DecodeDataFlag(f.Flag)
	if f.Channel == wire.ALLChannels {
		c.mu.Lock()
		targets := make([]Sink, 0, len(c.channels))
		for _, s := range c.channels {
			if s.IsReadable() {
				targets = append(targets, s)
			}
		}
		c.mu.Unlock()
		for _, s := range targets {
			s.Deliver(f.Payload, text, prio)
		}
		return
	}
	c.mu.Lock()
	sink, ok := c.channels[f.Channel]
	c.mu.Unlock()
	if ok && sink.IsReadable() {
		sink.Deliver(f.Payload, text, prio)
	}
}

func (c *Connection) dispatchSignal(f wire.Frame) {
	switch f.Flag {
	case wire.SignalEmit:
		if f.Channel == wire.ALLChannels {
			c.mu.Lock()
			targets := make([]Sink, 0, len(c.channels))
			for _, s := range c.channels {
				if !s.IsClosing() {
					targets = append(targets, s)
				}
			}
			c.mu.Unlock()
			for _, s := range targets {
				s.Signal(f.Payload)
			}
			return
		}
		c.mu.Lock()
		sink, ok := c.channels[f.Channel]
		c.mu.Unlock()
		if ok {
			sink.Signal(f.Payload)
		}

	case wire.SignalEnd:
		if f.Channel == wire.ALLChannels {
			c.destroy(nil)
			return
		}
		c.finalizeOne(f.Channel, f.Payload, false)

	case wire.SignalError:
		if f.Channel == wire.ALLChannels {
			msg := string(f.Payload)
			if msg == "" {
				msg = "ERR_UNKNOWN"
			}
			c.destroy(&protocolErr{msg})
			return
		}
		c.finalizeOne(f.Channel, f.Payload, true)

	default:
		c.destroy(&protocolErr{"unknown SIGNAL flag"})
	}
}

// finalizeOne handles an inbound END or ERROR targeting a specific,
// non-wildcard channel id.
func (c *Connection) finalizeOne(id uint32, payload []byte, isError bool) {
	c.mu.Lock()
	sink, ok := c.channels[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	wasClosing := sink.IsClosing()
	c.mu.Unlock()

	if wasClosing && !isError {
		c.Unregister(id)
		sink.EndAcked()
		c.mu.Lock()
		head, hasHead := c.requests[id]
		c.mu.Unlock()
		if hasHead {
			c.trySend(head)
		}
		return
	}

	c.WriteEnd(id, nil)
	c.Unregister(id)
	if isError {
		sink.Errored(payload)
	} else {
		sink.Ended(payload)
	}
}

// ---- teardown -----------------------------------------------------------

// Destroy tears the connection down immediately, fanning cause into every
// registered channel and pending OpenRequest. A nil cause models a clean
// wildcard END or idle disposal timeout.
func (c *Connection) Destroy(cause error) { c.destroy(cause) }

func (c *Connection) destroy(cause error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.state = StateDead
	if c.disposeTimer != nil {
		c.disposeTimer.Stop()
	}
	channels := c.channels
	c.channels = make(map[uint32]Sink)
	requests := c.requests
	c.requests = make(map[uint32]*OpenRequest)
	socket := c.socket
	c.mu.Unlock()

	if cause != nil {
		c.log.Warn("connection destroyed", zap.Error(cause))
	} else {
		c.log.Debug("connection destroyed")
	}

	for _, s := range channels {
		s.Destroyed(cause)
	}
	kind := FailTransport
	if _, ok := cause.(*protocolErr); ok || cause == wire.ErrBadPacketSize {
		kind = FailProtocol
	}
	for _, head := range requests {
		for n := head; n != nil; {
			next := n.next
			n.destroyed = true
			n.onFailed(&OpenError{Kind: kind, Message: "connection destroyed", Cause: cause})
			n = next
		}
	}

	if socket != nil {
		socket.Close()
	}
	c.loopQ.Close()
	if c.onDead != nil {
		c.onDead()
	}
}

type protocolErr struct{ msg string }

func (e *protocolErr) Error() string { return e.msg }
