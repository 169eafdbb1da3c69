package winksock

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/momentics/winksock-go/internal/conn"
	"github.com/momentics/winksock-go/internal/wire"
	"github.com/momentics/winksock-go/internal/wlog"
)

// chanState is the channel's lifecycle stage: opening -> open -> closing ->
// closed.
type chanState int32

const (
	stateOpening chanState = iota
	stateOpen
	stateClosing
	stateClosed
)

// Channel is a single logical, duplex message stream multiplexed over a
// shared Connection. Every inbound event reaches the caller through the
// fixed callback fields (OnConnect, OnData, ...) rather than a dynamic
// event-name dispatch: set the ones you need before the channel's OPEN
// resolves, since resolution can happen as soon as SubmitOpen returns.
type Channel struct {
	client    *Client
	authority string
	log       *zap.Logger

	mu         sync.Mutex
	state      chanState
	id         uint32
	mode       Mode
	token      []byte
	encoding   string
	writeQueue []wire.Frame
	endMessage []byte

	connection *conn.Connection
	req        *conn.OpenRequest

	// OnConnect fires exactly once, when the OPEN resolves to ALLOW or
	// REDIRECT. It always precedes OnData/OnSignal/OnDrain.
	OnConnect func()
	// OnData delivers an inbound DATA payload and its 1..4 priority.
	OnData func(payload []byte, priority int)
	// OnSignal delivers an inbound out-of-band EMIT payload.
	OnSignal func(payload []byte)
	// OnDrain fires once this channel's writeQueue (writes buffered while
	// opening) has fully flushed to the socket, tracking this channel's own
	// backpressure rather than the shared connection's.
	OnDrain func()
	// OnError fires at most once, always immediately before OnClose(true, ...).
	OnError func(err error)
	// OnClose fires exactly once, always last.
	OnClose func(hadError bool, message string)
}

func newChannel(cl *Client, authority string, id uint32, mode Mode, token []byte) *Channel {
	return &Channel{
		client:    cl,
		authority: authority,
		log:       wlog.Chan(cl.cfg.Logger, id),
		state:     stateOpening,
		id:        id,
		mode:      mode,
		token:     token,
	}
}

// ID returns the channel's current id: the requested id while opening, the
// server-resolved id (possibly different, after a REDIRECT) once open.
func (ch *Channel) ID() uint32 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.id
}

// Mode returns the channel's capability bitset.
func (ch *Channel) Mode() Mode { return ch.mode }

// IsOpen reports whether the channel has completed its OPEN handshake and
// is neither closing nor closed.
func (ch *Channel) IsOpen() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state == stateOpen
}

// SetEncoding sets the decoding applied to inbound DATA payloads before
// OnData is invoked. Pass "" to receive raw bytes unmodified.
func (ch *Channel) SetEncoding(enc string) error {
	switch enc {
	case "", "ascii", "utf8", "base64", "json":
	default:
		return newErr(ValidationError, "unsupported encoding %q", enc)
	}
	ch.mu.Lock()
	ch.encoding = enc
	ch.mu.Unlock()
	return nil
}

// Write sends a binary DATA frame at the given priority (1..4). It returns
// the underlying socket's flushed signal, or false if the channel is still
// opening (the write is queued) or already closing/closed.
func (ch *Channel) Write(data []byte, priority int) (bool, error) {
	return ch.write(data, false, priority)
}

// WriteText sends a UTF-8 DATA frame.
func (ch *Channel) WriteText(s string, priority int) (bool, error) {
	return ch.write([]byte(s), true, priority)
}

// WriteJSON marshals v and sends it as a UTF-8 DATA frame.
func (ch *Channel) WriteJSON(v any, priority int) (bool, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return false, wrapErr(ValidationError, err, "json encode failed")
	}
	return ch.write(b, true, priority)
}

func (ch *Channel) write(payload []byte, text bool, priority int) (bool, error) {
	if !ch.mode.Writable() {
		return false, newErr(ValidationError, "channel is not writable")
	}
	if priority < 1 || priority > 4 {
		return false, newErr(ValidationError, "priority %d out of range 1..4", priority)
	}
	if len(payload) > MaxPayloadSize {
		return false, newErr(ValidationError, "payload exceeds MAX_PAYLOAD_SIZE (%d)", MaxPayloadSize)
	}
	prioIdx, _ := wire.PriorityToIndex(priority)

	ch.mu.Lock()
	switch ch.state {
	case stateOpening:
		ch.writeQueue = append(ch.writeQueue, wire.NewData(ch.id, text, prioIdx, payload))
		ch.mu.Unlock()
		return false, nil
	case stateOpen:
		id, c := ch.id, ch.connection
		ch.mu.Unlock()
		return c.WriteData(id, text, prioIdx, payload), nil
	default:
		ch.mu.Unlock()
		return false, nil
	}
}

// Dispatch sends data as an out-of-band SIGNAL EMIT, delivered to the
// remote end's signal handler, never its data handler.
func (ch *Channel) Dispatch(data []byte) (bool, error) {
	if !ch.mode.Emitable() {
		return false, newErr(ValidationError, "channel is not emitable")
	}
	if len(data) > MaxPayloadSize {
		return false, newErr(ValidationError, "payload exceeds MAX_PAYLOAD_SIZE (%d)", MaxPayloadSize)
	}

	ch.mu.Lock()
	switch ch.state {
	case stateOpening:
		ch.writeQueue = append(ch.writeQueue, wire.NewSignal(ch.id, wire.SignalEmit, data))
		ch.mu.Unlock()
		return false, nil
	case stateOpen:
		id, c := ch.id, ch.connection
		ch.mu.Unlock()
		return c.WriteSignal(id, wire.SignalEmit, data), nil
	default:
		ch.mu.Unlock()
		return false, nil
	}
}

// End is idempotent. While opening and the OPEN has not yet reached the
// wire, it cancels the request and finalizes the channel immediately.
// While opening with the OPEN already sent, it defers the END until the
// server's response arrives. While open, it sends SIGNAL END and waits for
// the server's acknowledgement.
func (ch *Channel) End(message []byte) {
	ch.mu.Lock()
	switch ch.state {
	case stateClosed, stateClosing:
		ch.mu.Unlock()
		return
	case stateOpening:
		req := ch.req
		ch.state = stateClosing
		ch.endMessage = message
		ch.mu.Unlock()
		if req == nil {
			return
		}
		if req.Cancel() {
			ch.mu.Lock()
			if ch.state != stateClosed {
				ch.state = stateClosed
				ch.mu.Unlock()
				if ch.OnClose != nil {
					ch.OnClose(false, string(message))
				}
				return
			}
			ch.mu.Unlock()
		}
		// else: already transmitted; onResolved will send the deferred END.
	case stateOpen:
		id, c := ch.id, ch.connection
		ch.state = stateClosing
		ch.mu.Unlock()
		c.WriteEnd(id, message)
	}
}

// Close sends SIGNAL END with no payload. It satisfies io.Closer.
func (ch *Channel) Close() error {
	ch.End(nil)
	return nil
}

// Stats snapshots the shared connection's frame/byte/channel counters. It
// returns the zero value before the connection has been assigned.
func (ch *Channel) Stats() Stats {
	ch.mu.Lock()
	c := ch.connection
	ch.mu.Unlock()
	if c == nil {
		return Stats{}
	}
	return statsFromConn(c.Stats.Snapshot())
}

// ---- conn.Sink -----------------------------------------------------------

func (ch *Channel) onResolved(resolvedID uint32) {
	ch.mu.Lock()
	if ch.state == stateClosed {
		ch.mu.Unlock()
		return
	}
	closingBeforeOpen := ch.state == stateClosing
	ch.id = resolvedID
	queued := ch.writeQueue
	ch.writeQueue = nil
	endMsg := ch.endMessage
	if !closingBeforeOpen {
		ch.state = stateOpen
	}
	ch.mu.Unlock()

	ch.connection.Register(resolvedID, ch)

	if closingBeforeOpen {
		ch.log.Debug("open resolved while closing, sending deferred end", zap.Uint32("resolved_id", resolvedID))
		ch.connection.WriteEnd(resolvedID, endMsg)
		return
	}
	ch.log.Debug("open resolved", zap.Uint32("resolved_id", resolvedID))

	hadQueued := len(queued) > 0
	lastFlushed := false
	for _, f := range queued {
		ch.mu.Lock()
		closed := ch.state == stateClosed
		ch.mu.Unlock()
		if closed {
			break
		}
		switch f.Op {
		case wire.OpData:
			text, prio := wire.DecodeDataFlag(f.Flag)
			lastFlushed = ch.connection.WriteData(resolvedID, text, prio, f.Payload)
		case wire.OpSignal:
			lastFlushed = ch.connection.WriteSignal(resolvedID, f.Flag, f.Payload)
		}
	}

	if ch.OnConnect != nil {
		ch.OnConnect()
	}
	if hadQueued && lastFlushed && ch.OnDrain != nil {
		ch.OnDrain()
	}
}

func (ch *Channel) onFailed(e *conn.OpenError) {
	ch.mu.Lock()
	if ch.state == stateClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = stateClosed
	ch.mu.Unlock()

	kind := failKindToKind(e.Kind)
	werr := &Error{Kind: kind, Message: e.Message, Cause: e.Cause}
	ch.log.Debug("open failed", zap.String("fail_kind", e.Kind.String()), zap.String("message", e.Message))
	if ch.OnError != nil {
		ch.OnError(werr)
	}
	if ch.OnClose != nil {
		ch.OnClose(true, e.Message)
	}
}

func failKindToKind(k conn.FailKind) Kind {
	switch k {
	case conn.FailDenied:
		return OpenDenied
	case conn.FailProtocol:
		return ProtocolError
	case conn.FailTransport:
		return HandshakeError
	case conn.FailAlreadyOpen:
		fallthrough
	default:
		return OpenDenied
	}
}

func (ch *Channel) Deliver(payload []byte, text bool, priorityIndex byte) {
	priority := wire.IndexToPriority(priorityIndex)
	decoded, err := ch.decodeInbound(payload, text)
	if err != nil {
		ch.finalizeWithError(&Error{Kind: PayloadError, Message: "inbound decode failed", Cause: err})
		return
	}
	if ch.OnData != nil {
		ch.OnData(decoded, priority)
	}
}

func (ch *Channel) decodeInbound(payload []byte, text bool) ([]byte, error) {
	ch.mu.Lock()
	enc := ch.encoding
	ch.mu.Unlock()

	if enc == "" && !text {
		return payload, nil
	}
	if enc == "" {
		enc = "utf8"
	}
	switch enc {
	case "utf8", "ascii":
		return payload, nil
	case "base64":
		dec := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
		n, err := base64.StdEncoding.Decode(dec, payload)
		if err != nil {
			return nil, err
		}
		return dec[:n], nil
	case "json":
		if !json.Valid(payload) {
			return nil, newErr(PayloadError, "invalid JSON payload")
		}
		return payload, nil
	default:
		return payload, nil
	}
}

// finalizeWithError closes the channel (connection stays up) after a
// channel-local failure such as a bad inbound JSON payload.
func (ch *Channel) finalizeWithError(err *Error) {
	ch.mu.Lock()
	if ch.state == stateClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = stateClosed
	id, c := ch.id, ch.connection
	ch.mu.Unlock()

	if c != nil {
		c.Unregister(id)
	}
	ch.log.Debug("finalized with local error", zap.String("kind", err.Kind.String()), zap.String("message", err.Message))
	if ch.OnError != nil {
		ch.OnError(err)
	}
	if ch.OnClose != nil {
		ch.OnClose(true, err.Message)
	}
}

func (ch *Channel) Signal(payload []byte) {
	if ch.OnSignal != nil {
		ch.OnSignal(payload)
	}
}

func (ch *Channel) Ended(message []byte) {
	ch.mu.Lock()
	if ch.state == stateClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = stateClosed
	ch.mu.Unlock()
	ch.log.Debug("ended by server", zap.ByteString("message", message))
	if ch.OnClose != nil {
		ch.OnClose(false, string(message))
	}
}

func (ch *Channel) Errored(message []byte) {
	msg := string(message)
	if msg == "" {
		msg = "ERR_UNKNOWN"
	}
	ch.mu.Lock()
	if ch.state == stateClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = stateClosed
	ch.mu.Unlock()

	ch.log.Debug("errored by server", zap.String("message", msg))
	if ch.OnError != nil {
		ch.OnError(&Error{Kind: ProtocolError, Message: msg})
	}
	if ch.OnClose != nil {
		ch.OnClose(true, msg)
	}
}

func (ch *Channel) EndAcked() {
	ch.mu.Lock()
	if ch.state == stateClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = stateClosed
	ch.mu.Unlock()
	ch.log.Debug("end acked")
	if ch.OnClose != nil {
		ch.OnClose(false, "")
	}
}

func (ch *Channel) Destroyed(cause error) {
	ch.mu.Lock()
	if ch.state == stateClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = stateClosed
	ch.mu.Unlock()

	if cause == nil {
		ch.log.Debug("destroyed cleanly")
		if ch.OnClose != nil {
			ch.OnClose(false, "")
		}
		return
	}
	ch.log.Debug("destroyed with cause", zap.Error(cause))
	werr := &Error{Kind: TransportError, Message: "connection destroyed", Cause: cause}
	if ch.OnError != nil {
		ch.OnError(werr)
	}
	if ch.OnClose != nil {
		ch.OnClose(true, cause.Error())
	}
}

func (ch *Channel) IsClosing() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state == stateClosing
}

func (ch *Channel) IsReadable() bool { return ch.mode.Readable() }
