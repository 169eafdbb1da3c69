package conn

// OpenRequest tracks one outstanding OPEN submission for a single channel
// id. Requests for the same id form a FIFO chain (prev/next): only the
// chain's head may ever have sent set, modeling the rule that a server must
// resolve one OPEN before the next submission for the same id is allowed to
// reach the wire.
type OpenRequest struct {
	conn *Connection

	id    uint32
	mode  byte
	token []byte

	sink Sink

	onResolved func(resolvedID uint32)
	onFailed   func(*OpenError)

	// present marks this request as the current head of its id's chain and
	// therefore eligible to be sent as soon as the connection is live and
	// no channel blocks its id.
	present bool
	// sent is set once the OPEN frame actually reaches the wire. At most
	// one request per id may have sent true at a time.
	sent bool
	// destroyed marks a request that has been resolved, cancelled, or
	// failed and must no longer be acted on.
	destroyed bool

	prev, next *OpenRequest
}

// toBuffer returns the fields of this request's OPEN frame: the channel id,
// the mode bitset used as the flag, and the token used as the payload.
func (r *OpenRequest) toBuffer() (uint32, byte, []byte) {
	return r.id, r.mode, r.token
}

// cancel removes the request from its chain if it has not yet been sent.
// It reports whether the cancellation took effect.
func (r *OpenRequest) cancel() bool {
	c := r.conn
	c.mu.Lock()
	if r.destroyed || r.sent {
		c.mu.Unlock()
		return false
	}
	r.destroyed = true
	c.reqRefCount--

	var successor *OpenRequest
	if r.prev == nil {
		// r is (or was) the head of its id's chain.
		if r.next != nil {
			successor = r.next
			successor.prev = nil
			successor.present = true
			c.requests[r.id] = successor
		} else {
			delete(c.requests, r.id)
		}
	} else {
		r.prev.next = r.next
		if r.next != nil {
			r.next.prev = r.prev
		}
	}
	c.checkDisposeLocked()
	c.mu.Unlock()
	if successor != nil {
		c.trySend(successor)
	}
	return true
}

// Cancel cancels the request if it has not yet been transmitted.
func (r *OpenRequest) Cancel() bool { return r.cancel() }
