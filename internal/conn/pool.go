package conn

import (
	"sync"

	"go.uber.org/zap"
)

// Pool hands out the single shared Connection for each (scheme, authority)
// pair, creating one lazily on first use and keeping it registered through
// StateDisposed so a channel opened moments later reuses the same socket
// instead of paying for a fresh handshake.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*Connection
}

// NewPool creates an empty connection pool.
func NewPool() *Pool {
	return &Pool{conns: make(map[string]*Connection)}
}

// Get returns the Connection for authority, creating it via dial if none
// exists or the prior one has reached StateDead.
func (p *Pool) Get(authority string, dial DialFunc, log *zap.Logger) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[authority]; ok && c.State() != StateDead {
		return c
	}
	c := New(authority, dial, log, func() { p.drop(authority) })
	p.conns[authority] = c
	return c
}

func (p *Pool) drop(authority string) {
	p.mu.Lock()
	delete(p.conns, authority)
	p.mu.Unlock()
}

// Len reports how many connections (of any state) the pool currently holds.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
