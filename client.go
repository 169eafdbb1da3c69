package winksock

import (
	"context"
	"io"
	"net/url"

	"github.com/momentics/winksock-go/internal/conn"
	"github.com/momentics/winksock-go/internal/handshake"
)

// Client owns a connection pool shared by every channel it opens: channels
// targeting the same authority (scheme+host) reuse one socket.
type Client struct {
	pool *conn.Pool
	cfg  ClientConfig

	// testDial, when set, replaces the real HTTP Upgrade handshake.
	// Exercised only by this module's own tests.
	testDial conn.DialFunc
}

// NewClient builds a Client from DefaultConfig plus opts.
func NewClient(opts ...Option) *Client {
	return &Client{pool: conn.NewPool(), cfg: DefaultConfig().apply(opts)}
}

// Connect parses rawURL and opens a channel against it in the given mode.
// The returned Channel is valid immediately: set its On* callbacks (if not
// already set before calling Connect on another goroutine) before any
// server response can arrive, since OnConnect may fire as soon as this
// call returns.
func (cl *Client) Connect(rawURL string, mode Mode) (*Channel, error) {
	pu, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return cl.CreateChannel(pu, mode)
}

// CreateChannel opens a channel against an already-parsed URL, letting
// callers that construct ParsedURL directly (e.g. to reuse a channel id
// after an End) skip re-parsing.
func (cl *Client) CreateChannel(pu *ParsedURL, mode Mode) (*Channel, error) {
	authority := pu.Authority()
	ch := newChannel(cl, authority, pu.ChannelID, mode, pu.Token)

	dial := cl.dialFunc(pu)
	c := cl.pool.Get(authority, dial, cl.cfg.Logger)

	ch.mu.Lock()
	ch.connection = c
	ch.mu.Unlock()

	req := c.SubmitOpen(pu.ChannelID, byte(mode), pu.Token, ch, ch.onResolved, ch.onFailed)
	ch.mu.Lock()
	ch.req = req
	ch.mu.Unlock()
	return ch, nil
}

func (cl *Client) dialFunc(pu *ParsedURL) conn.DialFunc {
	if cl.testDial != nil {
		return cl.testDial
	}
	hcfg := cl.cfg.handshakeConfig(pu.Host)
	target := &url.URL{Scheme: pu.Scheme, Host: pu.Host}
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		res, err := handshake.Dial(ctx, target, hcfg)
		if err != nil {
			return nil, err
		}
		return res.Conn, nil
	}
}

var defaultClient = NewClient()

// Dial opens a channel using a package-level default Client when no options
// are given, or a fresh one-off Client when opts customize the handshake.
func Dial(rawURL string, mode Mode, opts ...Option) (*Channel, error) {
	if len(opts) == 0 {
		return defaultClient.Connect(rawURL, mode)
	}
	return NewClient(opts...).Connect(rawURL, mode)
}
