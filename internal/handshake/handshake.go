// Package handshake performs the client side of the winksock/1 HTTP/1.1
// Upgrade: a one-shot, non-retrying dial that either yields a raw
// bidirectional byte stream or a classified failure.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package handshake

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Protocol is the Upgrade token this client speaks.
const Protocol = "winksock/1"

// MaxRedirects bounds how many 3xx hops a single Dial will follow.
const MaxRedirects = 5

// Config carries the per-dial knobs spec.md §6 calls the "configuration
// surface": Origin and UserAgent are sent as headers when non-empty;
// FollowRedirects gates 3xx handling; DialTimeout bounds the TCP connect.
type Config struct {
	Origin          string
	UserAgent       string
	FollowRedirects bool
	DialTimeout     time.Duration
	NetDial         func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Result is a successful handshake outcome.
type Result struct {
	Conn net.Conn
}

// Dial performs the HTTP Upgrade against target, following redirects per
// cfg, and returns the raw duplex socket on success.
//
// The GET request path is always "/": the handshake establishes the shared
// per-authority Connection (keyed by scheme+host per spec.md §3), which is
// independent of any individual channel id or token — those travel in the
// OPEN wire frame once the upgrade completes, not in HTTP headers.
func Dial(ctx context.Context, target *url.URL, cfg Config) (*Result, error) {
	u := target
	for hop := 0; ; hop++ {
		if hop > MaxRedirects {
			return nil, &Error{Kind: ErrMaxRedirects, Message: "Max HTTP redirections reached"}
		}
		result, redirectTo, err := dialOnce(ctx, u, cfg)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		if !cfg.FollowRedirects {
			return nil, &Error{Kind: ErrBadStatus, Message: "redirect received with redirects disabled"}
		}
		u = redirectTo
	}
}

// dialOnce performs exactly one HTTP exchange. It returns a non-nil Result
// on success, a non-nil redirect URL when the server answered with a 3xx
// this caller should re-dispatch against, or an error for anything else.
func dialOnce(ctx context.Context, u *url.URL, cfg Config) (*Result, *url.URL, error) {
	addr := dialAddress(u)
	dial := cfg.NetDial
	if dial == nil {
		var d net.Dialer
		if cfg.DialTimeout > 0 {
			d.Timeout = cfg.DialTimeout
		}
		dial = d.DialContext
	}

	rawConn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, &Error{Kind: ErrDial, Message: "dial failed", Cause: err}
	}

	conn := rawConn
	if u.Scheme == "https" {
		conn = tls.Client(rawConn, &tls.Config{ServerName: hostOnly(u.Host), MinVersion: tls.VersionTLS12})
	}

	req := &http.Request{
		Method:     "GET",
		URL:        &url.URL{Path: "/"},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       u.Host,
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", Protocol)
	if cfg.Origin != "" {
		req.Header.Set("Origin", cfg.Origin)
	}
	if cfg.UserAgent != "" {
		req.Header.Set("User-Agent", cfg.UserAgent)
	}
	if !cfg.FollowRedirects {
		req.Header.Set("X-Accept-Redirects", "no")
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, nil, &Error{Kind: ErrDial, Message: "writing upgrade request failed", Cause: err}
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, nil, &Error{Kind: ErrDial, Message: "reading upgrade response failed", Cause: err}
	}

	switch {
	case resp.StatusCode == http.StatusSwitchingProtocols:
		if resp.Header.Get("Upgrade") != Protocol {
			conn.Close()
			return nil, nil, &Error{Kind: ErrBadProtocol, Message: "Bad protocol version"}
		}
		setSocketOptions(rawConn)
		return &Result{Conn: drainedConn{Reader: br, Conn: conn}}, nil, nil

	case resp.StatusCode == 301 || resp.StatusCode == 302 || resp.StatusCode == 307:
		loc := resp.Header.Get("Location")
		resp.Body.Close()
		conn.Close()
		if loc == "" {
			return nil, nil, &Error{Kind: ErrBadStatus, Message: "redirect response missing Location"}
		}
		next, perr := u.Parse(loc)
		if perr != nil {
			return nil, nil, &Error{Kind: ErrBadStatus, Message: "invalid redirect Location", Cause: perr}
		}
		return nil, next, nil

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		conn.Close()
		msg := resp.Status
		if len(body) > 0 {
			msg = fmt.Sprintf("%s: %s", resp.Status, body)
		}
		return nil, nil, &Error{Kind: ErrBadStatus, Message: msg, StatusCode: resp.StatusCode}
	}
}

func dialAddress(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

func setSocketOptions(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}
}

// drainedConn wraps a net.Conn whose first bytes may already sit buffered
// in br (the same bufio.Reader used to parse the HTTP response), so the
// frame parser never loses bytes the server pipelined right after the 101.
type drainedConn struct {
	Reader *bufio.Reader
	net.Conn
}

func (d drainedConn) Read(p []byte) (int, error) {
	return d.Reader.Read(p)
}
