package handshake

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"testing"
)

// startServer listens on an ephemeral port and invokes handle once per
// accepted connection, in its own goroutine, passing the parsed upgrade
// request and the raw connection for the handler to reply on.
func startServer(t *testing.T, handle func(conn net.Conn, req *http.Request)) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				br := bufio.NewReader(conn)
				req, err := http.ReadRequest(br)
				if err != nil {
					return
				}
				handle(conn, req)
			}()
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func dialURL(addr string) *url.URL {
	return &url.URL{Scheme: "http", Host: addr}
}

func TestDialSuccess(t *testing.T) {
	addr, stop := startServer(t, func(conn net.Conn, req *http.Request) {
		if req.Header.Get("Upgrade") != Protocol {
			fmt.Fprint(conn, "HTTP/1.1 400 Bad Request\r\n\r\n")
			return
		}
		fmt.Fprintf(conn, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: %s\r\nConnection: Upgrade\r\n\r\n", Protocol)
		buf := make([]byte, 5)
		conn.Read(buf) // echo back whatever the client sends post-upgrade
		conn.Write(buf)
	})
	defer stop()

	res, err := Dial(context.Background(), dialURL(addr), Config{FollowRedirects: true})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer res.Conn.Close()

	res.Conn.Write([]byte("hello"))
	buf := make([]byte, 5)
	n, err := res.Conn.Read(buf)
	if err != nil {
		t.Fatalf("post-upgrade read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("echo = %q", buf[:n])
	}
}

func TestDialBadProtocolToken(t *testing.T) {
	addr, stop := startServer(t, func(conn net.Conn, req *http.Request) {
		fmt.Fprint(conn, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: some-other-protocol\r\nConnection: Upgrade\r\n\r\n")
	})
	defer stop()

	_, err := Dial(context.Background(), dialURL(addr), Config{})
	herr, ok := err.(*Error)
	if !ok || herr.Kind != ErrBadProtocol {
		t.Fatalf("err = %v, want ErrBadProtocol", err)
	}
}

func TestDialRedirectThenSuccess(t *testing.T) {
	var targetAddr string
	targetAddr, stopTarget := startServer(t, func(conn net.Conn, req *http.Request) {
		fmt.Fprintf(conn, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: %s\r\nConnection: Upgrade\r\n\r\n", Protocol)
	})
	defer stopTarget()

	addr, stop := startServer(t, func(conn net.Conn, req *http.Request) {
		fmt.Fprintf(conn, "HTTP/1.1 302 Found\r\nLocation: http://%s/\r\nContent-Length: 0\r\n\r\n", targetAddr)
	})
	defer stop()

	res, err := Dial(context.Background(), dialURL(addr), Config{FollowRedirects: true})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	res.Conn.Close()
}

func TestDialRedirectsDisabled(t *testing.T) {
	addr, stop := startServer(t, func(conn net.Conn, req *http.Request) {
		fmt.Fprint(conn, "HTTP/1.1 302 Found\r\nLocation: http://example.invalid/\r\nContent-Length: 0\r\n\r\n")
	})
	defer stop()

	_, err := Dial(context.Background(), dialURL(addr), Config{FollowRedirects: false})
	herr, ok := err.(*Error)
	if !ok || herr.Kind != ErrBadStatus {
		t.Fatalf("err = %v, want ErrBadStatus", err)
	}
}

func TestDialMaxRedirectsExceeded(t *testing.T) {
	var addr string
	addr, stop := startServer(t, func(conn net.Conn, req *http.Request) {
		fmt.Fprintf(conn, "HTTP/1.1 302 Found\r\nLocation: http://%s/\r\nContent-Length: 0\r\n\r\n", addr)
	})
	defer stop()

	_, err := Dial(context.Background(), dialURL(addr), Config{FollowRedirects: true})
	herr, ok := err.(*Error)
	if !ok || herr.Kind != ErrMaxRedirects {
		t.Fatalf("err = %v, want ErrMaxRedirects", err)
	}
}

func TestDialOtherStatusIncludesBody(t *testing.T) {
	addr, stop := startServer(t, func(conn net.Conn, req *http.Request) {
		body := "NOT_ALLOWED"
		fmt.Fprintf(conn, "HTTP/1.1 403 Forbidden\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	})
	defer stop()

	_, err := Dial(context.Background(), dialURL(addr), Config{})
	herr, ok := err.(*Error)
	if !ok || herr.Kind != ErrBadStatus || herr.StatusCode != 403 {
		t.Fatalf("err = %v, want ErrBadStatus/403", err)
	}
}
