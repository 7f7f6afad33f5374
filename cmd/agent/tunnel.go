package main

import (
	"context"
	"net"

	"github.com/tunnelrun/agentd/control"
)

// tcpTunnel is the simplest concrete control.Tunnel: a bound TCP listener.
// Transport authentication is out of scope here, so this is deliberately
// bare — a real deployment sits this behind whatever tunnel transport
// terminates TLS/auth and hands off a plain byte stream per logical
// connection.
type tcpTunnel struct {
	ln   net.Listener
	addr string
}

func newTCPTunnel(addr string) (*tcpTunnel, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpTunnel{ln: ln, addr: ln.Addr().String()}, nil
}

func (t *tcpTunnel) Addr() string { return t.addr }

func (t *tcpTunnel) Close() error { return t.ln.Close() }

// Accept ignores ctx directly (net.Listener has no context-aware Accept);
// a caller that wants cancellation closes the tunnel instead, which is what
// runOnce's deferred Close does once control.Run returns (control.Run
// already races Accept's resulting error against the other select cases).
func (t *tcpTunnel) Accept(_ context.Context) (control.Stream, error) {
	conn, err := t.ln.Accept()
	if err != nil {
		return nil, err
	}
	// *net.TCPConn already implements CloseWrite, satisfying control.Stream
	// without a wrapper.
	return conn.(*net.TCPConn), nil
}
