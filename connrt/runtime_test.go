package connrt

import (
	"context"
	"net"
	"testing"

	"github.com/tunnelrun/agentd/internal/logging"
	"github.com/tunnelrun/agentd/rpcdispatch"
	"github.com/tunnelrun/agentd/wire"
)

// pipeStream adapts a net.Pipe conn to control.Stream; an in-memory pipe
// has no half-close, so CloseWrite falls back to a full Close (tests don't
// depend on the distinction).
type pipeStream struct{ net.Conn }

func (p pipeStream) CloseWrite() error { return p.Conn.Close() }

func newTestRuntime(t *testing.T) (*Runtime, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	pool := rpcdispatch.NewWorkerPool(4)
	disp := rpcdispatch.New(pool)
	RegisterAll(disp)

	hctx := New("test-conn", logging.ForConn("test-conn"), Collaborators{}, "127.0.0.1:0")
	rt := NewRuntime(pipeStream{server}, hctx, disp)
	go rt.Run(context.Background())
	return rt, client
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	dec := wire.NewDecoder(conn, 1<<20)
	payload, err := dec.ReadFrame()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return payload
}

func TestPingRoundTrip(t *testing.T) {
	_, client := newTestRuntime(t)
	defer client.Close()

	// First frame is always the `version` push.
	if _, err := wire.DecodeResponse(readFrame(t, client)); err != nil {
		t.Fatalf("decode version push: %v", err)
	}

	id := int64(1)
	req := &wire.Request{ID: &id, Method: "ping", Params: wire.Map{}}
	if err := wire.WriteFrame(client, req.Encode()); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	resp := mustDecodeResponse(t, readFrame(t, client))
	if resp.IsError {
		t.Fatalf("ping returned error: %s", resp.ErrMsg)
	}
	if resp.ID != 1 {
		t.Fatalf("response id = %d, want 1", resp.ID)
	}
}

func TestUnknownMethodThenPingStillWorks(t *testing.T) {
	_, client := newTestRuntime(t)
	defer client.Close()
	readFrame(t, client) // version push

	id := int64(2)
	req := &wire.Request{ID: &id, Method: "nope", Params: wire.Map{}}
	wire.WriteFrame(client, req.Encode())

	resp := mustDecodeResponse(t, readFrame(t, client))
	if !resp.IsError {
		t.Fatalf("expected error response for unknown method")
	}
	if resp.ID != 2 {
		t.Fatalf("response id = %d, want 2", resp.ID)
	}

	id3 := int64(3)
	ping := &wire.Request{ID: &id3, Method: "ping", Params: wire.Map{}}
	wire.WriteFrame(client, ping.Encode())
	resp3 := mustDecodeResponse(t, readFrame(t, client))
	if resp3.IsError || resp3.ID != 3 {
		t.Fatalf("ping after unknown method failed: %+v", resp3)
	}
}

func TestServerMsgWithoutAttachedBridge(t *testing.T) {
	_, client := newTestRuntime(t)
	defer client.Close()
	readFrame(t, client)

	id := int64(4)
	req := &wire.Request{ID: &id, Method: "servermsg", Params: wire.Map{"i": int64(7), "body": []byte("x")}}
	wire.WriteFrame(client, req.Encode())

	resp := mustDecodeResponse(t, readFrame(t, client))
	if !resp.IsError {
		t.Fatalf("expected NoAttachedServer error")
	}
}

func mustDecodeResponse(t *testing.T, payload []byte) *wire.Response {
	t.Helper()
	resp, err := wire.DecodeResponse(payload)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}
