// Package httpdelegate implements the delegated HTTP client: the agent
// has no guaranteed egress of its own, so it can ask the tunnel client to
// perform an HTTP request on its behalf, correlating the client's later
// httpheaders/httpbody replies by req_id.
//
// Grounded on ais/s3redirect.go's pending-request-by-id bookkeeping
// pattern (a short-lived table keyed by a generated id, completed by a
// later inbound call) adapted from redirecting S3 requests to a plain
// req_id -> future table.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package httpdelegate

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/tunnelrun/agentd/internal/rpcerr"
	"github.com/tunnelrun/agentd/wire"
)

// Emitter pushes an agent-initiated client-request; connrt supplies the
// concrete implementation, which puts the encoded request on the
// connection's write queue.
type Emitter func(req *wire.ClientRequest) error

// Header is a single HTTP header line, wire-encoded as {name, value}.
type Header struct{ Name, Value string }

// Request is what a delegated HTTP call sends as makehttpreq params.
type Request struct {
	Path    string
	Method  string
	Headers []Header
	Body    []byte
}

// Response is what the pending entry resolves to once httpbody completes.
type Response struct {
	StatusCode int
	Headers    []Header
	Body       []byte
}

type pending struct {
	headers chan struct {
		code int
		hdrs []Header
	}
	body   bytes.Buffer
	mu     sync.Mutex
	done   chan struct{}
	result Response
	err    error
}

// Client is the delegated HTTP client. One Client per connection.
type Client struct {
	emit    Emitter
	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]*pending
}

func New(emit Emitter) *Client {
	return &Client{emit: emit, pending: make(map[int64]*pending)}
}

// Do issues a delegated HTTP request and blocks until the client completes
// it via httpheaders+httpbody, or ctx is done, or the entry is abandoned by
// Shutdown.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	reqID := c.nextID.Add(1)
	p := &pending{
		headers: make(chan struct {
			code int
			hdrs []Header
		}, 1),
		done: make(chan struct{}),
	}
	c.mu.Lock()
	c.pending[reqID] = p
	c.mu.Unlock()

	headers := make([]wire.Value, 0, len(req.Headers))
	for _, h := range req.Headers {
		headers = append(headers, wire.Map{"name": h.Name, "value": h.Value})
	}
	params := wire.Map{
		"req_id":  reqID,
		"path":    req.Path,
		"method":  req.Method,
		"headers": headers,
	}
	if req.Body != nil {
		params["body"] = req.Body
	}
	if err := c.emit(&wire.ClientRequest{Method: wire.MethodMakeHTTP, Params: params}); err != nil {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return nil, rpcerr.IOErr(err)
	}

	select {
	case <-p.done:
		if p.err != nil {
			return nil, p.err
		}
		return &p.result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// HandleHeaders completes the "initial response" half of a pending
// entry (the httpheaders RPC).
func (c *Client) HandleHeaders(reqID int64, statusCode int, headers []Header) error {
	c.mu.Lock()
	p, ok := c.pending[reqID]
	c.mu.Unlock()
	if !ok {
		return rpcerr.Invalid("httpheaders for unknown req_id %d", reqID)
	}
	select {
	case p.headers <- struct {
		code int
		hdrs []Header
	}{statusCode, headers}:
	default:
	}
	return nil
}

// HandleBody appends segment to the body; on complete it finalizes the
// pending entry and removes it from the table.
func (c *Client) HandleBody(reqID int64, segment []byte, complete bool) error {
	c.mu.Lock()
	p, ok := c.pending[reqID]
	c.mu.Unlock()
	if !ok {
		return rpcerr.Invalid("httpbody for unknown req_id %d", reqID)
	}
	p.mu.Lock()
	if len(segment) > 0 {
		p.body.Write(segment)
	}
	p.mu.Unlock()
	if !complete {
		return nil
	}

	var code int
	var hdrs []Header
	select {
	case h := <-p.headers:
		code, hdrs = h.code, h.hdrs
	default:
	}
	p.mu.Lock()
	p.result = Response{StatusCode: code, Headers: hdrs, Body: p.body.Bytes()}
	p.mu.Unlock()

	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
	close(p.done)
	return nil
}

// Shutdown drops every pending entry with an I/O error, so any awaiter
// unblocks on connection teardown instead of hanging forever: pending
// entries not completed before connection teardown are dropped.
func (c *Client) Shutdown() {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[int64]*pending)
	c.mu.Unlock()
	for _, p := range all {
		p.err = rpcerr.IOErr(io.ErrClosedPipe)
		close(p.done)
	}
}
