// Package rpcdispatch implements the RPC dispatcher: method registration
// in three modes (sync, async, duplex-stream), and the dispatch contract
// around request/response correlation.
//
// Grounded on xact/xreg/xreg.go's registry-of-constructors-by-kind pattern
// (a map from a string key to a tagged constructor, looked up once per
// call) adapted from xaction kinds to RPC method names, and on
// transport's pump model for the duplex byte-stream case.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package rpcdispatch

import (
	"context"

	"github.com/tunnelrun/agentd/internal/logging"
	"github.com/tunnelrun/agentd/internal/rpcerr"
	"github.com/tunnelrun/agentd/wire"
)

// Kind tags how a registered method is invoked: dispatch of handlers is
// modelled as a tagged variant.
type Kind int

const (
	Sync Kind = iota
	Async
	Duplex
)

type (
	// SyncHandler runs to completion on the calling goroutine (the
	// connection's read loop); its return value becomes the immediate
	// response.
	SyncHandler func(ctx any, params wire.Map) (wire.Map, error)

	// AsyncHandler runs on the shared worker pool; its eventual result is
	// enqueued on the write queue by the dispatcher once it completes.
	AsyncHandler func(ctx context.Context, hctx any, params wire.Map) (wire.Map, error)

	// DuplexHandler receives Arity freshly-registered Streams plus params,
	// and is itself run like an AsyncHandler (it blocks on subprocess I/O,
	// so it must not run on the read loop).
	DuplexHandler func(ctx context.Context, hctx any, streams []*Stream, params wire.Map) (wire.Map, error)

	handlerEntry struct {
		kind   Kind
		arity  int
		sync   SyncHandler
		async  AsyncHandler
		duplex DuplexHandler
	}
)

// Outcome tags what the dispatcher produced for one inbound frame: a
// tagged result rather than polymorphic return values.
type OutcomeKind int

const (
	// OutcomeNone: a notification was dispatched; no response frame.
	OutcomeNone OutcomeKind = iota
	// OutcomeImmediate: a response frame is ready now (sync handler, or
	// an error produced before any handler ran).
	OutcomeImmediate
	// OutcomeDeferred: an async/duplex handler was submitted; its
	// response will arrive later via the completions channel.
	OutcomeDeferred
)

type Outcome struct {
	Kind     OutcomeKind
	Response *wire.Response
}

// Dispatcher routes decoded frames to registered handlers. One Dispatcher
// is shared by every connection (registration happens once at startup);
// per-connection state lives in the context value passed to handlers and
// in the per-connection StreamTable used for duplex routing.
type Dispatcher struct {
	methods map[string]*handlerEntry
	pool    *WorkerPool
}

func New(pool *WorkerPool) *Dispatcher {
	return &Dispatcher{methods: make(map[string]*handlerEntry), pool: pool}
}

func (d *Dispatcher) RegisterSync(method string, h SyncHandler) {
	d.methods[method] = &handlerEntry{kind: Sync, sync: h}
}

func (d *Dispatcher) RegisterAsync(method string, h AsyncHandler) {
	d.methods[method] = &handlerEntry{kind: Async, async: h}
}

func (d *Dispatcher) RegisterDuplex(method string, arity int, h DuplexHandler) {
	d.methods[method] = &handlerEntry{kind: Duplex, arity: arity, duplex: h}
}

// Completions is where async/duplex results land, to be drained by the
// write loop. One channel per connection; the dispatcher is handed it at
// Dispatch time via Dispatch's out argument to keep the Dispatcher itself
// connection-agnostic (shared across connections).
type Completions chan *wire.Response

// Dispatch routes one decoded request. hctx is the connection's
// HandlerContext (typed any here to avoid an import cycle — connrt defines
// the concrete type); streams is the connection's duplex stream table.
func (d *Dispatcher) Dispatch(pctx context.Context, hctx any, req *wire.Request, streams *StreamTable, out Completions, log *logging.Conn) Outcome {
	entry, ok := d.methods[req.Method]
	if !ok {
		return d.errorOutcome(req, rpcerr.NotFound("method %q not found", req.Method))
	}

	switch entry.kind {
	case Sync:
		result, err := safeSyncCall(entry.sync, hctx, req.Params)
		if err != nil {
			if log != nil {
				log.Warningf("handler %q failed: %v", req.Method, err)
			}
			return d.errorOutcome(req, err)
		}
		return d.resultOutcome(req, result)

	case Async:
		if req.ID == nil {
			d.pool.Submit(func() {
				if _, err := entry.async(pctx, hctx, req.Params); err != nil && log != nil {
					log.Warningf("async notification %q failed: %v", req.Method, err)
				}
			})
			return Outcome{Kind: OutcomeNone}
		}
		id := *req.ID
		d.pool.Submit(func() {
			result, err := safeAsyncCall(pctx, entry.async, hctx, req.Params)
			var resp *wire.Response
			if err != nil {
				if log != nil {
					log.Warningf("handler %q failed: %v", req.Method, err)
				}
				resp = errorResponse(id, err)
			} else {
				resp = &wire.Response{ID: id, Result: result}
			}
			out <- resp
		})
		return Outcome{Kind: OutcomeDeferred}

	case Duplex:
		newStreams, err := streams.Allocate(req.Params, entry.arity)
		if err != nil {
			return d.errorOutcome(req, err)
		}
		id := req.ID
		d.pool.Submit(func() {
			result, err := safeDuplexCall(pctx, entry.duplex, hctx, newStreams, req.Params)
			streams.ReleaseAll(newStreams)
			if id == nil {
				return
			}
			var resp *wire.Response
			if err != nil {
				if log != nil {
					log.Warningf("handler %q failed: %v", req.Method, err)
				}
				resp = errorResponse(*id, err)
			} else {
				resp = &wire.Response{ID: *id, Result: result}
			}
			out <- resp
		})
		return Outcome{Kind: OutcomeDeferred}
	}
	return d.errorOutcome(req, rpcerr.Invalid("unreachable handler kind"))
}

func (d *Dispatcher) errorOutcome(req *wire.Request, err error) Outcome {
	if req.ID == nil {
		return Outcome{Kind: OutcomeNone}
	}
	return Outcome{Kind: OutcomeImmediate, Response: errorResponse(*req.ID, err)}
}

func (d *Dispatcher) resultOutcome(req *wire.Request, result wire.Map) Outcome {
	if req.ID == nil {
		return Outcome{Kind: OutcomeNone}
	}
	return Outcome{Kind: OutcomeImmediate, Response: &wire.Response{ID: *req.ID, Result: result}}
}

func errorResponse(id int64, err error) *wire.Response {
	if rerr, ok := rpcerr.As(err); ok {
		return &wire.Response{ID: id, IsError: true, ErrMsg: rerr.Error(), ErrCode: rerr.Code()}
	}
	return &wire.Response{ID: id, IsError: true, ErrMsg: err.Error()}
}

// safeSyncCall recovers from a handler panic and reports it the same way a
// normal handler error is reported: a logged error response, connection
// remains open.
func safeSyncCall(h SyncHandler, hctx any, params wire.Map) (result wire.Map, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rpcerr.New(rpcerr.Wrapped, "handler panic: %v", r)
		}
	}()
	return h(hctx, params)
}

func safeAsyncCall(ctx context.Context, h AsyncHandler, hctx any, params wire.Map) (result wire.Map, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rpcerr.New(rpcerr.Wrapped, "handler panic: %v", r)
		}
	}()
	return h(ctx, hctx, params)
}

func safeDuplexCall(ctx context.Context, h DuplexHandler, hctx any, streams []*Stream, params wire.Map) (result wire.Map, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rpcerr.New(rpcerr.Wrapped, "handler panic: %v", r)
		}
	}()
	return h(ctx, hctx, streams, params)
}
