// Per-connection runtime: read loop, write loop, and teardown for one
// accepted stream.
package connrt

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/tunnelrun/agentd/control"
	"github.com/tunnelrun/agentd/internal/metrics"
	"github.com/tunnelrun/agentd/internal/rpcerr"
	"github.com/tunnelrun/agentd/rpcdispatch"
	"github.com/tunnelrun/agentd/wire"
)

const maxFrameLen = 32 * 1024 * 1024

// Runtime ties a single accepted control.Stream to a HandlerContext, the
// shared Dispatcher, and its read/write loops.
type Runtime struct {
	stream control.Stream
	hc     *HandlerContext
	disp   *rpcdispatch.Dispatcher

	shutdown chan struct{}
	once     sync.Once

	rx atomic.Int64
	tx atomic.Int64
}

func NewRuntime(stream control.Stream, hc *HandlerContext, disp *rpcdispatch.Dispatcher) *Runtime {
	return &Runtime{stream: stream, hc: hc, disp: disp, shutdown: make(chan struct{})}
}

// Run drives both loops to completion and returns once the connection has
// fully torn down. The returned bool is true iff the outer accept loop
// should respawn the whole process.
func (r *Runtime) Run(ctx context.Context) (respawn bool, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	metrics.ConnOpened.Inc()

	completions := make(rpcdispatch.Completions, 4)

	var wg sync.WaitGroup
	wg.Add(2)
	var readErr error

	go func() {
		defer wg.Done()
		defer r.triggerShutdown()
		readErr = r.readLoop(ctx, completions)
	}()
	go func() {
		defer wg.Done()
		defer r.triggerShutdown()
		r.writeLoop(completions)
	}()

	wg.Wait()
	r.teardown()

	if r.hc.DidUpdate.Load() {
		return true, readErr
	}
	return false, readErr
}

// triggerShutdown is the one place either loop (or an external caller) asks
// the connection to die. It always closes the underlying stream so a
// reader blocked in dec.ReadFrame() unblocks immediately — a graceful
// shutdown should call RequestShutdown first to half-close and give the
// peer a clean EOF before this runs.
func (r *Runtime) triggerShutdown() {
	r.once.Do(func() {
		close(r.shutdown)
		r.stream.Close()
	})
}

// RequestShutdown asks the connection to close gracefully: half-close the
// write side so the peer observes a clean EOF, then trigger the same
// teardown every other exit path uses.
func (r *Runtime) RequestShutdown() {
	r.stream.CloseWrite()
	r.triggerShutdown()
}

// readLoop is the sole reader of the stream's inbound half.
func (r *Runtime) readLoop(ctx context.Context, completions rpcdispatch.Completions) error {
	dec := wire.NewDecoder(r.stream, maxFrameLen)
	for {
		payload, err := dec.ReadFrame()
		if err != nil {
			if err == io.EOF {
				return nil // clean close
			}
			if rerr, ok := rpcerr.As(err); ok {
				r.hc.EnqueueSignal(CloseWith(rerr))
			}
			return err
		}
		r.rx.Add(int64(len(payload)))
		metrics.RxBytes.Add(float64(len(payload)))

		req, err := wire.DecodeRequest(payload)
		if err != nil {
			// A decode failure is InvalidRpcData and closes the
			// connection with that reason.
			r.hc.EnqueueSignal(CloseWith(err))
			return err
		}

		if req.Method == "streamdata" {
			r.routeStreamData(req.Params)
			continue
		}

		metrics.RPCRequests.WithLabelValues(req.Method).Inc()
		outcome := r.disp.Dispatch(ctx, r.hc, req, r.hc.Streams, completions, r.hc.Log)
		switch outcome.Kind {
		case rpcdispatch.OutcomeImmediate:
			if outcome.Response.IsError {
				metrics.RPCErrors.WithLabelValues(req.Method, "immediate").Inc()
			}
			r.hc.EnqueueSignal(Send(outcome.Response.Encode()))
		case rpcdispatch.OutcomeDeferred, rpcdispatch.OutcomeNone:
			// Deferred: the write loop picks the result off completions
			// when the async/duplex handler finishes. None: notification,
			// nothing to send.
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (r *Runtime) routeStreamData(params wire.Map) {
	id, _ := params.GetInt64("stream_id")
	body, _ := params.GetBytes("body")
	eof, _ := params.GetBool("eof")
	r.hc.Streams.Feed(id, body, eof)
}

// writeLoop is the exclusive owner of the stream's write half: the sole
// writer on the outbound half.
func (r *Runtime) writeLoop(completions rpcdispatch.Completions) {
	// Startup: emit `version` as the first frame.
	versionReq := &wire.ClientRequest{Method: wire.MethodVersion, Params: wire.Map{}}
	if err := r.writeFrame(versionReq.Encode()); err != nil {
		return
	}

	for {
		select {
		case <-r.shutdown:
			return
		case resp := <-completions:
			if err := r.writeFrame(resp.Encode()); err != nil {
				r.triggerShutdown()
				return
			}
		case sig := <-r.hc.writeQueue:
			if sig.closeWith {
				if r.hc.Log != nil {
					r.hc.Log.Warningf("closing: %v", sig.reason)
				}
				r.triggerShutdown()
				return
			}
			if err := r.writeFrame(sig.body); err != nil {
				r.triggerShutdown()
				return
			}
		}
	}
}

func (r *Runtime) writeFrame(payload []byte) error {
	if err := wire.WriteFrame(r.stream, payload); err != nil {
		return err
	}
	r.tx.Add(int64(len(payload)))
	metrics.TxBytes.Add(float64(len(payload)))
	return nil
}

// teardown drops pending delegated HTTP entries, disposes the
// multiplexer (which disposes every bridge), and closes the stream.
func (r *Runtime) teardown() {
	r.hc.Delegated.Shutdown()
	r.hc.Streams.DisposeAll()
	r.hc.Mux.DisposeAll()
	r.stream.Close()
	metrics.ConnClosed.Inc()
}
