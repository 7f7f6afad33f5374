// Package editorsrv implements the editor-server manager: at-most-one
// resolve/download/launch of the headless editor server, and attaching
// bridges to its local socket on behalf of `serve` RPCs.
//
// Grounded on ext/dload/manager.go's single-flight-by-key download
// coordination (one in-flight fetch per target, everyone else waits on the
// same result) combined with ais/tgtcp.go's "exclusive slot, set once"
// pattern for a cluster's own bootstrap bMeta. The at-most-one guarantee
// is `golang.org/x/sync/singleflight` plus a mutex-guarded slot, rather
// than reimplementing either by hand.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package editorsrv

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/tunnelrun/agentd/bridge"
	"github.com/tunnelrun/agentd/control"
	"github.com/tunnelrun/agentd/internal/kvdb"
	"github.com/tunnelrun/agentd/internal/logging"
	"github.com/tunnelrun/agentd/internal/metrics"
	"github.com/tunnelrun/agentd/internal/rpcerr"
)

// LaunchMode distinguishes the two ways a slot may be occupied: occupied in
// a different launch mode fails with MismatchedLaunchMode. The control
// server only ever requests Socket mode via `serve`; nothing in this
// repository sets ModeProcess (acquire_cli spawns its CLI without touching
// this slot).
type LaunchMode int

const (
	ModeUnset LaunchMode = iota
	ModeSocket
	ModeProcess
)

func (m LaunchMode) String() string {
	switch m {
	case ModeSocket:
		return "socket"
	case ModeProcess:
		return "process"
	default:
		return "unset"
	}
}

const markerBucket = "editorsrv"

// Manager owns one HandlerContext's editor-server slot: a lazily
// initialized handle for the editor server, with exclusive access.
type Manager struct {
	builder control.ServerBuilder
	paths   control.LauncherPaths
	marker  kvdb.Driver
	log     *logging.Conn

	sf singleflight.Group

	mu     sync.Mutex
	mode   LaunchMode
	inst   control.ServerInstance
	extras map[string]struct{} // cached launch extensions, merged across serve calls

	// serverLog, if set, receives each completed install-progress line in
	// addition to the local log, forwarded to the client as serverlog
	// client-requests. connrt wires this to a non-blocking try-send onto
	// the write queue, dropping the log line if the queue is full.
	serverLog func(line string)
}

func New(builder control.ServerBuilder, paths control.LauncherPaths, marker kvdb.Driver, log *logging.Conn) *Manager {
	return &Manager{builder: builder, paths: paths, marker: marker, log: log, extras: make(map[string]struct{})}
}

// SetServerLogEmitter wires the serverlog sink (see serverLog field).
func (m *Manager) SetServerLogEmitter(emit func(line string)) { m.serverLog = emit }

// ServeParams is the decoded params of a `serve` RPC call.
type ServeParams struct {
	CommitID         string
	Quality          string
	Extensions       []string
	UseLocalDownload bool
	SocketID         uint16
	Compress         bool
}

// Serve implements the `serve` algorithm. httpDo is the already-selected
// direct-or-delegated HTTP transport (UseLocalDownload forces
// delegated-only; the caller made that choice before calling here).
func (m *Manager) Serve(ctx context.Context, p ServeParams, httpDo control.HTTPDo, mux *bridge.Mux, send bridge.Sender) error {
	// Step 1: merge extras into cached launch arguments.
	m.mu.Lock()
	for _, e := range p.Extensions {
		m.extras[e] = struct{}{}
	}
	merged := make([]string, 0, len(m.extras))
	for e := range m.extras {
		merged = append(merged, e)
	}
	m.mu.Unlock()

	// Step 2: resolve the target build.
	spec, err := m.builder.Resolve(ctx, p.CommitID, p.Quality, merged, httpDo)
	if err != nil {
		return rpcerr.Wrap(err, "resolve editor-server build")
	}

	// Step 3: acquire the exclusive slot.
	inst, err := m.acquire(ctx, spec)
	if err != nil {
		return err
	}

	// Step 4: attach a bridge.
	conn, err := net.Dial("unix", inst.SocketPath())
	if err != nil {
		return rpcerr.IOErr(fmt.Errorf("dial editor socket %s: %w", inst.SocketPath(), err))
	}
	comp := bridge.Plain
	if p.Compress {
		comp = bridge.Compressed
	}
	b := bridge.New(p.SocketID, conn, comp, send, m.log, mux.Unregister)
	mux.Register(p.SocketID, b)
	return nil
}

// acquireKey is the singleflight key for acquire's resolve/adopt/setup
// step. It is deliberately a single constant rather than keyed on the
// requested build: the manager's slot holds at most one editor-server
// instance no matter which spec any given `serve` call asked for, so two
// concurrent callers for *different* specs must still collapse onto one
// in-flight Setup rather than racing to spawn two processes. Whichever
// call singleflight picks to actually run wins; the rest get its result,
// matching the slot's "occupied -> reuse it" rule regardless of spec.
const acquireKey = "acquire"

// acquire resolves/adopts/launches the editor server and stores it in the
// manager's exclusive slot, or returns the existing instance if the slot
// is already occupied in socket mode.
func (m *Manager) acquire(ctx context.Context, spec control.BuildSpec) (control.ServerInstance, error) {
	m.mu.Lock()
	if m.mode == ModeSocket && m.inst != nil {
		inst := m.inst
		m.mu.Unlock()
		return inst, nil
	}
	if m.mode != ModeUnset {
		have := m.mode
		m.mu.Unlock()
		return nil, rpcerr.MismatchedMode(have.String(), ModeSocket.String())
	}
	m.mu.Unlock()

	v, err, _ := m.sf.Do(acquireKey, func() (any, error) {
		// Re-check under the singleflight call: a prior caller may have
		// already resolved and stored an instance while this one waited
		// to be scheduled.
		m.mu.Lock()
		if m.mode == ModeSocket && m.inst != nil {
			inst := m.inst
			m.mu.Unlock()
			return inst, nil
		}
		m.mu.Unlock()

		if inst, ok := m.builder.AdoptRunning(ctx, spec); ok && inst.Running() {
			// Reject adoption on a handshake mismatch rather than
			// trusting the on-disk marker beyond "still listening on
			// its socket".
			if inst.CommitID() == spec.CommitID && inst.Quality() == spec.Quality {
				return m.store(inst, spec)
			}
		}
		var progress io.Writer = &lineLogger{log: m.log, emit: m.serverLog}
		inst, err := m.builder.Setup(ctx, spec, progress)
		if err != nil {
			return nil, err
		}
		metrics.EditorServerLaunches.Inc()
		return m.store(inst, spec)
	})
	if err != nil {
		return nil, rpcerr.Wrap(err, "setup editor server")
	}
	return v.(control.ServerInstance), nil
}

// store records the winning instance in the manager's slot, idempotently:
// the singleflight call above already ensures only one goroutine reaches
// here for the manager's whole lifetime of an unset slot.
func (m *Manager) store(inst control.ServerInstance, spec control.BuildSpec) (control.ServerInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == ModeUnset {
		m.mode = ModeSocket
		m.inst = inst
		if m.marker != nil {
			_ = m.marker.Set(markerBucket, spec.CommitID+"@"+spec.Quality, inst.SocketPath())
		}
	}
	return m.inst, nil
}

// lineLogger buffers partial install-subprocess output until a newline
// before forwarding it as a `serverlog` line.
type lineLogger struct {
	log  *logging.Conn
	emit func(string)
	buf  []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(l.buf[:i], "\r"))
		if l.log != nil {
			l.log.Infof("serverlog: %s", line)
		}
		if l.emit != nil {
			l.emit(line)
		}
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}
