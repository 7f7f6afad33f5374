package connrt

import (
	"runtime"
	"sync/atomic"

	"github.com/tunnelrun/agentd/bridge"
	"github.com/tunnelrun/agentd/control"
	"github.com/tunnelrun/agentd/downloadsrc"
	"github.com/tunnelrun/agentd/editorsrv"
	"github.com/tunnelrun/agentd/httpdelegate"
	"github.com/tunnelrun/agentd/internal/kvdb"
	"github.com/tunnelrun/agentd/internal/logging"
	"github.com/tunnelrun/agentd/rpcdispatch"
	"github.com/tunnelrun/agentd/wire"
)

// AgentPlatform names the OS/arch this agent runs on, used by acquire_cli
// when the caller's platform param is empty.
type AgentPlatform struct {
	OS   string
	Arch string
}

func DetectPlatform() AgentPlatform { return AgentPlatform{OS: runtime.GOOS, Arch: runtime.GOARCH} }

// Collaborators bundles the external collaborators built once at startup
// and shared (where stateless) across every accepted connection.
type Collaborators struct {
	Paths    control.LauncherPaths
	Builder  control.ServerBuilder
	Update   control.UpdateService
	PortFwd  control.PortForwarding
	CLICache *downloadsrc.Cache
	Marker   kvdb.Driver
}

// HandlerContext is the per-connection state every registered RPC method
// reads or mutates.
type HandlerContext struct {
	ID  string
	Log *logging.Conn

	// DidUpdate is monotone: once true, stays true; observing true on
	// teardown forces a respawn.
	DidUpdate atomic.Bool

	writeQueue chan SocketSignal

	Paths    control.LauncherPaths
	Mux      *bridge.Mux
	Editor   *editorsrv.Manager
	PortFwd  control.PortForwarding
	Platform AgentPlatform

	Direct    *httpdelegate.DirectClient
	Delegated *httpdelegate.Client
	Fallback  *httpdelegate.FallbackClient

	Update   control.UpdateService
	CLICache *downloadsrc.Cache

	Streams *rpcdispatch.StreamTable
}

// New builds a fresh HandlerContext for one accepted stream. editorSocketAddr
// is the loopback address httpdelegate's DirectClient targets for
// `callserverhttp` (the editor server's own local HTTP listener, separate
// from the domain socket bridges dial).
func New(id string, log *logging.Conn, col Collaborators, editorSocketAddr string) *HandlerContext {
	hc := &HandlerContext{
		ID:         id,
		Log:        log,
		writeQueue: make(chan SocketSignal, 4),
		Paths:      col.Paths,
		Mux:        bridge.NewMux(),
		PortFwd:    col.PortFwd,
		Platform:   DetectPlatform(),
		Update:     col.Update,
		CLICache:   col.CLICache,
	}

	hc.Delegated = httpdelegate.New(func(req *wire.ClientRequest) error {
		hc.writeQueue <- Send(req.Encode())
		return nil
	})
	hc.Direct = httpdelegate.NewDirectClient(editorSocketAddr)
	hc.Fallback = httpdelegate.NewFallbackClient(hc.Direct, hc.Delegated)

	hc.Editor = editorsrv.New(col.Builder, col.Paths, col.Marker, log)
	hc.Editor.SetServerLogEmitter(func(line string) {
		req := &wire.ClientRequest{Method: wire.MethodServerLog, Params: wire.Map{"line": line}}
		// try-send: a full queue drops the log line rather than blocking
		// the connection.
		select {
		case hc.writeQueue <- Send(req.Encode()):
		default:
		}
	})

	hc.Streams = rpcdispatch.NewStreamTable(func(id int64, body []byte, eof bool) {
		req := &wire.Request{Method: "streamdata", Params: wire.Map{"stream_id": id, "body": body, "eof": eof}}
		hc.writeQueue <- Send(req.Encode())
	})
	return hc
}

// EnqueueSignal puts sig on the write queue; the read loop uses it for
// immediate responses and CloseWith signals.
func (hc *HandlerContext) EnqueueSignal(sig SocketSignal) { hc.writeQueue <- sig }

// BridgeSender adapts the write queue to bridge.Sender: a servermsg
// client-request per chunk.
func (hc *HandlerContext) BridgeSender() bridge.Sender {
	return func(socketID uint16, body []byte) error {
		req := &wire.ClientRequest{Method: wire.MethodServerMsg, Params: wire.Map{"i": int64(socketID), "body": body}}
		hc.writeQueue <- Send(req.Encode())
		return nil
	}
}
