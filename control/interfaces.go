// Package control defines the external collaborators kept as interfaces
// only (Tunnel, ServerBuilder, SelfUpdate/UpdateService, PortForwarding,
// LauncherPaths), and implements the accept/respawn loop that wires an
// accepted Tunnel stream to a connrt runtime.
//
// Grounded on ais/tgtcp.go's accept-then-dispatch structure for an inbound
// control channel, simplified down from an HTTP mux to "one stream, one
// runtime".
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package control

import (
	"context"
	"io"
)

// Stream is one accepted bidirectional byte connection from the tunnel
// transport — the thing the frame codec (wire.Decoder/wire.WriteFrame)
// reads and writes.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	// CloseWrite half-closes the send side so the peer observes EOF
	// without the whole stream (and any in-flight read) being torn down
	// first. connrt calls it only from Runtime.RequestShutdown; the write
	// loop itself does not half-close when it exits.
	CloseWrite() error
}

// Tunnel is the external collaborator that yields accepted byte streams on
// the control port; the tunnel transport itself is out of scope here.
type Tunnel interface {
	// Accept blocks until a client opens a new logical stream, or the
	// tunnel itself is lost (io.EOF / ErrClosed), or ctx is done.
	Accept(ctx context.Context) (Stream, error)
	// Addr reports the bound control-port address, for logging.
	Addr() string
	// Close tears down the tunnel's listening side.
	Close() error
}

// BuildSpec names one resolved editor-server build.
type BuildSpec struct {
	CommitID string
	Quality  string
}

// ServerInstance is a running (or adopted) editor server.
type ServerInstance interface {
	SocketPath() string
	CommitID() string
	Quality() string
	// Running reports whether the process backing this instance is still
	// alive (used when adopting a prior server still listening on its
	// socket).
	Running() bool
}

// HTTPDo is the transport a ServerBuilder uses to fetch manifests/tarballs;
// editorsrv supplies either its direct or delegated httpdelegate client so
// ServerBuilder stays decoupled from the RPC machinery.
type HTTPDo func(ctx context.Context, method, path string) ([]byte, error)

// ServerBuilder resolves, downloads, and launches the headless editor
// server; its own download/launch mechanics are out of scope here.
type ServerBuilder interface {
	// Resolve picks the concrete build for commitID/quality (empty means
	// "latest"), using do for any network fetch it needs.
	Resolve(ctx context.Context, commitID, quality string, extensions []string, do HTTPDo) (BuildSpec, error)
	// AdoptRunning checks whether a previously-launched instance for spec
	// is still listening on its socket. editorsrv.Manager rejects an
	// adopted instance whose CommitID/Quality differ from spec.
	AdoptRunning(ctx context.Context, spec BuildSpec) (ServerInstance, bool)
	// Setup downloads (if needed) and starts listening on the server's
	// default local socket; progress lines are written to progress as
	// they're produced (tee'd to `serverlog`).
	Setup(ctx context.Context, spec BuildSpec, progress io.Writer) (ServerInstance, error)
}

// UpdateService is the self-update collaborator; the update mechanics
// themselves are out of scope here.
type UpdateService interface {
	// CheckAndUpdate checks for a newer agent build and, if doUpdate is
	// set and one is available, replaces the running binary in place.
	// Returns whether the agent is already up to date and whether an
	// update was applied.
	CheckAndUpdate(ctx context.Context, doUpdate bool) (upToDate, didUpdate bool, err error)
}

// PortEvent is a port-forwarding state change the PortForwarding
// collaborator reports asynchronously (e.g. a forwarded port's remote side
// closed).
type PortEvent struct {
	Port   int
	Closed bool
	Err    error
}

// PortForwarding is the OS-level port forwarding collaborator; its own
// mechanics are out of scope here.
type PortForwarding interface {
	Forward(ctx context.Context, port int) (uri string, err error)
	Unforward(ctx context.Context, port int) error
	// Events delivers asynchronous forwarding state changes to the accept
	// loop, which logs them; it does not pass them back to the
	// PortForwarding implementation.
	Events() <-chan PortEvent
}

// LauncherPaths is the filesystem-paths collaborator: every directory the
// control server touches on disk.
type LauncherPaths interface {
	CacheDir() string
	LogDir() string
	// ServerInstallDir names the on-disk directory for one commit@quality
	// install, under CacheDir.
	ServerInstallDir(commitID, quality string) string
}

// Outcome is what the accept/respawn loop returns to its caller, the
// process supervisor.
type Outcome int

const (
	Exit Outcome = iota
	Restart
	Respawn
)

func (o Outcome) String() string {
	switch o {
	case Exit:
		return "Exit"
	case Restart:
		return "Restart"
	case Respawn:
		return "Respawn"
	default:
		return "Unknown"
	}
}

// ShutdownSignal tags why the outer loop was asked to stop.
type ShutdownSignal int

const (
	ShutdownExit ShutdownSignal = iota
	ShutdownRestartRequested
)
