// Accept/respawn loop. Lives in this package because it only needs
// the Tunnel/PortForwarding interfaces above; the concrete per-connection
// runtime (connrt) imports control for those interfaces, so control cannot
// import connrt back. RunParams.Spawn is the inversion point: cmd/agent
// wires it to connrt.NewRuntime.
//
// Grounded on ais/tgtcp.go's accept loop (a background goroutine feeding
// accepted connections onto a channel the main select drains) combined with
// the daemon run loop's top-level signal select in ais/daemon.go.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package control

import (
	"context"

	"github.com/tunnelrun/agentd/internal/ids"
	"github.com/tunnelrun/agentd/internal/logging"
)

// SpawnFunc runs one accepted stream to completion (blocking) and reports
// whether its teardown requires the whole process to respawn (DidUpdate is
// monotone; observing true on teardown forces a respawn). Typically
// connrt.NewRuntime(...).Run wrapped to log and drop the error (see
// cmd/agent).
type SpawnFunc func(ctx context.Context, id string, stream Stream) (respawn bool)

type RunParams struct {
	Tunnel Tunnel
	// PortFwd is optional; nil disables the port-forwarding event leg of
	// the select.
	PortFwd PortForwarding
	// Shutdown receives exactly one value when the process supervisor asks
	// this loop to stop; the loop exits on the first one.
	Shutdown <-chan ShutdownSignal
	Spawn    SpawnFunc
	Log      *logging.Conn
}

// Run: bind is the caller's job (RunParams.Tunnel is already listening);
// Run only accepts, dispatches, and watches for the four other events
// until one of them ends the loop.
func Run(ctx context.Context, p RunParams) Outcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	accepted := make(chan Stream)
	acceptDone := make(chan error, 1)
	go func() {
		for {
			stream, err := p.Tunnel.Accept(ctx)
			if err != nil {
				acceptDone <- err
				return
			}
			select {
			case accepted <- stream:
			case <-ctx.Done():
				stream.Close()
				return
			}
		}
	}()

	respawned := make(chan struct{}, 1)

	var portEvents <-chan PortEvent
	if p.PortFwd != nil {
		portEvents = p.PortFwd.Events()
	}

	for {
		select {
		case stream := <-accepted:
			id := ids.New()
			go func() {
				if p.Spawn(ctx, id, stream) {
					select {
					case respawned <- struct{}{}:
					default:
					}
				}
			}()

		case <-respawned:
			return Respawn

		case sig := <-p.Shutdown:
			if sig == ShutdownRestartRequested {
				return Restart
			}
			return Exit

		case ev := <-portEvents:
			if p.Log != nil {
				if ev.Err != nil {
					p.Log.Warningf("port forward %d: %v", ev.Port, ev.Err)
				} else if ev.Closed {
					p.Log.Infof("port forward %d closed", ev.Port)
				}
			}

		case err := <-acceptDone:
			if p.Log != nil {
				p.Log.Warningf("tunnel %s closed: %v", p.Tunnel.Addr(), err)
			}
			return Restart

		case <-ctx.Done():
			return Exit
		}
	}
}
