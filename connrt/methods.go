// Method table: every RPC the control server exposes, registered once
// against a shared *rpcdispatch.Dispatcher at startup.
package connrt

import (
	"context"
	"os"

	"github.com/tunnelrun/agentd/editorsrv"
	"github.com/tunnelrun/agentd/httpdelegate"
	"github.com/tunnelrun/agentd/internal/rpcerr"
	"github.com/tunnelrun/agentd/rpcdispatch"
	"github.com/tunnelrun/agentd/spawn"
	"github.com/tunnelrun/agentd/wire"
)

func hc(ctx any) *HandlerContext { return ctx.(*HandlerContext) }

// RegisterAll wires every supported method onto d.
func RegisterAll(d *rpcdispatch.Dispatcher) {
	d.RegisterSync("ping", handlePing)
	d.RegisterSync("gethostname", handleGetHostname)
	d.RegisterAsync("serve", handleServe)
	d.RegisterAsync("update", handleUpdate)
	d.RegisterSync("servermsg", handleServerMsg)
	d.RegisterSync("prune", handlePrune)
	d.RegisterAsync("callserverhttp", handleCallServerHTTP)
	d.RegisterAsync("forward", handleForward)
	d.RegisterAsync("unforward", handleUnforward)
	d.RegisterAsync("acquire_cli", handleAcquireCLI)
	d.RegisterDuplex("spawn", 3, handleSpawn)
	d.RegisterSync("httpheaders", handleHTTPHeaders)
	d.RegisterSync("httpbody", handleHTTPBody)
	// streamdata is routed by the read loop directly into the
	// HandlerContext's StreamTable (subsequent frames carrying their
	// stream-ids route straight into the inline streams), not through the
	// normal dispatch table; see runtime.go.
}

func handlePing(_ any, _ wire.Map) (wire.Map, error) { return wire.Map{}, nil }

func handleGetHostname(ctxAny any, _ wire.Map) (wire.Map, error) {
	// HOSTNAME env var first, then os.Hostname().
	if h := os.Getenv("HOSTNAME"); h != "" {
		return wire.Map{"value": h}, nil
	}
	h, err := os.Hostname()
	if err != nil {
		return nil, rpcerr.IOErr(err)
	}
	return wire.Map{"value": h}, nil
}

func handleServe(ctx context.Context, ctxAny any, params wire.Map) (wire.Map, error) {
	h := hc(ctxAny)
	p := editorsrv.ServeParams{}
	p.CommitID, _ = params.GetString("commit_id")
	p.Quality, _ = params.GetString("quality")
	p.UseLocalDownload, _ = params.GetBool("use_local_download")
	p.Compress, _ = params.GetBool("compress")
	if sid, ok := params.GetInt64("socket_id"); ok {
		p.SocketID = uint16(sid)
	}
	if exts, ok := params.GetSlice("extensions"); ok {
		for _, e := range exts {
			if s, ok := e.(string); ok {
				p.Extensions = append(p.Extensions, s)
			}
		}
	}

	httpDo := httpDoFor(h, p.UseLocalDownload)
	if err := h.Editor.Serve(ctx, p, httpDo, h.Mux, h.BridgeSender()); err != nil {
		return nil, err
	}
	return wire.Map{}, nil
}

func httpDoFor(h *HandlerContext, delegatedOnly bool) func(ctx context.Context, method, path string) ([]byte, error) {
	return func(ctx context.Context, method, path string) ([]byte, error) {
		resp, err := h.Fallback.Do(ctx, httpdelegate.Request{Path: path, Method: method}, delegatedOnly)
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	}
}

func handleUpdate(ctx context.Context, ctxAny any, params wire.Map) (wire.Map, error) {
	h := hc(ctxAny)
	doUpdate, _ := params.GetBool("do_update")
	if h.Update == nil {
		return wire.Map{"up_to_date": true, "did_update": false}, nil
	}
	upToDate, didUpdate, err := h.Update.CheckAndUpdate(ctx, doUpdate)
	if err != nil {
		return nil, rpcerr.Wrap(err, "update")
	}
	if didUpdate {
		h.DidUpdate.Store(true) // monotone: never reset once true
	}
	return wire.Map{"up_to_date": upToDate, "did_update": didUpdate}, nil
}

func handleServerMsg(ctxAny any, params wire.Map) (wire.Map, error) {
	h := hc(ctxAny)
	id, _ := params.GetInt64("i")
	body, _ := params.GetBytes("body")
	if !h.Mux.WriteMessage(uint16(id), body) {
		return nil, rpcerr.NoServer()
	}
	return wire.Map{}, nil
}

func handlePrune(ctxAny any, _ wire.Map) (wire.Map, error) {
	h := hc(ctxAny)
	removed, err := h.Editor.Prune(h.Paths)
	if err != nil {
		return nil, rpcerr.Wrap(err, "prune")
	}
	out := make([]wire.Value, len(removed))
	for i, p := range removed {
		out[i] = p
	}
	return wire.Map{"value": out}, nil
}

func handleCallServerHTTP(ctx context.Context, ctxAny any, params wire.Map) (wire.Map, error) {
	h := hc(ctxAny)
	req := httpdelegate.Request{}
	req.Path, _ = params.GetString("path")
	req.Method, _ = params.GetString("method")
	req.Body, _ = params.GetBytes("body")
	if hdrs, ok := params.GetSlice("headers"); ok {
		for _, hv := range hdrs {
			if m, ok := hv.(wire.Map); ok {
				name, _ := m.GetString("name")
				val, _ := m.GetString("value")
				req.Headers = append(req.Headers, httpdelegate.Header{Name: name, Value: val})
			}
		}
	}
	resp, err := h.Fallback.Do(ctx, req, false)
	if err != nil {
		return nil, rpcerr.Wrap(err, "callserverhttp")
	}
	headers := make([]wire.Value, 0, len(resp.Headers))
	for _, hdr := range resp.Headers {
		headers = append(headers, wire.Map{"name": hdr.Name, "value": hdr.Value})
	}
	return wire.Map{"status": int64(resp.StatusCode), "headers": headers, "body": resp.Body}, nil
}

func handleForward(ctx context.Context, ctxAny any, params wire.Map) (wire.Map, error) {
	h := hc(ctxAny)
	if h.PortFwd == nil {
		return nil, rpcerr.Invalid("port forwarding unavailable")
	}
	port, _ := params.GetInt64("port")
	uri, err := h.PortFwd.Forward(ctx, int(port))
	if err != nil {
		return nil, rpcerr.Wrap(err, "forward")
	}
	return wire.Map{"uri": uri}, nil
}

func handleUnforward(ctx context.Context, ctxAny any, params wire.Map) (wire.Map, error) {
	h := hc(ctxAny)
	if h.PortFwd == nil {
		return wire.Map{}, nil
	}
	port, _ := params.GetInt64("port")
	if err := h.PortFwd.Unforward(ctx, int(port)); err != nil {
		return nil, rpcerr.Wrap(err, "unforward")
	}
	return wire.Map{}, nil
}

func handleAcquireCLI(ctx context.Context, ctxAny any, params wire.Map) (wire.Map, error) {
	h := hc(ctxAny)
	platform, _ := params.GetString("platform")
	if platform == "" {
		// Fall back to the detected AgentPlatform when the caller omits one.
		platform = h.Platform.OS + "-" + h.Platform.Arch
	}
	quality, _ := params.GetString("quality")
	commitID, _ := params.GetString("commit_id")

	if h.CLICache == nil {
		return nil, rpcerr.Invalid("no CLI download cache configured")
	}
	key := platform + "/" + quality + "/" + commitID + "/cli"
	path, err := h.CLICache.Fetch(ctx, "s3", key, "")
	if err != nil {
		return nil, rpcerr.Wrap(err, "acquire_cli download")
	}

	spawnParams, _ := params.GetMap("spawn")
	command, _ := spawnParams.GetString("command")
	if command == "" {
		command = path
	}
	var args []string
	if a, ok := spawnParams.GetSlice("args"); ok {
		for _, v := range a {
			if s, ok := v.(string); ok {
				args = append(args, s)
			}
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, rpcerr.IOErr(err)
	}
	defer f.Close()

	res, err := spawn.Spawn(ctx, command, args, nil, spawn.IO{Stdin: f})
	if err != nil {
		return nil, err
	}
	return wire.Map{"exit_code": int64(res.ExitCode), "message": res.Message}, nil
}

func handleSpawn(ctx context.Context, ctxAny any, streams []*rpcdispatch.Stream, params wire.Map) (wire.Map, error) {
	command, _ := params.GetString("command")
	var args []string
	if a, ok := params.GetSlice("args"); ok {
		for _, v := range a {
			if s, ok := v.(string); ok {
				args = append(args, s)
			}
		}
	}
	var envv []string
	if e, ok := params.GetMap("env"); ok {
		for k, v := range e {
			if s, ok := v.(string); ok {
				envv = append(envv, k+"="+s)
			}
		}
	}
	res, err := spawn.Spawn(ctx, command, args, envv, spawn.IO{
		Stdin:  streams[0],
		Stdout: streams[1],
		Stderr: streams[2],
	})
	if err != nil {
		return nil, err
	}
	return wire.Map{"exit_code": int64(res.ExitCode), "message": res.Message}, nil
}

func handleHTTPHeaders(ctxAny any, params wire.Map) (wire.Map, error) {
	h := hc(ctxAny)
	reqID, _ := params.GetInt64("req_id")
	statusCode, _ := params.GetInt64("status_code")
	var headers []httpdelegate.Header
	if hdrs, ok := params.GetSlice("headers"); ok {
		for _, hv := range hdrs {
			if m, ok := hv.(wire.Map); ok {
				name, _ := m.GetString("name")
				val, _ := m.GetString("value")
				headers = append(headers, httpdelegate.Header{Name: name, Value: val})
			}
		}
	}
	if err := h.Delegated.HandleHeaders(reqID, int(statusCode), headers); err != nil {
		return nil, err
	}
	return wire.Map{}, nil
}

func handleHTTPBody(ctxAny any, params wire.Map) (wire.Map, error) {
	h := hc(ctxAny)
	reqID, _ := params.GetInt64("req_id")
	segment, _ := params.GetBytes("segment")
	complete, _ := params.GetBool("complete")
	if err := h.Delegated.HandleBody(reqID, segment, complete); err != nil {
		return nil, err
	}
	return wire.Map{}, nil
}
