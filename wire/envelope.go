// RPC envelope: request/response/client-request, all sharing the
// Map-keyed wire encoding from value.go.
package wire

import (
	"github.com/tunnelrun/agentd/internal/rpcerr"
)

// Request is a client->server RPC envelope. ID is nil for notifications.
type Request struct {
	ID     *int64
	Method string
	Params Map
}

// Response is the server->client reply to a Request carrying an ID.
type Response struct {
	ID      int64
	Result  Map
	ErrMsg  string
	ErrCode int
	IsError bool
}

// ClientRequestMethod is the fixed set of agent->client pushes.
type ClientRequestMethod string

const (
	MethodVersion   ClientRequestMethod = "version"
	MethodMakeHTTP  ClientRequestMethod = "makehttpreq"
	MethodServerLog ClientRequestMethod = "serverlog"
	MethodServerMsg ClientRequestMethod = "servermsg"
)

// ClientRequest is an agent-initiated push toward the client; it has the
// same shape as Request with ID always absent.
type ClientRequest struct {
	Method ClientRequestMethod
	Params Map
}

// Encode serializes a Request onto the wire.
func (r *Request) Encode() []byte {
	m := Map{"method": r.Method, "params": r.Params}
	if r.ID != nil {
		m["id"] = *r.ID
	}
	return appendMap(nil, m)
}

// Encode serializes a Response onto the wire.
func (r *Response) Encode() []byte {
	m := Map{"id": r.ID}
	if r.IsError {
		errm := Map{"message": r.ErrMsg}
		if r.ErrCode != 0 {
			errm["code"] = int64(r.ErrCode)
		}
		m["error"] = errm
	} else {
		m["result"] = r.Result
	}
	return appendMap(nil, m)
}

// Encode serializes a ClientRequest onto the wire.
func (c *ClientRequest) Encode() []byte {
	m := Map{"method": string(c.Method), "params": c.Params}
	return appendMap(nil, m)
}

// DecodeRequest parses a frame payload as an incoming Request. A decode
// failure is always InvalidRpcData — the caller closes the connection with
// that as the reason.
func DecodeRequest(payload []byte) (*Request, error) {
	v, rest, err := DecodeValue(payload)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, rpcerr.Invalid("trailing bytes after envelope")
	}
	m, ok := v.(Map)
	if !ok {
		return nil, rpcerr.Invalid("envelope is not a map")
	}
	method, ok := m.GetString("method")
	if !ok {
		return nil, rpcerr.Invalid("envelope missing method")
	}
	req := &Request{Method: method}
	if params, ok := m.GetMap("params"); ok {
		req.Params = params
	} else {
		req.Params = Map{}
	}
	if id, ok := m.GetInt64("id"); ok {
		req.ID = &id
	}
	return req, nil
}

// DecodeResponse parses a frame payload as a Response (used by client-side
// test doubles; inbound httpheaders/httpbody calls are Requests and go
// through DecodeRequest).
func DecodeResponse(payload []byte) (*Response, error) {
	v, rest, err := DecodeValue(payload)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, rpcerr.Invalid("trailing bytes after envelope")
	}
	m, ok := v.(Map)
	if !ok {
		return nil, rpcerr.Invalid("envelope is not a map")
	}
	resp := &Response{}
	if id, ok := m.GetInt64("id"); ok {
		resp.ID = id
	}
	if errm, ok := m.GetMap("error"); ok {
		resp.IsError = true
		resp.ErrMsg, _ = errm.GetString("message")
		if code, ok := errm.GetInt64("code"); ok {
			resp.ErrCode = int(code)
		}
		return resp, nil
	}
	if result, ok := m.GetMap("result"); ok {
		resp.Result = result
	}
	return resp, nil
}
