package httpdelegate

import (
	"context"

	"github.com/valyala/fasthttp"
)

// DirectClient issues requests straight to a local address (typically the
// editor server's loopback HTTP listener); used when the agent does have
// egress to the target, which for "direct" requests is localhost.
type DirectClient struct {
	addr string
	hc   *fasthttp.Client
}

func NewDirectClient(addr string) *DirectClient {
	return &DirectClient{addr: addr, hc: &fasthttp.Client{}}
}

func (d *DirectClient) do(req Request) (*Response, error) {
	freq := fasthttp.AcquireRequest()
	fresp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(freq)
	defer fasthttp.ReleaseResponse(fresp)

	freq.SetRequestURI("http://" + d.addr + req.Path)
	freq.Header.SetMethod(req.Method)
	for _, h := range req.Headers {
		freq.Header.Set(h.Name, h.Value)
	}
	if req.Body != nil {
		freq.SetBody(req.Body)
	}
	if err := d.hc.Do(freq, fresp); err != nil {
		return nil, err
	}
	out := &Response{StatusCode: fresp.StatusCode(), Body: append([]byte(nil), fresp.Body()...)}
	fresp.Header.VisitAll(func(k, v []byte) {
		out.Headers = append(out.Headers, Header{Name: string(k), Value: string(v)})
	})
	return out, nil
}

// FallbackClient tries a DirectClient first and falls back to the
// delegated Client on transport failure. DelegatedOnly forces straight to
// the delegated path, for use_local_download callers.
type FallbackClient struct {
	direct    *DirectClient
	delegated *Client
}

func NewFallbackClient(direct *DirectClient, delegated *Client) *FallbackClient {
	return &FallbackClient{direct: direct, delegated: delegated}
}

func (f *FallbackClient) Do(ctx context.Context, req Request, delegatedOnly bool) (*Response, error) {
	if !delegatedOnly && f.direct != nil {
		if resp, err := f.direct.do(req); err == nil {
			return resp, nil
		}
	}
	return f.delegated.Do(ctx, req)
}
