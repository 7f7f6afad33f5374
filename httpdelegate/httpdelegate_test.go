package httpdelegate

import (
	"context"
	"testing"
	"time"

	"github.com/tunnelrun/agentd/wire"
)

func TestDelegatedRoundTrip(t *testing.T) {
	var captured *wire.ClientRequest
	c := New(func(req *wire.ClientRequest) error {
		captured = req
		return nil
	})

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := c.Do(context.Background(), Request{Path: "/manifest", Method: "GET"})
		done <- result{resp, err}
	}()

	// give Do a moment to register the pending entry and emit makehttpreq
	time.Sleep(10 * time.Millisecond)
	if captured == nil {
		t.Fatal("expected a makehttpreq to be emitted")
	}
	reqID, _ := captured.Params.GetInt64("req_id")

	if err := c.HandleHeaders(reqID, 200, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.HandleBody(reqID, []byte("ok"), true); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatal(r.err)
		}
		if string(r.resp.Body) != "ok" || r.resp.StatusCode != 200 {
			t.Fatalf("got %+v", r.resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do never returned")
	}
}

func TestDelegatedBodyCompletionRemovesPendingEntry(t *testing.T) {
	c := New(func(*wire.ClientRequest) error { return nil })
	go c.Do(context.Background(), Request{Path: "/x", Method: "GET"})
	time.Sleep(10 * time.Millisecond)

	c.mu.Lock()
	var reqID int64
	for id := range c.pending {
		reqID = id
	}
	c.mu.Unlock()

	c.HandleHeaders(reqID, 200, nil)
	c.HandleBody(reqID, []byte("x"), true)

	c.mu.Lock()
	_, stillPending := c.pending[reqID]
	c.mu.Unlock()
	if stillPending {
		t.Fatal("req_id should be removed from the pending table after complete")
	}
}

func TestShutdownDropsPendingEntriesWithError(t *testing.T) {
	c := New(func(*wire.ClientRequest) error { return nil })
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), Request{Path: "/x", Method: "GET"})
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	c.Shutdown()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error after shutdown abandons the request")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do never unblocked after Shutdown")
	}
}

func TestUnknownReqIDIsRejected(t *testing.T) {
	c := New(func(*wire.ClientRequest) error { return nil })
	if err := c.HandleHeaders(999, 200, nil); err == nil {
		t.Fatal("expected an error for an unknown req_id")
	}
	if err := c.HandleBody(999, nil, true); err == nil {
		t.Fatal("expected an error for an unknown req_id")
	}
}
