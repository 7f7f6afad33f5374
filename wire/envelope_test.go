package wire

import "testing"

func TestRequestRoundTrip(t *testing.T) {
	id := int64(7)
	req := &Request{ID: &id, Method: "ping", Params: Map{}}
	out, err := DecodeRequest(req.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if out.Method != "ping" || out.ID == nil || *out.ID != 7 {
		t.Fatalf("got %+v", out)
	}
}

func TestNotificationHasNoID(t *testing.T) {
	req := &Request{Method: "servermsg", Params: Map{"i": int64(7), "body": []byte("x")}}
	out, err := DecodeRequest(req.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if out.ID != nil {
		t.Fatalf("expected nil id, got %v", *out.ID)
	}
	body, ok := out.Params.GetBytes("body")
	if !ok || string(body) != "x" {
		t.Fatalf("got %+v", out.Params)
	}
}

func TestResponseRoundTripSuccessAndError(t *testing.T) {
	resp := &Response{ID: 3, Result: Map{"value": "host"}}
	out, err := DecodeResponse(resp.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if out.IsError || out.ID != 3 {
		t.Fatalf("got %+v", out)
	}
	v, _ := out.Result.GetString("value")
	if v != "host" {
		t.Fatalf("got %q", v)
	}

	errResp := &Response{ID: 4, IsError: true, ErrMsg: "nope", ErrCode: 1}
	out2, err := DecodeResponse(errResp.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if !out2.IsError || out2.ErrMsg != "nope" || out2.ErrCode != 1 {
		t.Fatalf("got %+v", out2)
	}
}

func TestUnknownFieldsAreIgnored(t *testing.T) {
	m := Map{"method": "ping", "params": Map{}, "future_field": "ignore-me"}
	out, err := DecodeRequest(appendMap(nil, m))
	if err != nil {
		t.Fatal(err)
	}
	if out.Method != "ping" {
		t.Fatalf("got %+v", out)
	}
}
