package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("x"),
		bytes.Repeat([]byte{0xAB}, 5000),
	}
	var buf bytes.Buffer
	for _, p := range payloads {
		buf.Write(Encode(p))
	}
	dec := NewDecoder(&buf, 1<<20)
	for i, want := range payloads {
		got, err := dec.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}
	if _, err := dec.ReadFrame(); err != io.EOF {
		t.Fatalf("expected clean EOF, got %v", err)
	}
}

func TestFrameArbitraryChunking(t *testing.T) {
	payloads := [][]byte{[]byte("hello"), []byte("world!"), bytes.Repeat([]byte{1, 2, 3}, 1000)}
	var whole bytes.Buffer
	for _, p := range payloads {
		whole.Write(Encode(p))
	}
	all := whole.Bytes()

	// Feed the encoded bytes back in small, uneven chunks to prove the
	// decoder tolerates arbitrary read boundaries.
	r, w := io.Pipe()
	go func() {
		const chunk = 7
		for i := 0; i < len(all); i += chunk {
			end := i + chunk
			if end > len(all) {
				end = len(all)
			}
			w.Write(all[i:end])
		}
		w.Close()
	}()
	dec := NewDecoder(r, 1<<20)
	for i, want := range payloads {
		got, err := dec.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d mismatch", i)
		}
	}
}

func TestFrameOverCapRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Encode(bytes.Repeat([]byte{0}, 100)))
	dec := NewDecoder(&buf, 10)
	if _, err := dec.ReadFrame(); err == nil {
		t.Fatal("expected cap-exceeded error")
	}
}

func TestFrameTruncatedPayloadIsFatal(t *testing.T) {
	var buf bytes.Buffer
	full := Encode(bytes.Repeat([]byte{0}, 100))
	buf.Write(full[:len(full)-10]) // chop off the tail of the payload
	dec := NewDecoder(&buf, 1<<20)
	if _, err := dec.ReadFrame(); err == nil {
		t.Fatal("expected fatal error on truncated payload")
	}
}

func TestFrameTruncatedPrefixIsCleanClose(t *testing.T) {
	buf := bytes.NewBuffer([]byte{1, 2}) // shorter than the 4-byte prefix
	dec := NewDecoder(buf, 1<<20)
	if _, err := dec.ReadFrame(); err != io.EOF {
		t.Fatalf("expected clean io.EOF on truncated prefix, got %v", err)
	}
}
