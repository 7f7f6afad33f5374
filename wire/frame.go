// Package wire implements the control server's on-the-wire framing
// and RPC envelope serialization: a length-prefixed byte stream
// carrying msgpack-encoded envelopes, grounded on the length-prefixed
// object-header framing in transport/pdu.go and transport/api.go (there,
// a fixed-size proto header in front of each PDU; here, a single u32
// length in front of each frame — the same "read header, then read
// exactly that many payload bytes" discipline).
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/tunnelrun/agentd/internal/rpcerr"
)

const lenPrefixSize = 4

// Decoder reassembles length-prefixed frames from an io.Reader, tolerating
// arbitrary chunk boundaries: ReadFrame blocks until a full frame is
// available (or the underlying reader errors/EOFs).
type Decoder struct {
	r      *bufio.Reader
	maxLen uint32
}

func NewDecoder(r io.Reader, maxLen uint32) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024), maxLen: maxLen}
}

// ReadFrame returns the next frame's payload, or io.EOF on a clean close
// (EOF before or partway through a length prefix), or a fatal *rpcerr.Error
// if the declared length exceeds the cap or the payload is truncated
// mid-frame.
func (d *Decoder) ReadFrame() ([]byte, error) {
	var hdr [lenPrefixSize]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF // truncated prefix at EOF: clean close
		}
		return nil, err // clean io.EOF
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > d.maxLen {
		return nil, rpcerr.New(rpcerr.InvalidRPCData, "frame length %d exceeds cap %d", n, d.maxLen)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, rpcerr.IOErr(err)
	}
	return payload, nil
}

// Encode prepends the u32-LE length prefix to payload.
func Encode(payload []byte) []byte {
	out := make([]byte, lenPrefixSize+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(payload)))
	copy(out[lenPrefixSize:], payload)
	return out
}

// WriteFrame writes one framed payload; callers serialize writes to w
// themselves (the write loop is the only writer on a connection).
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(Encode(payload))
	return err
}
