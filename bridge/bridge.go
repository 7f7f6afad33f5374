// Package bridge implements the server-session bridge and the server
// multiplexer: one Bridge per socket_id, forwarding bytes between the
// tunnel client and a local editor-server domain socket, with optional
// per-direction streaming compression.
//
// Grounded on transport's upstream/downstream pump pair (transport/sendmsg.go,
// transport/pdu.go): a dedicated goroutine reads from one side and frames
// what it reads toward the other, while writes are serialized through a
// single owner so a stateful decompressor never sees interleaved input.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package bridge

import (
	"io"
	"net"
	"sync"

	"github.com/pierrec/lz4/v3"
	"github.com/tunnelrun/agentd/internal/logging"
	"github.com/tunnelrun/agentd/internal/metrics"
	"github.com/tunnelrun/agentd/internal/rpcerr"
)

// Compression selects whether a Bridge's two pumps apply lz4 streaming
// compression symmetrically.
type Compression int

const (
	Plain Compression = iota
	Compressed
)

// Sender pushes a framed chunk of editor bytes toward the client as a
// servermsg client-request; connrt supplies the concrete implementation
// (it owns the write queue).
type Sender func(socketID uint16, body []byte) error

const pumpChunkSize = 32 * 1024

// Bridge owns one connection to the editor server's domain socket.
type Bridge struct {
	socketID uint16
	conn     net.Conn
	send     Sender
	comp     Compression
	log      *logging.Conn

	upOut io.WriteCloser // upstream encoder (identity, or an *lz4.Writer)

	writeMu sync.Mutex // serializes the downstream conn.Write in plain mode
	downSrc *feedReader
	downDec *lz4.Reader

	disposeOnce sync.Once
	disposed    chan struct{}
	onDispose   func(socketID uint16)
}

// New creates a Bridge and starts its upstream pump (and, for Compressed
// bridges, its downstream decompression pump). onDispose is called exactly
// once, from whichever pump (or explicit Dispose) notices EOF/error first,
// so the multiplexer can unregister the socket id.
func New(socketID uint16, conn net.Conn, comp Compression, send Sender, log *logging.Conn, onDispose func(uint16)) *Bridge {
	b := &Bridge{
		socketID:  socketID,
		conn:      conn,
		send:      send,
		comp:      comp,
		log:       log,
		disposed:  make(chan struct{}),
		onDispose: onDispose,
	}
	sender := &chunkSender{socketID: socketID, send: send}
	if comp == Compressed {
		b.upOut = lz4.NewWriter(sender)
		b.downSrc = newFeedReader()
		b.downDec = lz4.NewReader(b.downSrc)
		go b.downstream()
	} else {
		b.upOut = nopWriteCloser{sender}
	}
	go b.upstream()
	return b
}

// upstream reads from the editor socket, optionally compresses, and pushes
// servermsg client-requests.
func (b *Bridge) upstream() {
	buf := make([]byte, pumpChunkSize)
	for {
		n, err := b.conn.Read(buf)
		if n > 0 {
			if _, werr := b.upOut.Write(buf[:n]); werr != nil {
				b.dispose(werr)
				return
			}
			if lw, ok := b.upOut.(*lz4.Writer); ok {
				if ferr := lw.Flush(); ferr != nil {
					b.dispose(ferr)
					return
				}
			}
			metrics.BridgeBytesUp.Add(float64(n))
		}
		if err != nil {
			b.dispose(err)
			return
		}
	}
}

// chunkSender adapts the plain io.Writer interface the lz4 writer (or, in
// plain mode, the upstream pump directly) expects onto the bridge's
// servermsg Sender.
type chunkSender struct {
	socketID uint16
	send     Sender
}

func (c *chunkSender) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	if err := c.send(c.socketID, cp); err != nil {
		return 0, err
	}
	return len(p), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// feedReader lets Write() push one client-sent chunk at a time into the
// bridge's single, long-lived *lz4.Reader, so an lz4 block split across
// multiple client frames still decodes (the reader keeps its own internal
// state across reads, which is exactly why a per-frame reader won't do).
type feedReader struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newFeedReader() *feedReader {
	f := &feedReader{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *feedReader) push(p []byte) {
	f.mu.Lock()
	f.buf = append(f.buf, p...)
	f.cond.Signal()
	f.mu.Unlock()
}

// close unblocks a pending Read once the buffer drains, making it return
// io.EOF instead of waiting forever for bytes that will never arrive.
func (f *feedReader) close() {
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

func (f *feedReader) Read(p []byte) (int, error) {
	f.mu.Lock()
	for len(f.buf) == 0 && !f.closed {
		f.cond.Wait()
	}
	if len(f.buf) == 0 {
		f.mu.Unlock()
		return 0, io.EOF
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	f.mu.Unlock()
	return n, nil
}

// downstream drains the lz4 decompressor on its own goroutine, so a
// compressed frame that doesn't complete an lz4 block never blocks the
// caller of Write: it just waits here, off the RPC dispatch path, for the
// next push to arrive.
func (b *Bridge) downstream() {
	out := make([]byte, pumpChunkSize)
	for {
		n, err := b.downDec.Read(out)
		if n > 0 {
			if _, werr := b.conn.Write(out[:n]); werr != nil {
				b.dispose(werr)
				return
			}
			metrics.BridgeBytesDown.Add(float64(n))
		}
		if err != nil {
			if err != io.EOF {
				b.dispose(rpcerr.Invalid("bad compressed payload for socket %d: %v", b.socketID, err))
			}
			return
		}
	}
}

// Write is the bridge's public downstream operation: bytes arriving from
// the client, decompressed if needed, and written to the editor socket. In
// compressed mode the bytes are only handed to the decompressor here; the
// dedicated downstream goroutine does the actual decode-and-write so a
// partial lz4 block never blocks this call.
func (b *Bridge) Write(body []byte) error {
	select {
	case <-b.disposed:
		return rpcerr.NoServer()
	default:
	}

	if b.comp == Compressed {
		b.downSrc.push(body)
		return nil
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.conn.Write(body); err != nil {
		b.dispose(err)
		return rpcerr.IOErr(err)
	}
	metrics.BridgeBytesDown.Add(float64(len(body)))
	return nil
}

// Dispose closes the editor socket and terminates both pumps; idempotent.
func (b *Bridge) Dispose() { b.dispose(nil) }

func (b *Bridge) dispose(cause error) {
	b.disposeOnce.Do(func() {
		close(b.disposed)
		b.conn.Close()
		if b.downSrc != nil {
			b.downSrc.close()
		}
		if b.log != nil && cause != nil && cause != io.EOF {
			b.log.Infof("bridge %d disposed: %v", b.socketID, cause)
		}
		if b.onDispose != nil {
			b.onDispose(b.socketID)
		}
	})
}
