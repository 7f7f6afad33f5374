package rpcdispatch

import (
	"io"
	"sync"

	"github.com/tunnelrun/agentd/internal/rpcerr"
	"github.com/tunnelrun/agentd/wire"
)

// Stream is one inline byte channel belonging to a duplex call (e.g. the
// three duplex streams bound to a spawned child's stdio). Its id is
// assigned by the CLIENT in the call's params (the same convention used
// for a bridge's socket_id, generalized here), so the client can address
// subsequent streamdata frames at it before the handler has produced any
// response.
//
// Stream implements io.ReadWriteCloser: Write pushes outbound bytes toward
// the client as a streamdata notification; Feed is called through
// StreamTable.Feed when the connection's read loop receives a streamdata
// frame naming this stream, and Read drains what Feed has buffered.
type Stream struct {
	ID      int64
	push    func(id int64, body []byte, eof bool)
	mu      sync.Mutex
	inbox   chan []byte
	closed  bool
	readBuf []byte
	eof     bool
}

func newStream(id int64, push func(int64, []byte, bool)) *Stream {
	return &Stream{ID: id, push: push, inbox: make(chan []byte, 4)}
}

func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	s.push(s.ID, p, false)
	return len(p), nil
}

// Feed delivers bytes read from an inbound streamdata frame; eof marks the
// sender's half of the stream done.
func (s *Stream) Feed(p []byte, eof bool) {
	if len(p) > 0 {
		s.inbox <- p
	}
	if eof {
		close(s.inbox)
	}
}

func (s *Stream) Read(p []byte) (int, error) {
	for len(s.readBuf) == 0 {
		chunk, ok := <-s.inbox
		if !ok {
			return 0, io.EOF
		}
		s.readBuf = chunk
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.push(s.ID, nil, true)
	return nil
}

// StreamTable routes inbound streamdata frames (method "streamdata",
// params {stream_id, body, eof}) to the Stream registered under that id,
// and lets a duplex handler allocate new ones by id from its own params.
type StreamTable struct {
	mu   sync.Mutex
	byID map[int64]*Stream
	push func(id int64, body []byte, eof bool)
}

func NewStreamTable(push func(id int64, body []byte, eof bool)) *StreamTable {
	return &StreamTable{byID: make(map[int64]*Stream), push: push}
}

// idParamNames are the params fields a duplex caller uses to pre-assign
// stream ids, in handler-declared order (stdin, stdout, stderr for spawn).
var idParamNames = []string{"stdin_id", "stdout_id", "stderr_id"}

func (t *StreamTable) Allocate(params wire.Map, arity int) ([]*Stream, error) {
	if arity > len(idParamNames) {
		return nil, rpcerr.Invalid("duplex arity %d exceeds supported stream slots", arity)
	}
	out := make([]*Stream, arity)
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range arity {
		id, ok := params.GetInt64(idParamNames[i])
		if !ok {
			return nil, rpcerr.Invalid("missing %s for duplex call", idParamNames[i])
		}
		if _, exists := t.byID[id]; exists {
			return nil, rpcerr.Invalid("stream id %d already in use", id)
		}
		s := newStream(id, t.push)
		t.byID[id] = s
		out[i] = s
	}
	return out, nil
}

func (t *StreamTable) ReleaseAll(streams []*Stream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range streams {
		delete(t.byID, s.ID)
	}
}

// Feed routes an inbound streamdata frame to its stream, returning false if
// no such stream is registered (a late or unknown frame; ignored upstream).
func (t *StreamTable) Feed(id int64, body []byte, eof bool) bool {
	t.mu.Lock()
	s, ok := t.byID[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	s.Feed(body, eof)
	return true
}

func (t *StreamTable) DisposeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range t.byID {
		s.Feed(nil, true)
		delete(t.byID, id)
	}
}
