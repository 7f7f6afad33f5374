package bridge_test

import (
	"io"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pierrec/lz4/v3"

	"github.com/tunnelrun/agentd/bridge"
)

// pipePair stands in for the editor server's domain socket: whichever side
// the test calls "stub" echoes what a bridge writes to/reads from the
// editor socket, so specs can observe both directions without a real
// editor-server process.
func pipePair() (client, stub net.Conn) {
	return net.Pipe()
}

var _ = Describe("Bridge", func() {
	var client, stub net.Conn

	BeforeEach(func() {
		client, stub = pipePair()
	})

	AfterEach(func() {
		client.Close()
		stub.Close()
	})

	Context("plain mode", func() {
		It("delivers a downstream write to the editor socket unmodified", func() {
			var mu sync.Mutex
			var got []byte
			done := make(chan struct{})
			go func() {
				buf := make([]byte, 64)
				n, _ := stub.Read(buf)
				mu.Lock()
				got = append(got, buf[:n]...)
				mu.Unlock()
				close(done)
			}()

			b := bridge.New(7, client, bridge.Plain, func(uint16, []byte) error { return nil }, nil, nil)
			defer b.Dispose()

			Expect(b.Write([]byte("hello"))).To(Succeed())
			Eventually(done, 2*time.Second).Should(BeClosed())
			mu.Lock()
			defer mu.Unlock()
			Expect(string(got)).To(Equal("hello"))
		})

		It("frames editor-socket reads as servermsg pushes via the upstream pump", func() {
			received := make(chan []byte, 4)
			b := bridge.New(3, client, bridge.Plain, func(_ uint16, body []byte) error {
				cp := append([]byte(nil), body...)
				received <- cp
				return nil
			}, nil, nil)
			defer b.Dispose()

			go stub.Write([]byte("from-editor"))
			var got []byte
			Eventually(received, 2*time.Second).Should(Receive(&got))
			Expect(string(got)).To(Equal("from-editor"))
		})

		It("returns NoAttachedServer for a write after disposal", func() {
			b := bridge.New(1, client, bridge.Plain, func(uint16, []byte) error { return nil }, nil, nil)
			b.Dispose()
			Expect(b.Write([]byte("x"))).To(HaveOccurred())
		})
	})

	Context("compressed mode", func() {
		It("decodes a payload split across multiple inbound frames", func() {
			b := bridge.New(9, client, bridge.Compressed, func(uint16, []byte) error { return nil }, nil, nil)
			defer b.Dispose()

			payload := make([]byte, 200_000) // spans more than one lz4 block
			for i := range payload {
				payload[i] = byte(i % 7)
			}
			var compressed []byte
			w := lz4.NewWriter(sinkWriter{&compressed})
			_, err := w.Write(payload)
			Expect(err).NotTo(HaveOccurred())
			Expect(w.Close()).To(Succeed())

			readDone := make(chan []byte, 1)
			go func() {
				buf := make([]byte, len(payload)+1024)
				total := 0
				for total < len(payload) {
					n, err := stub.Read(buf[total:])
					total += n
					if err != nil {
						break
					}
				}
				readDone <- buf[:total]
			}()

			// Feed the compressed stream in two frames: a block boundary
			// split across frames must still decode to the exact original
			// payload.
			mid := len(compressed) / 2
			Expect(b.Write(compressed[:mid])).To(Succeed())
			Expect(b.Write(compressed[mid:])).To(Succeed())

			var got []byte
			Eventually(readDone, 3*time.Second).Should(Receive(&got))
			Expect(got).To(HaveLen(len(payload)))
		})
	})
})

type sinkWriter struct{ buf *[]byte }

func (s sinkWriter) Write(p []byte) (int, error) {
	*s.buf = append(*s.buf, p...)
	return len(p), nil
}

var _ io.Writer = sinkWriter{}
