package downloadsrc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"testing"

	"golang.org/x/crypto/blake2b"
)

type memBackend struct {
	provider string
	data     map[string][]byte
	fetches  int
}

func (m *memBackend) Provider() string { return m.provider }

func (m *memBackend) Fetch(_ context.Context, key string) (io.ReadCloser, int64, error) {
	m.fetches++
	b, ok := m.data[key]
	if !ok {
		return nil, 0, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
}

func digestOf(b []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

func TestCacheFetchStoresAndVerifies(t *testing.T) {
	payload := []byte("tarball-bytes")
	be := &memBackend{provider: "s3", data: map[string][]byte{"editor/abc.tar.gz": payload}}
	reg := NewRegistry(be)
	cache := NewCache(reg, t.TempDir())

	path, err := cache.Fetch(context.Background(), "s3", "editor/abc.tar.gz", digestOf(payload))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cached file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("cached content mismatch")
	}

	// Second fetch with the same digest should hit the cache, not the backend.
	if _, err := cache.Fetch(context.Background(), "s3", "editor/abc.tar.gz", digestOf(payload)); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if be.fetches != 1 {
		t.Fatalf("backend fetched %d times, want 1 (cache hit expected)", be.fetches)
	}
}

func TestCacheFetchDigestMismatch(t *testing.T) {
	be := &memBackend{provider: "s3", data: map[string][]byte{"k": []byte("real")}}
	reg := NewRegistry(be)
	cache := NewCache(reg, t.TempDir())

	wrongDigest := hex.EncodeToString(sha256.New().Sum(nil))[:64]
	if _, err := cache.Fetch(context.Background(), "s3", "k", wrongDigest); err == nil {
		t.Fatalf("expected digest mismatch error")
	}
}

func TestCacheUnknownProvider(t *testing.T) {
	cache := NewCache(NewRegistry(), t.TempDir())
	if _, err := cache.Fetch(context.Background(), "nope", "k", ""); err == nil {
		t.Fatalf("expected error for unregistered provider")
	}
}
