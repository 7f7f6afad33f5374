package downloadsrc

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// GCSBackend fetches editor-server tarballs from a Google Cloud Storage
// bucket mirror.
type GCSBackend struct {
	client *storage.Client
	bucket string
}

func NewGCSBackend(client *storage.Client, bucket string) *GCSBackend {
	return &GCSBackend{client: client, bucket: bucket}
}

func (*GCSBackend) Provider() string { return "gcs" }

func (b *GCSBackend) Fetch(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	obj := b.client.Bucket(b.bucket).Object(key)
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, 0, err
	}
	return r, r.Attrs.Size, nil
}
