package downloadsrc

import (
	"context"
	"io"

	"github.com/colinmarc/hdfs/v2"
)

// HDFSBackend fetches editor-server tarballs from an on-prem HDFS mirror,
// for agents running inside a Hadoop-adjacent cluster with no outbound
// cloud egress at all.
type HDFSBackend struct {
	client *hdfs.Client
	root   string
}

func NewHDFSBackend(client *hdfs.Client, root string) *HDFSBackend {
	return &HDFSBackend{client: client, root: root}
}

func (*HDFSBackend) Provider() string { return "hdfs" }

func (b *HDFSBackend) Fetch(_ context.Context, key string) (io.ReadCloser, int64, error) {
	path := b.root + "/" + key
	info, err := b.client.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	f, err := b.client.Open(path)
	if err != nil {
		return nil, 0, err
	}
	return f, info.Size(), nil
}
