package downloadsrc

import (
	"context"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureBlobBackend fetches editor-server tarballs from an Azure Blob
// Storage container mirror.
type AzureBlobBackend struct {
	client    *azblob.Client
	container string
}

func NewAzureBlobBackend(client *azblob.Client, container string) *AzureBlobBackend {
	return &AzureBlobBackend{client: client, container: container}
}

func (*AzureBlobBackend) Provider() string { return "azure" }

func (b *AzureBlobBackend) Fetch(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, key, nil)
	if err != nil {
		return nil, 0, err
	}
	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}
