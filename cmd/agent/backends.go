package main

import (
	"context"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"cloud.google.com/go/storage"
	"github.com/colinmarc/hdfs/v2"

	"github.com/tunnelrun/agentd/downloadsrc"
	"github.com/tunnelrun/agentd/internal/logging"
)

// buildBackends constructs a downloadsrc.Backend for every remote mirror the
// environment is configured for; an agent typically only has one of these
// reachable (its own deployment's artifact store), so each is opt-in via its
// own env var rather than required up front.
func buildBackends() []downloadsrc.Backend {
	var backends []downloadsrc.Backend
	ctx := context.Background()

	if bucket := os.Getenv("AGENTD_S3_BUCKET"); bucket != "" {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			logging.Warningf("s3 backend disabled: %v", err)
		} else {
			backends = append(backends, downloadsrc.NewS3Backend(s3.NewFromConfig(cfg), bucket))
		}
	}

	if container := os.Getenv("AGENTD_AZURE_CONTAINER"); container != "" {
		account := os.Getenv("AGENTD_AZURE_ACCOUNT")
		client, err := azblob.NewClient("https://"+account+".blob.core.windows.net/", azcore.TokenCredential(nil), nil)
		if err != nil {
			logging.Warningf("azure backend disabled: %v", err)
		} else {
			backends = append(backends, downloadsrc.NewAzureBlobBackend(client, container))
		}
	}

	if bucket := os.Getenv("AGENTD_GCS_BUCKET"); bucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			logging.Warningf("gcs backend disabled: %v", err)
		} else {
			backends = append(backends, downloadsrc.NewGCSBackend(client, bucket))
		}
	}

	if root := os.Getenv("AGENTD_HDFS_ROOT"); root != "" {
		namenode := os.Getenv("AGENTD_HDFS_NAMENODE")
		client, err := hdfs.New(namenode)
		if err != nil {
			logging.Warningf("hdfs backend disabled: %v", err)
		} else {
			backends = append(backends, downloadsrc.NewHDFSBackend(client, root))
		}
	}

	return backends
}
