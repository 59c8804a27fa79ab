package storage

import (
	"context"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/pkg/errors"
)

// AzureConfig is the subset of Azure Blob connection settings archival
// needs.
type AzureConfig struct {
	Account     string
	Container   string
	Key         string // shared key; empty means no credential (anonymous access)
	EndpointURL string // optional override, e.g. for Azurite in tests
}

type azureBackend struct {
	client    *azblob.Client
	container string
}

func newAzureBackend(cfg AzureConfig) (Backend, error) {
	endpoint := cfg.EndpointURL
	if endpoint == "" {
		endpoint = "https://" + cfg.Account + ".blob.core.windows.net"
	}

	var client *azblob.Client
	var err error
	if cfg.Key != "" {
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.Key)
		if credErr != nil {
			return nil, errors.Wrap(credErr, "storage: azure shared key credential")
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	} else {
		client, err = azblob.NewClientWithNoCredential(endpoint, nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: new azure client")
	}

	return &azureBackend{client: client, container: cfg.Container}, nil
}

func (b *azureBackend) PutObject(ctx context.Context, key string, r io.Reader, size int64) error {
	if _, err := b.client.UploadStream(ctx, b.container, key, r, nil); err != nil {
		return errors.Wrapf(err, "storage: azure upload %s/%s", b.container, key)
	}
	return nil
}
