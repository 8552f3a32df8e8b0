package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/torosent/crankfleet/internal/config"
)

// BlobOptions configures a BlobStore. ConnectionString wins over
// AccountURL; only a connection string carries the shared key needed to
// sign SAS URLs.
type BlobOptions struct {
	ConnectionString string
	AccountURL       string
	Container        string
	SignTTL          time.Duration
}

// BlobStore stages plan files in one Azure blob container.
type BlobStore struct {
	client    *azblob.Client
	container string
	ttl       time.Duration
}

// NewBlobStore creates a BlobStore from a connection string or an account URL.
func NewBlobStore(opts BlobOptions) (*BlobStore, error) {
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case opts.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(opts.ConnectionString, nil)
	case opts.AccountURL != "":
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return nil, fmt.Errorf("failed to obtain Azure credential: %w", credErr)
		}
		client, err = azblob.NewClient(opts.AccountURL, cred, nil)
	default:
		return nil, errors.New("blob store needs a connection string or account URL")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}
	ttl := opts.SignTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &BlobStore{client: client, container: opts.Container, ttl: ttl}, nil
}

func (b *BlobStore) Kind() string { return config.StoreAzBlob }

// EnsureContainer creates the container when it does not exist yet.
func (b *BlobStore) EnsureContainer(ctx context.Context) error {
	_, err := b.client.CreateContainer(ctx, b.container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("failed to create container %s: %w", b.container, err)
	}
	return nil
}

func (b *BlobStore) Put(ctx context.Context, key string, body io.Reader) error {
	if _, err := b.client.UploadStream(ctx, b.container, key, body, nil); err != nil {
		return fmt.Errorf("failed to upload %s/%s: %w", b.container, key, err)
	}
	return nil
}

func (b *BlobStore) Location(key string) string {
	return strings.TrimSuffix(b.client.URL(), "/") + "/" + b.container + "/" + key
}

// SignedURL returns a read-only SAS URL for key. Without a shared key it
// returns an empty string and no error.
func (b *BlobStore) SignedURL(_ context.Context, key string) (string, error) {
	blobClient := b.client.ServiceClient().NewContainerClient(b.container).NewBlobClient(key)
	u, err := blobClient.GetSASURL(sas.BlobPermissions{Read: true}, time.Now().UTC().Add(b.ttl), nil)
	if err != nil {
		if errors.Is(err, bloberror.MissingSharedKeyCredential) {
			return "", nil
		}
		return "", fmt.Errorf("failed to sign %s/%s: %w", b.container, key, err)
	}
	return u, nil
}
