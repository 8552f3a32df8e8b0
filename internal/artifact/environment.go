package artifact

import (
	"context"
	"log/slog"

	"github.com/torosent/crankfleet/internal/config"
	"github.com/torosent/crankfleet/internal/fleet"
)

// NewFromEnvironment builds the pipeline for env.ArtifactStore. S3 inputs
// are always downloadable when an S3 store is configured.
func NewFromEnvironment(ctx context.Context, env config.Environment, logger *slog.Logger) (*Pipeline, error) {
	var (
		store      Store
		downloader Downloader
	)
	switch env.ArtifactStore {
	case config.StoreS3:
		s, err := NewS3Store(ctx, S3Options{
			Bucket:          env.S3Bucket,
			Region:          firstNonEmpty(env.AWSRegion, env.DefaultRegion),
			EndpointURL:     env.S3EndpointURL,
			AccessKeyID:     env.AWSAccessKeyID,
			SecretAccessKey: env.AWSSecretAccessKey,
			SignTTL:         env.SignedURLTTL,
		})
		if err != nil {
			return nil, fleet.ConfigurationError("%v", err)
		}
		if env.S3EndpointURL != "" {
			if err := s.EnsureBucket(ctx); err != nil {
				return nil, err
			}
		}
		store, downloader = s, s
	case config.StoreAzBlob:
		b, err := NewBlobStore(BlobOptions{
			ConnectionString: env.AzureStorageConnectionString,
			AccountURL:       env.AzureStorageAccountURL,
			Container:        env.TestPlansContainer,
			SignTTL:          env.SignedURLTTL,
		})
		if err != nil {
			return nil, fleet.ConfigurationError("%v", err)
		}
		if err := b.EnsureContainer(ctx); err != nil {
			return nil, err
		}
		store = b
	case config.StoreLocal:
		store = NewLocalStore(env.LocalStoreDir)
	default:
		return nil, fleet.ConfigurationError("unknown artifact store %q", env.ArtifactStore)
	}

	fetcher := NewFetcher(env.WorkDir, downloader, logger)
	return NewPipeline(fetcher, store, env.S3Prefix, logger), nil
}

// Fetcher returns the pipeline's package fetcher.
func (p *Pipeline) Fetcher() *Fetcher { return p.fetcher }

// Store returns the pipeline's store.
func (p *Pipeline) Store() Store { return p.store }

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
