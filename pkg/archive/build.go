package archive

import (
	"context"

	"github.com/ajitpratap0/tidewater/pkg/compression"
	"github.com/ajitpratap0/tidewater/pkg/config"
	"github.com/ajitpratap0/tidewater/pkg/errors"
)

// FromConfig builds the archiver cfg describes, or nil when it is disabled.
func FromConfig(ctx context.Context, cfg config.ArchiveConfig) (*Archiver, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	c, err := compression.NewCompressor(compression.Algorithm(cfg.Compression))
	if err != nil {
		return nil, err
	}

	var bucket Bucket
	switch cfg.Backend {
	case "s3":
		bucket, err = NewS3Bucket(ctx, cfg.Bucket, cfg.Region, cfg.Endpoint)
	case "gcs":
		bucket, err = NewGCSBucket(ctx, cfg.Bucket, cfg.Endpoint)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown archive backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return New(bucket, cfg.Prefix, c), nil
}
