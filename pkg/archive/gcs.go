package archive

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/tidewater/pkg/errors"
)

// GCSBucket stores objects in Google Cloud Storage.
type GCSBucket struct {
	client *storage.Client
	handle *storage.BucketHandle
}

// NewGCSBucket uses application default credentials. A non-empty endpoint
// points the client at an emulator.
func NewGCSBucket(ctx context.Context, bucket, endpoint string) (*GCSBucket, error) {
	var opts []option.ClientOption
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "creating GCS client")
	}
	return &GCSBucket{client: client, handle: client.Bucket(bucket)}, nil
}

// Put implements Bucket.
func (b *GCSBucket) Put(ctx context.Context, obj Object, body []byte) error {
	w := b.handle.Object(obj.Key).NewWriter(ctx)
	w.ContentType = obj.ContentType
	w.Metadata = obj.Metadata
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "writing to GCS")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "finishing GCS upload")
	}
	return nil
}

// Get implements Bucket.
func (b *GCSBucket) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := b.handle.Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, errors.Wrap(err, errors.ErrorTypeNotFound, "reading from GCS")
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "reading from GCS")
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "reading GCS object body")
	}
	return body, nil
}

// Close closes the client
func (b *GCSBucket) Close() error {
	return b.client.Close()
}
