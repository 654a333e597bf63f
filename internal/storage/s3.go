package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

// S3Client is the subset of S3 operations the blob store needs (for testing)
type S3Client interface {
	PutObject(ctx context.Context, bucket, key string, data []byte) error
	// GetObject reads length bytes from offset; a negative length reads to
	// the end of the object. Missing objects return store.ErrNotFound.
	GetObject(ctx context.Context, bucket, key string, offset, length int64) ([]byte, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	TestConnection(ctx context.Context, bucket string) error
}

// S3Options configures an S3Store.
type S3Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Logger    *logrus.Logger
}

// S3Store keeps blobs as objects named by their hex hash.
type S3Store struct {
	client S3Client
	bucket string
	prefix string
	logger *logrus.Logger
}

// NewS3Store creates an S3 blob store talking to an S3-compatible endpoint.
func NewS3Store(opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, NewError("InvalidBucket", "S3 blob store requires a bucket")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	client := NewS3RemoteClient(opts.Endpoint, opts.Region, opts.AccessKey, opts.SecretKey)
	return NewS3StoreWithClient(client, opts), nil
}

// NewS3StoreWithClient creates an S3 blob store on top of an existing client.
func NewS3StoreWithClient(client S3Client, opts S3Options) *S3Store {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &S3Store{
		client: client,
		bucket: opts.Bucket,
		prefix: opts.Prefix,
		logger: opts.Logger,
	}
}

func (s *S3Store) objectKey(hash store.BlobHash) string {
	if s.prefix == "" {
		return hash.String()
	}
	return path.Join(s.prefix, hash.String())
}

// PutBlob implements Backend.
func (s *S3Store) PutBlob(ctx context.Context, hash store.BlobHash, data []byte) error {
	if err := s.client.PutObject(ctx, s.bucket, s.objectKey(hash), data); err != nil {
		return store.Internal(err, "failed to store blob in S3")
	}
	return nil
}

// GetBlob implements Backend.
func (s *S3Store) GetBlob(ctx context.Context, hash store.BlobHash, offset, length int64) ([]byte, error) {
	if offset < 0 {
		return nil, ErrInvalidRange
	}
	if length == 0 {
		return []byte{}, nil
	}
	data, err := s.client.GetObject(ctx, s.bucket, s.objectKey(hash), offset, length)
	if err != nil {
		return nil, store.Internal(err, "failed to read blob from S3")
	}
	return data, nil
}

// DeleteBlob implements Backend. Deleting a missing object succeeds.
func (s *S3Store) DeleteBlob(ctx context.Context, hash store.BlobHash) error {
	if err := s.client.DeleteObject(ctx, s.bucket, s.objectKey(hash)); err != nil {
		return store.Internal(err, "failed to delete blob from S3")
	}
	return nil
}

// Ping verifies the bucket is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	if err := s.client.TestConnection(ctx, s.bucket); err != nil {
		return store.Internal(err, "S3 bucket unreachable")
	}
	return nil
}

// Close is a no-op, the SDK client holds no resources that need releasing.
func (s *S3Store) Close() error {
	return nil
}

var _ Backend = (*S3Store)(nil)

// S3RemoteClient implements S3Client with the AWS SDK against any
// S3-compatible server.
type S3RemoteClient struct {
	client   *s3.Client
	endpoint string
	region   string
}

// NewS3RemoteClient creates a new S3 client configured for a remote endpoint.
// An empty endpoint uses the AWS default resolver.
func NewS3RemoteClient(endpoint, region, accessKey, secretKey string) *S3RemoteClient {
	cfg := aws.Config{
		Region: region,
	}
	if accessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
	}
	if endpoint != "" {
		cfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               endpoint,
				HostnameImmutable: true,
				SigningRegion:     region,
			}, nil
		})
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = endpoint != "" // path-style for self-hosted servers
	})

	return &S3RemoteClient{
		client:   client,
		endpoint: endpoint,
		region:   region,
	}
}

// PutObject uploads an object.
func (c *S3RemoteClient) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	logrus.WithFields(logrus.Fields{
		"endpoint": c.endpoint,
		"bucket":   bucket,
		"key":      key,
		"size":     len(data),
	}).Debug("Uploading blob to S3")

	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

// GetObject downloads an object or a byte range of it.
func (c *S3RemoteClient) GetObject(ctx context.Context, bucket, key string, offset, length int64) ([]byte, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if r := byteRange(offset, length); r != "" {
		input.Range = aws.String(r)
	}

	result, err := c.client.GetObject(ctx, input)
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, store.ErrNotFound
		}
		if isInvalidRange(err) {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

// DeleteObject deletes an object.
func (c *S3RemoteClient) DeleteObject(ctx context.Context, bucket, key string) error {
	logrus.WithFields(logrus.Fields{
		"endpoint": c.endpoint,
		"bucket":   bucket,
		"key":      key,
	}).Debug("Deleting blob from S3")

	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// TestConnection checks the bucket exists and is accessible.
func (c *S3RemoteClient) TestConnection(ctx context.Context, bucket string) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// byteRange renders an HTTP Range header value, or "" for a full read.
func byteRange(offset, length int64) string {
	switch {
	case offset == 0 && length < 0:
		return ""
	case length < 0:
		return fmt.Sprintf("bytes=%d-", offset)
	default:
		return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}
}

// isInvalidRange reports a 416 response, returned when offset is past the
// end of the object.
func isInvalidRange(err error) bool {
	type coder interface{ ErrorCode() string }
	var c coder
	return errors.As(err, &c) && c.ErrorCode() == "InvalidRange"
}
