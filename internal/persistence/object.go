package persistence

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nulpointcorp/callback-cache/internal/cbcache"
)

// ObjectStore keeps the snapshot as one object in an S3-compatible bucket.
type ObjectStore[T any] struct {
	client *minio.Client
	bucket string
	object string
}

// ObjectStoreConfig describes the bucket connection.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Object    string
	UseSSL    bool
}

// NewObjectStore creates a MinIO client for cfg. It does not contact the
// server; use Ping to verify the bucket exists.
func NewObjectStore[T any](cfg ObjectStoreConfig) (*ObjectStore[T], error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("persistence: s3 client: %w", err)
	}
	return &ObjectStore[T]{client: client, bucket: cfg.Bucket, object: cfg.Object}, nil
}

func (s *ObjectStore[T]) Name() string { return "s3" }

func (s *ObjectStore[T]) Load(ctx context.Context) (*cbcache.Snapshot[T], error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.object, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrap("get", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrap("read", err)
	}
	return decode[T](data)
}

func (s *ObjectStore[T]) Save(ctx context.Context, snap cbcache.Snapshot[T]) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.object,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return s.wrap("put", err)
	}
	return nil
}

func (s *ObjectStore[T]) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return s.wrap("bucket exists", err)
	}
	if !ok {
		return fmt.Errorf("persistence: s3 bucket %q does not exist", s.bucket)
	}
	return nil
}

// wrap maps a missing object to ErrNoSnapshot.
func (s *ObjectStore[T]) wrap(op string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrNoSnapshot
	}
	return fmt.Errorf("persistence: s3 %s %s/%s: %w", op, s.bucket, s.object, err)
}
