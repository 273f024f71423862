// Package blobstore implements keystore.BlobStore against an S3-compatible
// object store, grounded on
// JaydenBeard-SilentRelay/internal/media/presigned.go's minio-go client
// setup (bucket existence check at construction, one object per logical
// entity) but storing the sealed blob itself rather than a presigned URL to
// it, since the keystore blob is small enough to round-trip directly.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/tanker-go/e2ee-core/internal/corerr"
)

// Store persists a single user's keystore blob at a fixed object key.
type Store struct {
	client *minio.Client
	bucket string
	object string
}

// New connects to an S3-compatible endpoint and ensures bucket exists,
// returning a Store scoped to one object key (typically derived from the
// user id) within it.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket, objectKey string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, corerr.Wrap(corerr.InternalError, err, "construct minio client")
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, corerr.Wrap(corerr.NetworkError, err, "check keystore bucket")
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, corerr.Wrap(corerr.NetworkError, err, "create keystore bucket")
		}
	}

	return &Store{client: client, bucket: bucket, object: objectKey}, nil
}

// Save uploads blob, replacing any previous contents at this store's object
// key.
func (s *Store) Save(ctx context.Context, blob []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.object, bytes.NewReader(blob), int64(len(blob)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return corerr.Wrap(corerr.NetworkError, err, fmt.Sprintf("put keystore blob %s/%s", s.bucket, s.object))
	}
	return nil
}

// Load downloads the blob previously saved at this store's object key.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.object, minio.GetObjectOptions{})
	if err != nil {
		return nil, corerr.Wrap(corerr.NetworkError, err, fmt.Sprintf("get keystore blob %s/%s", s.bucket, s.object))
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, corerr.Wrap(corerr.NetworkError, err, "read keystore blob body")
	}
	return data, nil
}
