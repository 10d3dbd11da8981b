package blobio

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/versatiles-org/versatiles-go/verrors"
)

// BucketReader serves byte ranges out of a gocloud.dev/blob bucket object,
// for sources addressed by an s3://, gs://, azblob://, or file:// URL
// instead of a local path. One BucketReader is bound to a single key
// within the bucket.
type BucketReader struct {
	bucket *blob.Bucket
	key    string
	name   string
	size   uint64
}

// OpenBucket opens bucketURL (any scheme gocloud.dev/blob's registered
// drivers support: s3, gs, azblob, file) and binds a BucketReader to key,
// reading its size via a bucket Attributes call.
func OpenBucket(ctx context.Context, bucketURL, key string) (*BucketReader, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, verrors.New(verrors.SourceIO, "blobio", bucketURL, describeBucketErr(err))
	}
	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		bucket.Close()
		return nil, verrors.New(verrors.SourceIO, "blobio", key, describeBucketErr(err))
	}
	return &BucketReader{bucket: bucket, key: key, name: bucketURL + "/" + key, size: uint64(attrs.Size)}, nil
}

func (r *BucketReader) ReadRange(ctx context.Context, offset, length uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, verrors.New(verrors.Cancelled, "blobio", r.name, err)
	}
	if offset+length > r.size {
		return nil, verrors.New(verrors.Contract, "blobio", r.name, fmt.Errorf("range [%d,%d) exceeds size %d", offset, offset+length, r.size))
	}
	rc, err := r.bucket.NewRangeReader(ctx, r.key, int64(offset), int64(length), nil)
	if err != nil {
		return nil, verrors.New(verrors.SourceIO, "blobio", r.name, describeBucketErr(err))
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, verrors.New(verrors.SourceIO, "blobio", r.name, err)
	}
	return data, nil
}

func (r *BucketReader) ReadAll(ctx context.Context) ([]byte, error) {
	return r.ReadRange(ctx, 0, r.size)
}

func (r *BucketReader) Size() uint64 { return r.size }
func (r *BucketReader) Name() string { return r.name }
func (r *BucketReader) Close() error { return r.bucket.Close() }

// describeBucketErr unwraps an AWS request failure (when the bucket is
// backed by s3blob) into a message naming the S3 error code.
func describeBucketErr(err error) error {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		return fmt.Errorf("s3 %s (status %d): %w", reqErr.Code(), reqErr.StatusCode(), err)
	}
	return err
}
