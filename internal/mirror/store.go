package mirror

import (
	"context"
	"io"
)

// ObjectStore abstracts the S3-compatible backend the mirror writes to.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
}
