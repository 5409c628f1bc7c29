// Package mirror uploads committed artifacts to an S3-compatible object
// store. The local output directory remains the durability root: a failed
// upload is reported but never un-commits a level.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const contentTypeOctetStream = "application/octet-stream"

type Mirror struct {
	store  ObjectStore
	bucket string
	logger *slog.Logger
}

func New(store ObjectStore, bucket string, logger *slog.Logger) (*Mirror, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{store: store, bucket: bucket, logger: logger}, nil
}

// UploadArtifact mirrors one committed file under runs/<run>/level-NNNN/.
func (m *Mirror) UploadArtifact(ctx context.Context, runID string, level int, name string, payload []byte) error {
	if m == nil || m.store == nil {
		return errors.New("mirror not initialized")
	}
	if strings.TrimSpace(runID) == "" {
		return errors.New("run id is required")
	}
	if level < 1 {
		return fmt.Errorf("level must be >= 1, got %d", level)
	}
	if strings.TrimSpace(name) == "" {
		return errors.New("object name is required")
	}
	key := fmt.Sprintf("runs/%s/level-%04d/%s", runID, level, name)
	err := m.store.Put(ctx, m.bucket, key, bytes.NewReader(payload), int64(len(payload)), contentTypeOctetStream)
	if err != nil {
		return fmt.Errorf("mirror %s: %w", key, err)
	}
	m.logger.Debug("artifact mirrored", "bucket", m.bucket, "key", key, "size_bytes", len(payload))
	return nil
}
