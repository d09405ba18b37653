package blob

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/ncecere/usage_tracker/internal/config"
)

// ErrNotFound is returned when a key has no object.
var ErrNotFound = errors.New("blob: not found")

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// Store persists dead-letter export snapshots.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// New builds the store selected by export.storage.
func New(ctx context.Context, cfg config.ExportConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Storage)) {
	case "s3":
		awsCfg, err := loadS3Config(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return newS3Store(cfg.S3, awsCfg)
	default:
		return newLocalStore(cfg.Local)
	}
}
