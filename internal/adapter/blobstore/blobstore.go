// Package blobstore implements the blob-store port. The gcs driver
// serves production; the local driver serves development and tests.
package blobstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/dealgraph/dealgraph/internal/config"
	"github.com/dealgraph/dealgraph/internal/domain"
)

// New picks a driver from configuration.
func New(ctx domain.Context, cfg config.Config) (domain.BlobStore, error) {
	switch strings.ToLower(cfg.BlobDriver) {
	case "local":
		return NewLocal(cfg.LocalBlobDir), nil
	case "gcs", "":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("op=blobstore.new: GCS_BUCKET is required for the gcs driver")
		}
		return NewGCS(ctx, cfg.GCSBucket)
	default:
		return nil, fmt.Errorf("op=blobstore.new: unknown driver %q: %w", cfg.BlobDriver, domain.ErrInvalidArgument)
	}
}

// GCS reads blobs from a Google Cloud Storage bucket.
type GCS struct {
	bucket *storage.BucketHandle
}

// NewGCS constructs a GCS store using ambient credentials.
func NewGCS(ctx domain.Context, bucket string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=blobstore.gcs.new: %w", err)
	}
	return &GCS{bucket: client.Bucket(bucket)}, nil
}

// Download streams the object at blobPath. Paths may carry a
// "gs://bucket/" prefix from upstream payloads; only the object part is
// used.
func (g *GCS) Download(ctx domain.Context, blobPath string) (io.ReadCloser, error) {
	object := stripGSPrefix(blobPath)
	if object == "" {
		return nil, fmt.Errorf("op=blobstore.gcs.download: empty path: %w", domain.ErrInvalidArgument)
	}
	r, err := g.bucket.Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("op=blobstore.gcs.download path=%s: %w", object, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=blobstore.gcs.download path=%s: %w", object, err)
	}
	return r, nil
}

func stripGSPrefix(p string) string {
	p = strings.TrimSpace(p)
	if rest, ok := strings.CutPrefix(p, "gs://"); ok {
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return rest[i+1:]
		}
		return ""
	}
	return p
}

// Local reads blobs from a directory tree.
type Local struct {
	root string
}

// NewLocal constructs a Local store rooted at dir.
func NewLocal(dir string) *Local {
	return &Local{root: dir}
}

// Download opens the file at blobPath under the root. Escapes above the
// root are rejected.
func (l *Local) Download(_ domain.Context, blobPath string) (io.ReadCloser, error) {
	clean := filepath.Clean("/" + stripGSPrefix(blobPath))
	full := filepath.Join(l.root, clean)
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("op=blobstore.local.download path=%s: %w", blobPath, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=blobstore.local.download path=%s: %w", blobPath, err)
	}
	return f, nil
}
