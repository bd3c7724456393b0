// Package blobstore stores attachment blobs (screenshots, videos, traces,
// logs) on the local filesystem or in S3-compatible object storage. Blobs
// are grouped by execution: every location is "<executionID>/<name>".
package blobstore

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// deleteConcurrency bounds parallel blob deletions in DeleteMany.
const deleteConcurrency = 8

// Store persists blobs and reports on their footprint.
type Store interface {
	// Preflight verifies that the backend is reachable and writable.
	Preflight(ctx context.Context) error

	// SaveBlob stores the content of r under the execution's directory.
	SaveBlob(
		ctx context.Context, executionID, name, contentType string, r io.Reader,
	) (*Location, error)

	// DeleteBlob removes the blob at location. It reports false when the
	// blob did not exist.
	DeleteBlob(ctx context.Context, location string) (bool, error)

	// DeleteAllBlobsForExecution removes the execution's directory and
	// returns the number of blobs removed.
	DeleteAllBlobsForExecution(ctx context.Context, executionID string) (int, error)

	// DeleteAll removes every blob.
	DeleteAll(ctx context.Context) error

	// StorageStats reports the bytes actually held by the backend.
	StorageStats(ctx context.Context) (*Stats, error)
}

// Location identifies a stored blob.
type Location struct {
	// Path is relative to the backend root: "<executionID>/<name>".
	Path string `json:"path"`
	// URL is where clients can fetch the blob.
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// Stats is the footprint of the backend.
type Stats struct {
	Files int64 `json:"files"`
	Bytes int64 `json:"bytes"`
	// Dirs is the number of execution directories.
	Dirs int64 `json:"dirs"`
}

// New creates the backend enabled in cfg.
func New(log logrus.FieldLogger, cfg *config.StorageConfig) (Store, error) {
	switch {
	case cfg.S3.Enabled:
		return NewS3Store(log, &cfg.S3), nil
	case cfg.Local.Enabled:
		return NewLocalStore(log, &cfg.Local), nil
	default:
		return nil, fmt.Errorf("no storage backend enabled")
	}
}

// DeleteMany deletes blobs in parallel. Every location is attempted; the
// failures are returned together.
func DeleteMany(ctx context.Context, st Store, locations []string) (int, error) {
	var (
		mu      sync.Mutex
		deleted int
		result  *multierror.Error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteConcurrency)

	for _, loc := range locations {
		g.Go(func() error {
			ok, err := st.DeleteBlob(gctx, loc)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				result = multierror.Append(result, fmt.Errorf("deleting %s: %w", loc, err))

				return nil
			}

			if ok {
				deleted++
			}

			return nil
		})
	}

	_ = g.Wait()

	return deleted, result.ErrorOrNil()
}

// DetectContentType returns a MIME type based on file extension.
func DetectContentType(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		return "application/octet-stream"
	}

	switch strings.ToLower(ext) {
	case ".webm":
		return "video/webm"
	case ".mp4":
		return "video/mp4"
	case ".zip":
		return "application/zip"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}

// objectName derives a collision-free file name from a client supplied one.
func objectName(name string) (string, error) {
	base := path.Base(filepath.ToSlash(name))
	if base == "" || base == "." || base == ".." || base == "/" {
		return "", fmt.Errorf("invalid blob name %q", name)
	}

	return uuid.NewString()[:8] + "-" + base, nil
}

// validSegment reports whether s can be used as a single path segment.
func validSegment(s string) bool {
	return s != "" &&
		s != "." &&
		!strings.Contains(s, "..") &&
		!strings.ContainsAny(s, `/\`)
}

// IsAllowedPath rejects empty, absolute, unclean, or traversal locations.
func IsAllowedPath(location string) bool {
	if location == "" {
		return false
	}

	if strings.Contains(location, "..") {
		return false
	}

	if strings.HasPrefix(location, "/") || filepath.IsAbs(location) {
		return false
	}

	return path.Clean(location) == location
}

// executionOf returns the execution directory of a location.
func executionOf(location string) string {
	dir, _, _ := strings.Cut(location, "/")

	return dir
}
