package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Store = (*localStore)(nil)

type localStore struct {
	log       logrus.FieldLogger
	root      string
	urlPrefix string
}

// LocalStore is a Store on the local filesystem that can also serve its
// blobs over HTTP.
type LocalStore interface {
	Store
	http.Handler
}

// NewLocalStore creates a Store rooted at cfg.BaseDir.
func NewLocalStore(log logrus.FieldLogger, cfg *config.LocalStorageConfig) LocalStore {
	return &localStore{
		log:       log.WithField("component", "local-blobstore"),
		root:      filepath.Clean(cfg.BaseDir),
		urlPrefix: strings.TrimRight(cfg.URLPrefix, "/"),
	}
}

// Preflight creates the root directory and verifies it is writable.
func (s *localStore) Preflight(_ context.Context) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}

	f, err := os.CreateTemp(s.root, ".testoor-write-test-*")
	if err != nil {
		return fmt.Errorf("writing to blob directory %s: %w", s.root, err)
	}

	name := f.Name()
	_ = f.Close()

	return os.Remove(name)
}

func (s *localStore) SaveBlob(
	_ context.Context, executionID, name, _ string, r io.Reader,
) (*Location, error) {
	if !validSegment(executionID) {
		return nil, fmt.Errorf("invalid execution id %q", executionID)
	}

	obj, err := objectName(name)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(s.root, executionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating execution directory: %w", err)
	}

	full := filepath.Join(dir, obj)

	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating blob: %w", err)
	}

	size, copyErr := io.Copy(f, r)
	closeErr := f.Close()

	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(full)

		return nil, fmt.Errorf("writing blob: %w", err)
	}

	loc := path.Join(executionID, obj)

	return &Location{
		Path: loc,
		URL:  s.urlPrefix + "/" + loc,
		Size: size,
	}, nil
}

// resolve maps a location to an absolute path below the root.
func (s *localStore) resolve(location string) (string, error) {
	if !IsAllowedPath(location) {
		return "", fmt.Errorf("location %q is not allowed", location)
	}

	full := filepath.Join(s.root, filepath.FromSlash(location))
	if !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("location %q escapes blob directory", location)
	}

	return full, nil
}

func (s *localStore) DeleteBlob(_ context.Context, location string) (bool, error) {
	full, err := s.resolve(location)
	if err != nil {
		return false, err
	}

	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("removing blob: %w", err)
	}

	// The execution directory is left in place even when empty: a
	// concurrent SaveBlob for the same execution may be about to write
	// into it. DeleteAllBlobsForExecution and DeleteAll remove it.
	return true, nil
}

func (s *localStore) DeleteAllBlobsForExecution(
	_ context.Context, executionID string,
) (int, error) {
	if !validSegment(executionID) {
		return 0, fmt.Errorf("invalid execution id %q", executionID)
	}

	dir := filepath.Join(s.root, executionID)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("reading execution directory: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("removing execution directory: %w", err)
	}

	return len(entries), nil
}

func (s *localStore) DeleteAll(_ context.Context) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("reading blob directory: %w", err)
	}

	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return fmt.Errorf("removing %s: %w", e.Name(), err)
		}
	}

	s.log.WithField("entries", len(entries)).Info("Removed all blobs")

	return nil
}

func (s *localStore) StorageStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == s.root {
				return fs.SkipAll
			}

			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() {
			if p != s.root && filepath.Dir(p) == s.root {
				stats.Dirs++
			}

			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		stats.Files++
		stats.Bytes += info.Size()

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking blob directory: %w", err)
	}

	return stats, nil
}

// ServeHTTP serves a blob whose location is the request path relative to
// the URL prefix. Mount it with http.StripPrefix.
func (s *localStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	location := strings.TrimPrefix(r.URL.Path, "/")

	full, err := s.resolve(location)
	if err != nil {
		http.NotFound(w, r)

		return
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)

		return
	}

	w.Header().Set("Content-Type", DetectContentType(full))
	http.ServeFile(w, r, full)
}
