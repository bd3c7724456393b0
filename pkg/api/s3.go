package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethpandaops/testoor/pkg/blobstore"
	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// presignCacheEntry holds a cached presigned URL and its expiration time.
type presignCacheEntry struct {
	url       string
	expiresAt time.Time
}

// s3Presigner hands out presigned GET URLs for attachment blobs held in a
// private bucket.
type s3Presigner struct {
	log           logrus.FieldLogger
	cfg           *config.S3StorageConfig
	client        *s3.Client
	presignClient *s3.PresignClient
	expiry        time.Duration
	cacheTTL      time.Duration
	mu            sync.RWMutex
	cache         map[string]presignCacheEntry
}

func newS3Presigner(
	log logrus.FieldLogger,
	cfg *config.S3StorageConfig,
) *s3Presigner {
	client := blobstore.NewS3Client(cfg)

	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = config.DefaultPresignExpiry
	}

	return &s3Presigner{
		log:           log.WithField("component", "s3-presigner"),
		cfg:           cfg,
		client:        client,
		presignClient: s3.NewPresignClient(client),
		expiry:        expiry,
		cacheTTL:      expiry / 2,
		cache:         make(map[string]presignCacheEntry),
	}
}

// PresignedURL returns a presigned GET URL for a blob location. Results are
// cached for half the expiry so a handed out URL is always valid for at
// least that long.
func (p *s3Presigner) PresignedURL(
	ctx context.Context,
	location string,
) (string, error) {
	if !blobstore.IsAllowedPath(location) {
		return "", fmt.Errorf("location %q is not allowed", location)
	}

	now := time.Now()

	p.mu.RLock()
	if entry, ok := p.cache[location]; ok && now.Before(entry.expiresAt) {
		p.mu.RUnlock()

		return entry.url, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.cache[location]; ok && now.Before(entry.expiresAt) {
		return entry.url, nil
	}

	result, err := p.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(p.key(location)),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning URL for %q: %w", location, err)
	}

	p.cache[location] = presignCacheEntry{
		url:       result.URL,
		expiresAt: now.Add(p.cacheTTL),
	}

	return result.URL, nil
}

// HeadObject returns the stored size and content type of a blob.
func (p *s3Presigner) HeadObject(
	ctx context.Context,
	location string,
) (int64, string, error) {
	if !blobstore.IsAllowedPath(location) {
		return 0, "", fmt.Errorf("location %q is not allowed", location)
	}

	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(p.key(location)),
	})
	if err != nil {
		return 0, "", fmt.Errorf("HeadObject %q: %w", location, err)
	}

	return aws.ToInt64(out.ContentLength), aws.ToString(out.ContentType), nil
}

func (p *s3Presigner) key(location string) string {
	return blobstore.S3KeyPrefix(p.cfg) + location
}

// handlePresignedFile redirects to a presigned URL for the requested blob.
// HEAD requests answer with the object's metadata instead.
func (s *server) handlePresignedFile(w http.ResponseWriter, r *http.Request) {
	location := chi.URLParam(r, "*")

	if r.Method == http.MethodHead {
		size, contentType, err := s.presigner.HeadObject(r.Context(), location)
		if err != nil {
			s.log.WithError(err).
				WithField("location", location).
				Debug("S3 HeadObject failed")

			w.WriteHeader(http.StatusNotFound)

			return
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)

		return
	}

	url, err := s.presigner.PresignedURL(r.Context(), location)
	if err != nil {
		s.log.WithError(err).
			WithField("location", location).
			Warn("Failed to generate presigned URL")

		writeJSON(w, http.StatusNotFound, errorResponse{"file not found"})

		return
	}

	http.Redirect(w, r, url, http.StatusFound)
}
