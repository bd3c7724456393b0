package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// s3DeleteBatch is the maximum number of keys accepted by DeleteObjects.
const s3DeleteBatch = 1000

// Compile-time interface check.
var _ Store = (*s3Store)(nil)

type s3Store struct {
	log    logrus.FieldLogger
	cfg    *config.S3StorageConfig
	client *s3.Client
}

// NewS3Store creates a Store backed by S3-compatible storage.
func NewS3Store(log logrus.FieldLogger, cfg *config.S3StorageConfig) Store {
	return &s3Store{
		log:    log.WithField("component", "s3-blobstore"),
		cfg:    cfg,
		client: NewS3Client(cfg),
	}
}

// NewS3Client constructs an S3 client from the storage config.
func NewS3Client(cfg *config.S3StorageConfig) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}

// S3KeyPrefix returns the configured key prefix with a trailing slash, or "".
func S3KeyPrefix(cfg *config.S3StorageConfig) string {
	p := strings.Trim(cfg.Prefix, "/")
	if p == "" {
		return ""
	}

	return p + "/"
}

func (s *s3Store) prefix() string {
	return S3KeyPrefix(s.cfg)
}

// key maps a location to an object key.
func (s *s3Store) key(location string) string {
	return s.prefix() + location
}

// url returns the public URL of a location. Without a public URL the blob
// is addressed through the API file route, which presigns on request.
func (s *s3Store) url(location string) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/") + "/" + s.key(location)
	}

	return config.DefaultAttachmentsURLPrefix + "/" + location
}

// Preflight verifies S3 connectivity by writing a small test object.
func (s *s3Store) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("testoor write test: %s", time.Now().UTC().Format(time.RFC3339))
	key := s.prefix() + ".testoor-write-test"

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	}); err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", s.cfg.Bucket, err)
	}

	return nil
}

func (s *s3Store) SaveBlob(
	ctx context.Context, executionID, name, contentType string, r io.Reader,
) (*Location, error) {
	if !validSegment(executionID) {
		return nil, fmt.Errorf("invalid execution id %q", executionID)
	}

	obj, err := objectName(name)
	if err != nil {
		return nil, err
	}

	if contentType == "" {
		contentType = DetectContentType(name)
	}

	body, size, err := seekable(r)
	if err != nil {
		return nil, err
	}

	location := executionID + "/" + obj

	s.log.WithFields(logrus.Fields{
		"key":    s.key(location),
		"bucket": s.cfg.Bucket,
		"size":   size,
	}).Debug("Uploading blob")

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(s.key(location)),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	}); err != nil {
		return nil, fmt.Errorf("PutObject: %w", err)
	}

	return &Location{
		Path: location,
		URL:  s.url(location),
		Size: size,
	}, nil
}

func (s *s3Store) DeleteBlob(ctx context.Context, location string) (bool, error) {
	if !IsAllowedPath(location) {
		return false, fmt.Errorf("location %q is not allowed", location)
	}

	key := s.key(location)

	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		if isS3NotFound(err) {
			return false, nil
		}

		return false, fmt.Errorf("HeadObject %q: %w", key, err)
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return false, fmt.Errorf("DeleteObject %q: %w", key, err)
	}

	return true, nil
}

func (s *s3Store) DeleteAllBlobsForExecution(
	ctx context.Context, executionID string,
) (int, error) {
	if !validSegment(executionID) {
		return 0, fmt.Errorf("invalid execution id %q", executionID)
	}

	return s.deletePrefix(ctx, s.key(executionID+"/"))
}

func (s *s3Store) DeleteAll(ctx context.Context) error {
	n, err := s.deletePrefix(ctx, s.prefix())
	if err != nil {
		return err
	}

	s.log.WithField("objects", n).Info("Removed all blobs")

	return nil
}

// deletePrefix removes every object under prefix with batched DeleteObjects.
func (s *s3Store) deletePrefix(ctx context.Context, prefix string) (int, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})

	var deleted int

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("listing objects under %q: %w", prefix, err)
		}

		ids := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, s3types.ObjectIdentifier{Key: obj.Key})
		}

		for start := 0; start < len(ids); start += s3DeleteBatch {
			end := min(start+s3DeleteBatch, len(ids))

			out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.cfg.Bucket),
				Delete: &s3types.Delete{
					Objects: ids[start:end],
					Quiet:   aws.Bool(true),
				},
			})
			if err != nil {
				return deleted, fmt.Errorf("deleting objects under %q: %w", prefix, err)
			}

			deleted += end - start - len(out.Errors)
		}
	}

	return deleted, nil
}

func (s *s3Store) StorageStats(ctx context.Context) (*Stats, error) {
	prefix := s.prefix()

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})

	stats := &Stats{}
	dirs := make(map[string]struct{})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing objects under %q: %w", prefix, err)
		}

		for _, obj := range page.Contents {
			location := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if !strings.Contains(location, "/") {
				continue
			}

			stats.Files++
			stats.Bytes += aws.ToInt64(obj.Size)
			dirs[executionOf(location)] = struct{}{}
		}
	}

	stats.Dirs = int64(len(dirs))

	return stats, nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound")
}

// seekable returns r as a ReadSeeker positioned at its start together with
// its length. Readers that cannot seek are buffered in memory.
func seekable(r io.Reader) (io.ReadSeeker, int64, error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		size, err := rs.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, fmt.Errorf("measuring blob: %w", err)
		}

		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, 0, fmt.Errorf("rewinding blob: %w", err)
		}

		return rs, size, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("reading blob: %w", err)
	}

	return bytes.NewReader(data), int64(len(data)), nil
}
