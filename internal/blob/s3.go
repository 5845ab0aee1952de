// Package blob stores job artifacts and log archives in S3 or an
// S3-compatible object store.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/terrpan/runbot/internal/job"
)

// Sentinel errors for classified S3 failures.
var (
	ErrNotFound     = errors.New("object not found")
	ErrAccessDenied = errors.New("access denied")
	ErrThrottled    = errors.New("request throttled")
)

// Config holds the object store settings.
type Config struct {
	Bucket string
	Region string

	// Endpoint is set for S3-compatible stores.
	Endpoint       string
	ForcePathStyle bool

	Profile         string
	AccessKeyID     string
	SecretAccessKey string

	// Prefix is prepended to every key.
	Prefix string

	// PublicBaseURL is where objects are readable from, e.g. a CDN in
	// front of the bucket.  Defaults to the virtual-hosted bucket URL.
	PublicBaseURL string
}

// objectAPI is the subset of *s3.Client the store uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store implements job.BlobStore.
type Store struct {
	api        objectAPI
	bucket     string
	prefix     string
	publicBase string
	logger     *slog.Logger
}

var _ job.BlobStore = (*Store)(nil)

// New creates an S3-backed store.  Credentials come from the default
// chain unless set explicitly.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob: bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = defaultPublicBase(cfg, awsCfg.Region)
	}

	logger.Info("blob store initialized",
		slog.String("bucket", cfg.Bucket),
		slog.String("region", awsCfg.Region),
		slog.String("publicBaseURL", cfg.PublicBaseURL),
	)
	return newStore(client, cfg, logger), nil
}

func newStore(api objectAPI, cfg Config, logger *slog.Logger) *Store {
	return &Store{
		api:        api,
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		publicBase: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
		logger:     logger,
	}
}

func defaultPublicBase(cfg Config, region string) string {
	if cfg.Endpoint != "" {
		return strings.TrimSuffix(cfg.Endpoint, "/") + "/" + cfg.Bucket
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
}

func (s *Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// URL returns the public URL of key.
func (s *Store) URL(key string) string {
	parts := strings.Split(s.objectKey(key), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.publicBase + "/" + strings.Join(parts, "/")
}

// Upload stores body under key.  Bodies that cannot seek are spooled to
// a temporary file first, since PutObject needs the content length.
func (s *Store) Upload(ctx context.Context, key string, body io.Reader) (string, int64, error) {
	rs, size, cleanup, err := seekable(body)
	if err != nil {
		return "", 0, fmt.Errorf("blob: buffering %s: %w", key, err)
	}
	defer cleanup()

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          rs,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", 0, s.wrapError("PutObject", key, err)
	}
	return s.URL(key), size, nil
}

// Delete removes key.  A missing object is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if err = s.wrapError("DeleteObject", key, err); errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// seekable returns body as an io.ReadSeeker positioned at its start,
// plus its remaining size.
func seekable(body io.Reader) (io.ReadSeeker, int64, func(), error) {
	noop := func() {}

	if rs, ok := body.(io.ReadSeeker); ok {
		start, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, 0, noop, err
		}
		end, err := rs.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, noop, err
		}
		if _, err := rs.Seek(start, io.SeekStart); err != nil {
			return nil, 0, noop, err
		}
		return rs, end - start, noop, nil
	}

	f, err := os.CreateTemp("", "runbot-upload-*")
	if err != nil {
		return nil, 0, noop, err
	}
	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}

	size, err := io.Copy(f, body)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		cleanup()
		return nil, 0, noop, err
	}
	return f, size, cleanup, nil
}

// wrapError classifies S3 errors into the package sentinels.
func (s *Store) wrapError(op, key string, err error) error {
	var (
		notFound  *types.NotFound
		noSuchKey *types.NoSuchKey
	)
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("blob: %s %s: %w", op, key, ErrNotFound)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("blob: %s %s: %w", op, key, ErrNotFound)
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("blob: %s %s: %w: %w", op, key, ErrAccessDenied, err)
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return fmt.Errorf("blob: %s %s: %w: %w", op, key, ErrThrottled, err)
		}
	}
	return fmt.Errorf("blob: %s %s: %w", op, key, err)
}
