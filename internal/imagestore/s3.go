package imagestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"dwarf-go/internal/dwarf"
)

// S3Options configures an S3Store.
type S3Options struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
	// AccessKey and SecretKey are optional; the default credential chain is
	// used when they are empty.
	AccessKey string
	SecretKey string
	// CacheDir receives payloads fetched for disk provisioning.
	CacheDir string
}

// S3Store keeps payloads in an S3 compatible bucket. Locations have the form
// s3://<bucket>/<key>.
type S3Store struct {
	client   *s3.Client
	bucket   string
	prefix   string
	cacheDir string
	logger   dwarf.Logger
}

// NewS3Store builds the client from opts.
func NewS3Store(ctx context.Context, opts S3Options, logger dwarf.Logger) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 image store requires s3_bucket to be set")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			// Self-hosted endpoints rarely serve virtual-hosted buckets.
			o.UsePathStyle = true
		}
	})
	return NewS3StoreFromClient(client, opts, logger), nil
}

// NewS3StoreFromClient wraps an existing client.
func NewS3StoreFromClient(client *s3.Client, opts S3Options, logger dwarf.Logger) *S3Store {
	if logger == nil {
		logger = dwarf.NewNopLogger()
	}
	return &S3Store{
		client:   client,
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
		cacheDir: opts.CacheDir,
		logger:   logger.With("component", "imagestore"),
	}
}

func (s *S3Store) key(id string) string {
	if s.prefix == "" {
		return id
	}
	return path.Join(s.prefix, id)
}

func (s *S3Store) location(key string) string {
	return "s3://" + s.bucket + "/" + key
}

// parseLocation splits s3://bucket/key.
func parseLocation(location string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 location: %q", location)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 location: %q", location)
	}
	return bucket, key, nil
}

func (s *S3Store) resolve(id, location string) (bucket, key string, err error) {
	if location == "" {
		return s.bucket, s.key(id), nil
	}
	return parseLocation(location)
}

func (s *S3Store) Put(ctx context.Context, id string, r io.Reader) (string, error) {
	key := s.key(id)
	s.logger.Debug("uploading image data", "id", id, "bucket", s.bucket, "key", key)

	uploader := manager.NewUploader(s.client)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s in bucket %s: %w", key, s.bucket, err)
	}
	return s.location(key), nil
}

// LocalPath downloads the payload into the cache directory. A cached copy
// is reused.
func (s *S3Store) LocalPath(ctx context.Context, id, location string) (string, error) {
	bucket, key, err := s.resolve(id, location)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(s.cacheDir, id)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.cacheDir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	s.logger.Debug("downloading image data", "id", id, "bucket", bucket, "key", key)
	downloader := manager.NewDownloader(s.client)
	_, err = downloader.Download(ctx, tmp, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		if isNoSuchKey(err) {
			return "", dwarf.NotFound("image data %s not found", id)
		}
		return "", fmt.Errorf("failed to get object %s from bucket %s: %w", key, bucket, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return dest, nil
}

// Delete removes the object and any cached copy.
func (s *S3Store) Delete(ctx context.Context, id, location string) error {
	bucket, key, err := s.resolve(id, location)
	if err != nil {
		return err
	}
	if s.cacheDir != "" {
		os.Remove(filepath.Join(s.cacheDir, id))
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("failed to delete object %s from bucket %s: %w", key, bucket, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	// S3 compatible services do not always return the typed error.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

var _ dwarf.ImageStore = (*S3Store)(nil)
