package storage

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	terrors "github.com/arkilian/tracequery/internal/errors"
	"github.com/arkilian/tracequery/internal/observability"
)

// S3Storage implements ObjectStorage for AWS S3 and S3-compatible stores.
type S3Storage struct {
	client *s3.Client
	bucket string
	config S3Config
	logger log.Logger
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	Region string `yaml:"region"`
	// Endpoint is an optional custom endpoint (MinIO, LocalStack).
	Endpoint string `yaml:"endpoint"`
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool                  `yaml:"use_path_style"`
	MaxRetries   int                   `yaml:"max_retries"`
	Multipart    MultipartUploadConfig `yaml:"multipart"`
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:     "us-east-1",
		MaxRetries: 3,
		Multipart:  DefaultMultipartConfig(),
	}
}

// NewS3Storage creates an S3 client from the default AWS credential chain.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config, logger log.Logger) (*S3Storage, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, terrors.NewStorageError(terrors.CodeUnexpected, "failed to load AWS config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StorageWithClient(client, bucket, cfg, logger), nil
}

// NewS3StorageWithClient wraps a pre-configured client.
func NewS3StorageWithClient(client *s3.Client, bucket string, cfg S3Config, logger log.Logger) *S3Storage {
	if cfg.Multipart.PartSize <= 0 {
		cfg.Multipart = DefaultMultipartConfig()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &S3Storage{
		client: client,
		bucket: bucket,
		config: cfg,
		logger: log.With(observability.OrNop(logger), "component", "s3", "bucket", bucket),
	}
}

// Upload puts a file in a single request.
func (s *S3Storage) Upload(ctx context.Context, localPath, objectPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return uploadError(objectPath, err)
	}
	defer file.Close()

	err = s.retryWithBackoff(ctx, "put", func() error {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
			Body:   file,
		})
		return err
	})
	if err != nil {
		return uploadError(objectPath, err)
	}
	return nil
}

// UploadMultipart uploads files larger than one part in parts and returns
// the ETag of the stored object.
func (s *S3Storage) UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", uploadError(objectPath, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", uploadError(objectPath, err)
	}
	if stat.Size() <= s.config.Multipart.PartSize {
		if err := s.Upload(ctx, localPath, objectPath); err != nil {
			return "", err
		}
		return s.getETag(ctx, objectPath)
	}

	var etag string
	err = s.retryWithBackoff(ctx, "multipart", func() error {
		var uploadErr error
		etag, uploadErr = s.doMultipartUpload(ctx, file, stat.Size(), objectPath)
		return uploadErr
	})
	if err != nil {
		return "", uploadError(objectPath, err)
	}
	return etag, nil
}

func (s *S3Storage) doMultipartUpload(ctx context.Context, file *os.File, fileSize int64, objectPath string) (string, error) {
	partSize := s.config.Multipart.PartSize

	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectPath),
	})
	if err != nil {
		return "", err
	}
	uploadID := created.UploadId

	numParts := int(math.Ceil(float64(fileSize) / float64(partSize)))
	parts := make([]types.CompletedPart, 0, numParts)
	for partNum := 1; partNum <= numParts; partNum++ {
		offset := int64(partNum-1) * partSize
		size := min(partSize, fileSize-offset)

		resp, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(objectPath),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(int32(partNum)),
			Body:          io.NewSectionReader(file, offset, size),
			ContentLength: aws.Int64(size),
		})
		if err != nil {
			s.abortMultipartUpload(ctx, objectPath, uploadID)
			return "", err
		}
		parts = append(parts, types.CompletedPart{
			ETag:       resp.ETag,
			PartNumber: aws.Int32(int32(partNum)),
		})
	}

	done, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(objectPath),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		s.abortMultipartUpload(ctx, objectPath, uploadID)
		return "", err
	}
	return aws.ToString(done.ETag), nil
}

func (s *S3Storage) abortMultipartUpload(ctx context.Context, objectPath string, uploadID *string) {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(objectPath),
		UploadId: uploadID,
	})
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to abort multipart upload", "object", objectPath, "err", err)
	}
}

// Download streams an object to localPath.
func (s *S3Storage) Download(ctx context.Context, objectPath, localPath string) error {
	err := s.retryWithBackoff(ctx, "get", func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			var noSuchKey *types.NoSuchKey
			if errors.As(err, &noSuchKey) {
				return notFound(objectPath)
			}
			return err
		}
		defer resp.Body.Close()
		return writeAtomic(localPath, resp.Body, nil)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrObjectNotFound):
		return err
	default:
		return downloadError(objectPath, err)
	}
}

// Delete removes an object from S3.
func (s *S3Storage) Delete(ctx context.Context, objectPath string) error {
	err := s.retryWithBackoff(ctx, "delete", func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	if err != nil {
		return terrors.NewStorageError(terrors.CodeDeleteFailed, "delete failed", err).WithDetail("object", objectPath)
	}
	return nil
}

// Exists checks if an object exists in S3.
func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	var exists bool
	err := s.retryWithBackoff(ctx, "head", func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			var nf *types.NotFound
			if errors.As(err, &nf) {
				exists = false
				return nil
			}
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// ListObjects returns all object paths under the given prefix.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var objects []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, terrors.NewStorageError(terrors.CodeListFailed, "list failed", err).WithDetail("prefix", prefix)
		}
		for _, obj := range page.Contents {
			objects = append(objects, aws.ToString(obj.Key))
		}
	}
	return objects, nil
}

func (s *S3Storage) getETag(ctx context.Context, objectPath string) (string, error) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectPath),
	})
	if err != nil {
		return "", uploadError(objectPath, err)
	}
	return aws.ToString(resp.ETag), nil
}

// retryWithBackoff runs op up to MaxRetries+1 times with exponential
// backoff starting at 100ms. Missing objects are not retried.
func (s *S3Storage) retryWithBackoff(ctx context.Context, name string, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil || errors.Is(lastErr, ErrObjectNotFound) {
			return lastErr
		}
		if attempt == s.config.MaxRetries {
			break
		}

		backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
		level.Debug(s.logger).Log("msg", "retrying s3 request", "op", name, "attempt", attempt+1, "backoff", backoff, "err", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}
