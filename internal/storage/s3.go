package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/datahub-ops/pgvault/internal/errdefs"
	"github.com/datahub-ops/pgvault/internal/metrics"
)

// S3Config carries everything needed to talk to S3 or an S3-compatible
// endpoint (MinIO, R2, Ceph RGW).
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
	// Endpoint overrides the AWS endpoint for S3-compatible services.
	// When set, path-style addressing is used.
	Endpoint string
	PartSize int64
	Retry    RetryConfig
}

// S3Storage implements Storage over the AWS S3 API.
type S3Storage struct {
	client   *s3.Client
	bucket   string
	partSize int64
	retry    RetryConfig
	logger   *slog.Logger
}

// NewS3Storage builds an S3 client from static credentials.
func NewS3Storage(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Storage, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindConfiguration, err, "loading AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Storage{
		client:   client,
		bucket:   cfg.Bucket,
		partSize: cfg.PartSize,
		retry:    cfg.Retry,
		logger:   logger.With("component", "storage", "provider", "s3"),
	}, nil
}

func (s *S3Storage) Provider() string { return "s3" }

func (s *S3Storage) Upload(ctx context.Context, key string, reader io.Reader, metadata map[string]string) (*TransferState, error) {
	s.logger.Info("starting multipart upload",
		"bucket", s.bucket,
		"key", key,
		"part_size", s.partSize)

	uploader := newMultipartUploader(s.client, s.bucket, key, s.partSize, s.retry, s.logger)
	state, err := uploader.upload(ctx, reader, metadata)
	if err != nil {
		metrics.RecordStorageOperation("upload", "s3", false)
		return state, err
	}

	metrics.RecordStorageOperation("upload", "s3", true)
	s.logger.Info("multipart upload complete",
		"key", key,
		"bytes", state.BytesTransferred,
		"parts", state.PartCount)
	return state, nil
}

func (s *S3Storage) Download(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordStorageOperation("download", "s3", false)
		if isNotFoundAPIError(err) {
			return nil, 0, errdefs.New(errdefs.KindObjectNotFound, "object %s not found in bucket %s", key, s.bucket)
		}
		return nil, 0, errdefs.Wrap(errdefs.KindTransport, err, fmt.Sprintf("downloading %s", key))
	}
	metrics.RecordStorageOperation("download", "s3", true)
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordStorageOperation("delete", "s3", false)
		return errdefs.Wrap(errdefs.KindTransport, err, fmt.Sprintf("deleting %s", key))
	}
	metrics.RecordStorageOperation("delete", "s3", true)
	return nil
}

func (s *S3Storage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			metrics.RecordStorageOperation("list", "s3", false)
			return nil, errdefs.Wrap(errdefs.KindTransport, err, fmt.Sprintf("listing prefix %s", prefix))
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}

	metrics.RecordStorageOperation("list", "s3", true)
	return objects, nil
}

func (s *S3Storage) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundAPIError(err) {
			return nil, errdefs.New(errdefs.KindObjectNotFound, "object %s not found in bucket %s", key, s.bucket)
		}
		return nil, errdefs.Wrap(errdefs.KindTransport, err, fmt.Sprintf("heading %s", key))
	}
	return &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     out.Metadata,
	}, nil
}
