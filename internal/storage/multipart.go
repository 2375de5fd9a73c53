package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/datahub-ops/pgvault/internal/errdefs"
	"github.com/datahub-ops/pgvault/internal/metrics"
	"github.com/datahub-ops/pgvault/internal/utils"
)

// RetryConfig bounds the per-part retry loop.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// s3API is the subset of the S3 client the multipart uploader needs.
type s3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// multipartUploader streams a reader of unknown length into an S3 multipart
// upload, one fixed-size part at a time. Memory use is bounded by a single
// part buffer regardless of payload size.
type multipartUploader struct {
	api      s3API
	bucket   string
	key      string
	partSize int64
	retry    RetryConfig
	pool     *utils.BufferPool
	logger   *slog.Logger
}

func newMultipartUploader(api s3API, bucket, key string, partSize int64, retry RetryConfig, logger *slog.Logger) *multipartUploader {
	if retry.MaxAttempts < 1 {
		retry = DefaultRetryConfig()
	}
	return &multipartUploader{
		api:      api,
		bucket:   bucket,
		key:      key,
		partSize: partSize,
		retry:    retry,
		pool:     utils.NewBufferPool(int(partSize)),
		logger:   logger,
	}
}

func (u *multipartUploader) upload(ctx context.Context, reader io.Reader, metadata map[string]string) (*TransferState, error) {
	state := &TransferState{PartAttempts: make(map[int32]int)}

	create, err := u.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(u.key),
		Metadata: metadata,
	})
	if err != nil {
		state.LastErr = err
		return state, errdefs.Wrap(errdefs.KindTransport, err, "creating multipart upload")
	}
	uploadID := aws.ToString(create.UploadId)

	buf := u.pool.Get()
	defer u.pool.Put(buf)

	var completed []types.CompletedPart
	partNumber := int32(1)
	for {
		n, readErr := io.ReadFull(reader, buf)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			state.LastErr = readErr
			u.abort(uploadID)
			// The reader is the upstream pipeline; its error keeps
			// whatever classification it already carries.
			return state, errdefs.Wrap(errdefs.KindTransport, readErr, "reading upload stream")
		}

		// An empty payload still produces one (empty) part so the
		// object exists and round-trips.
		if n > 0 || partNumber == 1 {
			etag, attempts, partErr := u.uploadPart(ctx, uploadID, partNumber, buf[:n])
			state.PartAttempts[partNumber] = attempts
			if partErr != nil {
				state.LastErr = partErr
				u.abort(uploadID)
				return state, errdefs.Wrap(errdefs.KindTransport, partErr,
					fmt.Sprintf("uploading part %d after %d attempts", partNumber, attempts))
			}
			completed = append(completed, types.CompletedPart{
				ETag:       aws.String(etag),
				PartNumber: aws.Int32(partNumber),
			})
			state.BytesTransferred += int64(n)
			state.PartCount++
			partNumber++
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	if _, err := u.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(u.key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	}); err != nil {
		state.LastErr = err
		u.abort(uploadID)
		return state, errdefs.Wrap(errdefs.KindTransport, err, "completing multipart upload")
	}

	return state, nil
}

// uploadPart sends one part, retrying transient failures with exponential
// backoff. It returns the ETag and the number of attempts consumed.
func (u *multipartUploader) uploadPart(ctx context.Context, uploadID string, partNumber int32, data []byte) (string, int, error) {
	delay := u.retry.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= u.retry.MaxAttempts; attempt++ {
		out, err := u.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(u.bucket),
			Key:        aws.String(u.key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNumber),
			Body:       bytes.NewReader(data),
		})
		if err == nil {
			metrics.RecordPartUpload(true)
			return aws.ToString(out.ETag), attempt, nil
		}
		lastErr = err
		metrics.RecordPartUpload(false)

		if !isTransientError(err) || attempt == u.retry.MaxAttempts {
			return "", attempt, lastErr
		}

		u.logger.Warn("part upload failed, retrying",
			"part", partNumber,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		metrics.PartRetries.Inc()

		select {
		case <-ctx.Done():
			return "", attempt, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * u.retry.Multiplier)
		if delay > u.retry.MaxDelay {
			delay = u.retry.MaxDelay
		}
	}
	return "", u.retry.MaxAttempts, lastErr
}

// abort discards all staged parts. It runs on its own context so cleanup
// still happens when the caller's context is already cancelled.
func (u *multipartUploader) abort(uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := u.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(u.key),
		UploadId: aws.String(uploadID),
	}); err != nil {
		u.logger.Error("failed to abort multipart upload",
			"key", u.key,
			"upload_id", uploadID,
			"error", err)
		return
	}
	u.logger.Info("aborted multipart upload", "key", u.key, "upload_id", uploadID)
}
