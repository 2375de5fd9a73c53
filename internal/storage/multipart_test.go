package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/datahub-ops/pgvault/internal/errdefs"
)

// fakeS3 implements s3API in memory and lets tests inject per-part failures.
type fakeS3 struct {
	parts     map[int32][]byte
	partCalls map[int32]int

	// failPart maps part number to how many times that part should fail
	// before succeeding. A negative count fails forever.
	failPart map[int32]int
	failErr  error

	createCalls   int
	completeCalls int
	abortCalls    int
	completeErr   error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		parts:     make(map[int32][]byte),
		partCalls: make(map[int32]int),
		failPart:  make(map[int32]int),
	}
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.createCalls++
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	n := aws.ToInt32(params.PartNumber)
	f.partCalls[n]++

	if remaining, ok := f.failPart[n]; ok && (remaining < 0 || f.partCalls[n] <= remaining) {
		return nil, f.failErr
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.parts[n] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", n))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.completeCalls++
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.abortCalls++
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) assembled() []byte {
	var out []byte
	for n := int32(1); ; n++ {
		data, ok := f.parts[n]
		if !ok {
			break
		}
		out = append(out, data...)
	}
	return out
}

func testUploader(api s3API, partSize int64) *multipartUploader {
	retry := RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
	return newMultipartUploader(api, "bucket", "key", partSize, retry, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func transientErr() error {
	return &smithy.GenericAPIError{Code: "SlowDown", Message: "slow down"}
}

func TestMultipartUploadPartSplit(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 500)
	fake := newFakeS3()

	state, err := testUploader(fake, 8).upload(context.Background(), bytes.NewReader(payload), nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	// 500 bytes in 8-byte parts: 62 full parts plus a 4-byte final part.
	if state.PartCount != 63 {
		t.Errorf("PartCount = %d, want 63", state.PartCount)
	}
	if state.BytesTransferred != 500 {
		t.Errorf("BytesTransferred = %d, want 500", state.BytesTransferred)
	}
	if got := len(fake.parts[63]); got != 4 {
		t.Errorf("final part size = %d, want 4", got)
	}
	if !bytes.Equal(fake.assembled(), payload) {
		t.Error("assembled parts do not reproduce the payload")
	}
	if fake.completeCalls != 1 {
		t.Errorf("completeCalls = %d, want 1", fake.completeCalls)
	}
	if fake.abortCalls != 0 {
		t.Errorf("abortCalls = %d, want 0", fake.abortCalls)
	}
	for n := int32(1); n <= 63; n++ {
		if state.PartAttempts[n] != 1 {
			t.Errorf("PartAttempts[%d] = %d, want 1", n, state.PartAttempts[n])
		}
	}
}

func TestMultipartUploadRetriesTransientPartFailure(t *testing.T) {
	fake := newFakeS3()
	fake.failPart[5] = 2 // fail twice, succeed on the third attempt
	fake.failErr = transientErr()

	payload := bytes.Repeat([]byte("y"), 80)
	state, err := testUploader(fake, 8).upload(context.Background(), bytes.NewReader(payload), nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	if state.PartAttempts[5] != 3 {
		t.Errorf("PartAttempts[5] = %d, want 3", state.PartAttempts[5])
	}
	if state.PartAttempts[4] != 1 {
		t.Errorf("PartAttempts[4] = %d, want 1", state.PartAttempts[4])
	}
	if state.PartCount != 10 {
		t.Errorf("PartCount = %d, want 10", state.PartCount)
	}
}

func TestMultipartUploadAbortsOnExhaustedRetries(t *testing.T) {
	fake := newFakeS3()
	fake.failPart[2] = -1
	fake.failErr = transientErr()

	payload := bytes.Repeat([]byte("z"), 40)
	state, err := testUploader(fake, 8).upload(context.Background(), bytes.NewReader(payload), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errdefs.IsKind(err, errdefs.KindTransport) {
		t.Errorf("error kind = %v, want transport", errdefs.KindOf(err))
	}
	if fake.abortCalls != 1 {
		t.Errorf("abortCalls = %d, want 1", fake.abortCalls)
	}
	if fake.completeCalls != 0 {
		t.Errorf("completeCalls = %d, want 0", fake.completeCalls)
	}
	if state.PartAttempts[2] != 3 {
		t.Errorf("PartAttempts[2] = %d, want 3", state.PartAttempts[2])
	}
	if state.LastErr == nil {
		t.Error("LastErr not recorded")
	}
}

func TestMultipartUploadTerminalErrorNotRetried(t *testing.T) {
	fake := newFakeS3()
	fake.failPart[1] = -1
	fake.failErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}

	_, err := testUploader(fake, 8).upload(context.Background(), strings.NewReader("hello"), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if fake.partCalls[1] != 1 {
		t.Errorf("partCalls[1] = %d, want 1 (no retry on terminal error)", fake.partCalls[1])
	}
	if fake.abortCalls != 1 {
		t.Errorf("abortCalls = %d, want 1", fake.abortCalls)
	}
}

func TestMultipartUploadEmptyStream(t *testing.T) {
	fake := newFakeS3()

	state, err := testUploader(fake, 8).upload(context.Background(), bytes.NewReader(nil), nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if state.PartCount != 1 {
		t.Errorf("PartCount = %d, want 1", state.PartCount)
	}
	if fake.completeCalls != 1 {
		t.Errorf("completeCalls = %d, want 1", fake.completeCalls)
	}
}

func TestMultipartUploadReaderFailureAborts(t *testing.T) {
	fake := newFakeS3()
	source := errdefs.New(errdefs.KindExport, "dump died")
	reader := io.MultiReader(bytes.NewReader(bytes.Repeat([]byte("a"), 16)), &failingReader{err: source})

	_, err := testUploader(fake, 8).upload(context.Background(), reader, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	// The upstream classification survives wrapping.
	if !errdefs.IsKind(err, errdefs.KindExport) {
		t.Errorf("error kind = %v, want export", errdefs.KindOf(err))
	}
	if fake.abortCalls != 1 {
		t.Errorf("abortCalls = %d, want 1", fake.abortCalls)
	}
	if fake.completeCalls != 0 {
		t.Errorf("completeCalls = %d, want 0", fake.completeCalls)
	}
}

func TestMultipartUploadCompleteFailureAborts(t *testing.T) {
	fake := newFakeS3()
	fake.completeErr = errors.New("boom")

	_, err := testUploader(fake, 8).upload(context.Background(), strings.NewReader("data"), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errdefs.IsKind(err, errdefs.KindTransport) {
		t.Errorf("error kind = %v, want transport", errdefs.KindOf(err))
	}
	if fake.abortCalls != 1 {
		t.Errorf("abortCalls = %d, want 1", fake.abortCalls)
	}
}

type failingReader struct{ err error }

func (f *failingReader) Read(p []byte) (int, error) { return 0, f.err }
