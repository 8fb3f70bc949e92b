package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// minS3PartSize is AWS's minimum multipart upload part size (except the
// last part of an upload). Client chunks can be as small as 256 KiB
// (spec §6.3 chunk_size_bytes floor), well under this, so appended bytes
// are buffered per upload until there is enough to stage a part.
const minS3PartSize = 5 * 1024 * 1024

// Finalizer is implemented by Store backends that must commit buffered,
// not-yet-durable bytes once a session reaches its declared size (the S3
// analogue of Azure's CommitBlockList). The protocol layer calls Finalize
// after the append that completes the session; ReadRange and Size are only
// required to reflect the object's true contents after Finalize returns.
type Finalizer interface {
	Finalize(ctx context.Context, uploadID string) error
}

type s3UploadState struct {
	mu            sync.Mutex
	multipartID   string
	partNumber    int64
	parts         []*s3.CompletedPart
	buffer        bytes.Buffer
	committedSize int64
	completed     bool
}

func (u *s3UploadState) currentSize() int64 {
	return u.committedSize + int64(u.buffer.Len())
}

// S3Store is the primary Store implementation (spec §4.A), backed by AWS
// S3 multipart upload.
type S3Store struct {
	client  *s3.S3
	bucket  string
	log     *zap.Logger
	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	uploads map[string]*s3UploadState
}

// NewS3Store creates a Store backed by the given bucket. region and
// endpoint follow the usual AWS SDK session conventions; pass an empty
// endpoint to use AWS's default resolver, or a custom one for an
// S3-compatible store.
func NewS3Store(region, endpoint, bucket string, log *zap.Logger) (*S3Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := aws.NewConfig().WithRegion(region)
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return &S3Store{
		client: s3.New(sess),
		bucket: bucket,
		log:    log.With(zap.String("module", "blobstore_s3")),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "blobstore-s3",
			MaxRequests: 1,
			Interval:    0,
		}),
		uploads: make(map[string]*s3UploadState),
	}, nil
}

func (s *S3Store) stateFor(uploadID string) *s3UploadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.uploads[uploadID]
	if !ok {
		st = &s3UploadState{partNumber: 1}
		s.uploads[uploadID] = st
	}
	return st
}

func (s *S3Store) ensureMultipart(ctx context.Context, uploadID string, st *s3UploadState) error {
	if st.multipartID != "" {
		return nil
	}
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.client.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(Key(uploadID)),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to create multipart upload: %w", err)
	}
	st.multipartID = aws.StringValue(out.(*s3.CreateMultipartUploadOutput).UploadId)
	return nil
}

// Append buffers data and flushes full-sized parts to S3 as they
// accumulate. The read of length bytes is all-or-nothing: a short read
// from r fails the call without advancing the upload's logical size.
func (s *S3Store) Append(ctx context.Context, uploadID string, offset int64, r io.Reader, length int64) (int64, error) {
	st := s.stateFor(uploadID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.completed {
		return 0, fmt.Errorf("blobstore: upload %s already finalized", uploadID)
	}
	if offset != st.currentSize() {
		return st.currentSize(), ErrOffsetMismatch
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return st.currentSize(), fmt.Errorf("blobstore: short read appending %d bytes: %w", length, err)
	}

	if err := s.ensureMultipart(ctx, uploadID, st); err != nil {
		return st.currentSize(), err
	}

	st.buffer.Write(buf)
	for st.buffer.Len() >= minS3PartSize {
		if err := s.flushPart(ctx, uploadID, st, minS3PartSize); err != nil {
			return st.currentSize(), err
		}
	}
	return st.currentSize(), nil
}

func (s *S3Store) flushPart(ctx context.Context, uploadID string, st *s3UploadState, n int) error {
	partBytes := make([]byte, n)
	if _, err := st.buffer.Read(partBytes); err != nil {
		return fmt.Errorf("failed to drain part buffer: %w", err)
	}
	partNumber := st.partNumber
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.client.UploadPartWithContext(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(Key(uploadID)),
			UploadId:   aws.String(st.multipartID),
			PartNumber: aws.Int64(partNumber),
			Body:       bytes.NewReader(partBytes),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to upload part %d: %w", partNumber, err)
	}
	st.parts = append(st.parts, &s3.CompletedPart{
		ETag:       out.(*s3.UploadPartOutput).ETag,
		PartNumber: aws.Int64(partNumber),
	})
	st.partNumber++
	st.committedSize += int64(n)
	return nil
}

// Finalize flushes any buffered tail as the last part and completes the
// multipart upload, after which ReadRange serves the real object.
func (s *S3Store) Finalize(ctx context.Context, uploadID string) error {
	st := s.stateFor(uploadID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.completed {
		return nil
	}
	if st.multipartID == "" {
		// Zero-byte upload: nothing was ever staged.
		if _, err := s.breaker.Execute(func() (interface{}, error) {
			return s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(Key(uploadID)),
				Body:   bytes.NewReader(nil),
			})
		}); err != nil {
			return fmt.Errorf("failed to put empty object: %w", err)
		}
		st.completed = true
		return nil
	}
	if st.buffer.Len() > 0 {
		if err := s.flushPart(ctx, uploadID, st, st.buffer.Len()); err != nil {
			return err
		}
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return s.client.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(Key(uploadID)),
			UploadId:        aws.String(st.multipartID),
			MultipartUpload: &s3.CompletedMultipartUpload{Parts: st.parts},
		})
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}
	st.completed = true
	return nil
}

// Size returns the upload's current logical size: the in-progress
// buffered size before Finalize, or the object's true size afterward.
func (s *S3Store) Size(ctx context.Context, uploadID string) (int64, error) {
	s.mu.Lock()
	st, tracked := s.uploads[uploadID]
	s.mu.Unlock()
	if tracked {
		st.mu.Lock()
		completed := st.completed
		size := st.currentSize()
		st.mu.Unlock()
		if !completed {
			return size, nil
		}
	}

	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(Key(uploadID)),
		})
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return aws.Int64Value(out.(*s3.HeadObjectOutput).ContentLength), nil
}

// ReadRange reads [start, end] of the finalized object. It is only valid
// after Finalize; the pipeline never calls it before the session leaves
// open.
func (s *S3Store) ReadRange(ctx context.Context, uploadID string, start, end int64) (io.ReadCloser, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(Key(uploadID)),
			Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return out.(*s3.GetObjectOutput).Body, nil
}

// Delete removes the object and drops any in-progress multipart state.
func (s *S3Store) Delete(ctx context.Context, uploadID string) error {
	s.mu.Lock()
	st, tracked := s.uploads[uploadID]
	delete(s.uploads, uploadID)
	s.mu.Unlock()

	if tracked && st.multipartID != "" && !st.completed {
		if _, err := s.client.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(Key(uploadID)),
			UploadId: aws.String(st.multipartID),
		}); err != nil {
			s.log.Warn("failed to abort multipart upload", zap.String("upload_id", uploadID), zap.Error(err))
		}
	}

	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(Key(uploadID)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}
