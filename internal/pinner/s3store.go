package pinner

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// S3Store pins content-addressed objects into a dedicated bucket, keyed
// directly by address (spec §4.F). It mirrors blobstore.S3Store's session
// construction since both talk to the same kind of backend.
type S3Store struct {
	client  *s3.S3
	bucket  string
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// NewS3Store creates a pin Store backed by the given bucket.
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
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "pinner-s3",
			MaxRequests: 1,
			Interval:    0,
		}),
		log: log.With(zap.String("module", "pinner_s3")),
	}, nil
}

func (s *S3Store) Put(ctx context.Context, address string, r io.Reader, size int64) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading pin payload: %w", err)
	}
	_, err = s.breaker.Execute(func() (interface{}, error) {
		return s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(address),
			Body:          bytesReader(buf),
			ContentLength: aws.Int64(size),
		})
	})
	return err
}

func (s *S3Store) Get(ctx context.Context, address string) (io.ReadCloser, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(address),
		})
	})
	if err != nil {
		return nil, err
	}
	return out.(*s3.GetObjectOutput).Body, nil
}

func (s *S3Store) Exists(ctx context.Context, address string) (bool, error) {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(address),
		})
	})
	if err == nil {
		return true, nil
	}
	var aerr awserr.Error
	if ok := asAWSErr(err, &aerr); ok && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
		return false, nil
	}
	return false, err
}

func asAWSErr(err error, target *awserr.Error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		*target = aerr
		return true
	}
	return false
}
