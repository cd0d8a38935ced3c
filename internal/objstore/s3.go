package objstore

import (
	"context"
	"errors"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3API is the subset of the S3 client used by S3Store. *s3.S3 satisfies it.
type S3API interface {
	ListObjectsV2PagesWithContext(ctx aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error
	GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
	DeleteObjectWithContext(ctx aws.Context, in *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error)
}

// S3Account holds the credentials and endpoint for one S3 account. Several
// buckets may share an account.
type S3Account struct {
	Region          string
	Endpoint        string // optional, for S3-compatible services
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// NewS3Client builds an S3 client for the account. Empty credentials fall
// back to the SDK's default chain.
func NewS3Client(acct S3Account) (*s3.S3, error) {
	cfg := aws.NewConfig().WithRegion(acct.Region)
	if acct.Endpoint != "" {
		cfg = cfg.WithEndpoint(acct.Endpoint)
	}
	if acct.ForcePathStyle {
		cfg = cfg.WithS3ForcePathStyle(true)
	}
	if acct.AccessKeyID != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(acct.AccessKeyID, acct.SecretAccessKey, ""))
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	return s3.New(sess), nil
}

// S3Store is a Store over one S3 bucket.
type S3Store struct {
	api    S3API
	bucket string
}

var _ Store = (*S3Store)(nil)

// NewS3Store returns a store for bucket using api.
func NewS3Store(api S3API, bucket string) *S3Store {
	return &S3Store{api: api, bucket: bucket}
}

func (s *S3Store) Name() string { return "s3://" + s.bucket }

// List pages through ListObjectsV2 and returns every key under prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if prefix != "" {
		in.Prefix = aws.String(prefix)
	}

	var keys []string
	err := s.api.ListObjectsV2PagesWithContext(ctx, in, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, s.fail("list", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.fail("get", key, err)
	}
	return out.Body, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body io.ReadSeeker, class StorageClass) error {
	if class == "" {
		class = DefaultStorageClass
	}
	_, err := s.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         body,
		StorageClass: aws.String(string(class)),
	})
	if err != nil {
		return s.fail("put", key, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s.fail("delete", key, err)
	}
	return nil
}

func (s *S3Store) fail(op, key string, err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			err = ErrNotFound
		}
	}
	return &TransportError{Op: op, Store: s.Name(), Key: key, Err: err}
}
