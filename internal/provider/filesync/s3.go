package filesync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/kilupskalvis/opsync/internal/syncerr"
)

// S3API is the subset of the S3 client the backend uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config locates the sync file in a bucket.
type S3Config struct {
	Bucket string
	Key    string
	Region string
	// Endpoint selects an S3-compatible service such as MinIO.
	Endpoint     string
	UsePathStyle bool
}

// S3Backend keeps the sync file as one object. The ETag is the revision
// and writes are conditional on it.
type S3Backend struct {
	client S3API
	bucket string
	key    string
}

// NewS3Backend loads AWS credentials from the environment and returns a
// backend for cfg.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultFileName
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}
	return NewS3BackendWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Key), nil
}

// NewS3BackendWithClient returns a backend using an existing client.
func NewS3BackendWithClient(client S3API, bucket, key string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, key: key}
}

func (b *S3Backend) Location() string { return "s3://" + b.bucket + "/" + b.key }

func (b *S3Backend) Read(ctx context.Context) (Object, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return Object{}, nil
		}
		return Object{}, classifyS3(err, "get sync object")
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Object{}, syncerr.Wrap(syncerr.Network, err, "read sync object")
	}
	return Object{Found: true, Data: data, Rev: aws.ToString(out.ETag)}, nil
}

func (b *S3Backend) Write(ctx context.Context, data []byte, expectRev string) (string, error) {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if expectRev == "" {
		in.IfNoneMatch = aws.String("*")
	} else {
		in.IfMatch = aws.String(expectRev)
	}

	out, err := b.client.PutObject(ctx, in)
	if err != nil {
		if isPreconditionFailure(err) {
			return "", ErrRevisionMismatch
		}
		return "", classifyS3(err, "put sync object")
	}
	return aws.ToString(out.ETag), nil
}

func (b *S3Backend) Delete(ctx context.Context) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		return classifyS3(err, "delete sync object")
	}
	return nil
}

func isPreconditionFailure(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}

// classifyS3 maps S3 failures onto the sync error kinds.
func classifyS3(err error, msg string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return syncerr.Wrap(syncerr.Auth, err, msg)
		case "NoSuchBucket":
			return syncerr.Wrap(syncerr.NotFound, err, msg)
		case "SlowDown":
			return syncerr.Wrap(syncerr.RateLimited, err, msg)
		case "QuotaExceeded", "EntityTooLarge":
			return syncerr.Wrap(syncerr.QuotaExceeded, err, msg)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return syncerr.Wrap(syncerr.Server, err, msg)
		}
		return syncerr.Wrap(syncerr.Validation, err, msg)
	}
	return syncerr.Wrap(syncerr.Network, err, msg)
}
