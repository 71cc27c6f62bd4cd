package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client is the subset of *s3.Client used here.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

var (
	s3MissingCodes  = []string{"NoSuchKey", "NotFound", "404"}
	s3ConflictCodes = []string{"PreconditionFailed", "ConditionalRequestConflict", "412"}
)

type s3Store struct {
	api    S3Client
	bucket *string
	prefix string
	limit  int64
}

func newS3Store(cfg Config) (*s3Store, error) {
	switch {
	case strings.TrimSpace(cfg.Bucket) == "":
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	case cfg.S3Client == nil:
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	limit := cfg.MaxGetSize
	if limit <= 0 {
		limit = defaultMaxGetSize
	}
	return &s3Store{
		api:    cfg.S3Client,
		bucket: aws.String(strings.TrimSpace(cfg.Bucket)),
		prefix: normalizePrefix(cfg.Prefix),
		limit:  limit,
	}, nil
}

// resolve validates key and returns it alongside the prefixed object key.
func (s *s3Store) resolve(key string) (string, *string, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return "", nil, err
	}
	return k, aws.String(joinPrefix(s.prefix, k)), nil
}

// Put relies on If-None-Match so two schedulers racing on one receipt cannot both win.
func (s *s3Store) Put(ctx context.Context, key string, payload []byte, opts PutOptions) error {
	k, objKey, err := s.resolve(key)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:      s.bucket,
		Key:         objKey,
		Body:        bytes.NewReader(payload),
		IfNoneMatch: aws.String("*"),
		Metadata:    cloneMetadata(opts.Metadata),
	}
	if ct := strings.TrimSpace(opts.ContentType); ct != "" {
		in.ContentType = aws.String(ct)
	}
	_, err = s.api.PutObject(ctx, in)
	switch {
	case err == nil:
		return nil
	case apiErrorIn(err, s3ConflictCodes):
		return fmt.Errorf("%w: %s", ErrExists, k)
	default:
		return fmt.Errorf("blobstore/s3: put %q: %w", k, err)
	}
}

func (s *s3Store) Get(ctx context.Context, key string) (Object, error) {
	k, objKey, err := s.resolve(key)
	if err != nil {
		return Object{}, err
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: s.bucket, Key: objKey})
	switch {
	case err == nil:
	case apiErrorIn(err, s3MissingCodes):
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, k)
	default:
		return Object{}, fmt.Errorf("blobstore/s3: get %q: %w", k, err)
	}
	defer func() { _ = out.Body.Close() }()

	// One extra byte tells an object at the limit apart from one past it.
	data, err := io.ReadAll(io.LimitReader(out.Body, s.limit+1))
	if err != nil {
		return Object{}, fmt.Errorf("blobstore/s3: read %q: %w", k, err)
	}
	if int64(len(data)) > s.limit {
		return Object{}, fmt.Errorf("%w: %q exceeds %d bytes", ErrTooLarge, k, s.limit)
	}
	return Object{
		Key:          k,
		Data:         data,
		ContentType:  aws.ToString(out.ContentType),
		Metadata:     cloneMetadata(out.Metadata),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (s *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	k, objKey, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: s.bucket, Key: objKey})
	switch {
	case err == nil:
		return true, nil
	case apiErrorIn(err, s3MissingCodes):
		return false, nil
	default:
		return false, fmt.Errorf("blobstore/s3: head %q: %w", k, err)
	}
}

func apiErrorIn(err error, codes []string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	for _, c := range codes {
		if code == c {
			return true
		}
	}
	return false
}
