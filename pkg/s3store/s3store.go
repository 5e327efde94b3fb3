// Package s3store is a durable tier backed by an S3-compatible bucket (AWS S3,
// Cloudflare R2, MinIO). Each descriptor is one object named by its key.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/agenthands/descedge/pkg/core"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// CacheControl is written on every object; descriptors never change.
const CacheControl = "public, max-age=31536000, immutable"

// Store reads and writes descriptors in a bucket.
type Store struct {
	svc     s3iface.S3API
	bucket  string
	prefix  string
	maxBody uint64
}

// New wraps an existing client.
func New(svc s3iface.S3API, cfg core.S3Config, limits core.LimitsConfig) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket not specified", core.ErrInvalidInput)
	}
	return &Store{
		svc:     svc,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		maxBody: limits.MaxObjectBytes,
	}, nil
}

// Dial builds a client from cfg. Empty credentials fall back to the SDK's
// default chain (environment, shared config, instance role).
func Dial(cfg core.S3Config, limits core.LimitsConfig) (*Store, error) {
	awsCfg := aws.NewConfig().WithS3ForcePathStyle(cfg.ForcePathStyle)
	if cfg.Region != "" {
		awsCfg = awsCfg.WithRegion(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *awsCfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return New(s3.New(sess), cfg, limits)
}

func (s *Store) objectKey(key core.Key) string {
	return s.prefix + string(key)
}

// Get returns (obj, false, nil) when the bucket has no such object.
func (s *Store) Get(ctx context.Context, key core.Key) (core.Object, bool, error) {
	out, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return core.Object{}, false, nil
		}
		return core.Object{}, false, fmt.Errorf("%w: s3 get %s: %v", core.ErrUpstreamUnavailable, key, err)
	}
	defer out.Body.Close()

	var body io.Reader = out.Body
	if s.maxBody > 0 {
		body = io.LimitReader(out.Body, int64(s.maxBody)+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return core.Object{}, false, fmt.Errorf("%w: s3 read %s: %v", core.ErrUpstreamUnavailable, key, err)
	}
	if s.maxBody > 0 && uint64(len(data)) > s.maxBody {
		return core.Object{}, false, fmt.Errorf("%w: s3 object %s exceeds %d bytes", core.ErrTooLarge, key, s.maxBody)
	}
	return core.Object{Data: data, ContentType: aws.StringValue(out.ContentType)}, true, nil
}

func (s *Store) Put(ctx context.Context, key core.Key, obj core.Object) error {
	if s.maxBody > 0 && uint64(len(obj.Data)) > s.maxBody {
		return fmt.Errorf("%w: %d bytes exceeds %d", core.ErrTooLarge, len(obj.Data), s.maxBody)
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(obj.Data),
		ContentLength: aws.Int64(int64(len(obj.Data))),
		CacheControl:  aws.String(CacheControl),
	}
	if obj.ContentType != "" {
		in.ContentType = aws.String(obj.ContentType)
	}
	if _, err := s.svc.PutObjectWithContext(ctx, in); err != nil {
		return fmt.Errorf("%w: s3 put %s: %v", core.ErrUpstreamUnavailable, key, err)
	}
	return nil
}

func (s *Store) Close() error { return nil }

func isNotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	return false
}
