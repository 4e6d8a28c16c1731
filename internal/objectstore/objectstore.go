// Package objectstore puts large artifacts (images, audio) in an
// S3-compatible store and hands out time-limited download URLs. Buckets are
// created lazily per worker family; old objects are pruned on a schedule.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Options configures the store connection.
type Options struct {
	Endpoint  string // host:port of the S3-compatible service
	AccessKey string
	SecretKey string
	Secure    bool // https when true
	TTLDays   int  // presign lifetime and prune horizon
}

// Store wraps an S3 client plus its presigner.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	ttl     time.Duration
	log     *slog.Logger
}

// New builds a store against an S3-compatible endpoint with static
// credentials and path-style addressing (MinIO has no virtual hosts).
func New(ctx context.Context, opts Options, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	scheme := "http"
	if opts.Secure {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s", scheme, opts.Endpoint)

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKey,
			opts.SecretKey,
			"",
		)),
		config.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	ttl := time.Duration(opts.TTLDays) * 24 * time.Hour
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		ttl:     ttl,
		log:     log,
	}, nil
}

// ensureBucket creates the bucket if it does not exist yet.
func (s *Store) ensureBucket(ctx context.Context, bucket string) error {
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// Upload stores data and returns a presigned download URL. The bucket and
// object names are sanitized from whatever the caller passes.
func (s *Store) Upload(ctx context.Context, bucket, name string, data []byte, contentType string) (string, error) {
	bucket = BucketName(bucket)
	key := ObjectName(name)

	if err := s.ensureBucket(ctx, bucket); err != nil {
		return "", err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}
	s.log.Debug("artifact uploaded", "bucket", bucket, "key", key, "size", len(data))

	return s.PresignGet(ctx, bucket, key)
}

// PresignGet returns a download URL valid for the store TTL.
func (s *Store) PresignGet(ctx context.Context, bucket, key string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}

// Get reads an object back.
func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Prune deletes every object older than the store TTL, across all buckets.
// Presigned URLs expire on the same horizon, so nothing reachable is lost.
func (s *Store) Prune(ctx context.Context) error {
	buckets, err := s.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}

	cutoff := time.Now().Add(-s.ttl)
	var pruned int
	for _, b := range buckets.Buckets {
		bucket := aws.ToString(b.Name)
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				s.log.Warn("prune: list objects failed", "bucket", bucket, "error", err)
				break
			}
			for _, obj := range page.Contents {
				if obj.LastModified == nil || obj.LastModified.After(cutoff) {
					continue
				}
				_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
					Bucket: aws.String(bucket),
					Key:    obj.Key,
				})
				if err != nil {
					s.log.Warn("prune: delete failed", "bucket", bucket, "key", aws.ToString(obj.Key), "error", err)
					continue
				}
				pruned++
			}
		}
	}
	s.log.Info("object store pruned", "deleted", pruned, "cutoff", cutoff)
	return nil
}

// BucketName maps an arbitrary label to a valid S3 bucket name: lowercase,
// [a-z0-9-] only, no leading/trailing or doubled dashes, 3 to 63 chars.
func BucketName(s string) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	name := strings.TrimRight(b.String(), "-")
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "-")
	}
	for len(name) < 3 {
		name += "0"
	}
	return name
}

// ObjectName keeps keys to a safe character set.
func ObjectName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-', r == '/':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
