package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ariana-dot-dev/ariana-sub004/internal/common/config"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
)

// R2 talks to an S3-compatible endpoint. Object reads and writes go through
// presigned URLs and a plain HTTP client; the SDK is used for signing,
// listing and deletion.
type R2 struct {
	client  *s3.Client
	presign *s3.PresignClient
	http    *http.Client
	bucket  string
	expiry  time.Duration
}

// NewR2 builds the client from the snapshot config section.
func NewR2(ctx context.Context, cfg config.SnapshotConfig) (*R2, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("snapshot endpoint not configured")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load object store credentials: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	return &R2{
		client:  client,
		presign: s3.NewPresignClient(client),
		http:    &http.Client{Timeout: 15 * time.Minute},
		bucket:  cfg.Bucket,
		expiry:  cfg.PresignExpiryDuration(),
	}, nil
}

func (r *R2) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	url, err := r.PresignPut(ctx, key, r.expiry)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	if size >= 0 {
		req.ContentLength = size
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("upload of %s rejected: %s", key, resp.Status)
	}
	return nil
}

func (r *R2) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	url, err := r.PresignGet(ctx, key, r.expiry)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, apperrors.NotFound("blob", key)
	}
	if resp.StatusCode/100 != 2 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("download of %s rejected: %s", key, resp.Status)
	}
	return resp.Body, nil
}

func (r *R2) Delete(ctx context.Context, key string) error {
	_, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (r *R2) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	// ListObjectsV2 already returns keys in UTF-8 binary order.
	return keys, nil
}

func (r *R2) PresignPut(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := r.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign put for %s: %w", key, err)
	}
	return req.URL, nil
}

func (r *R2) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := r.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign get for %s: %w", key, err)
	}
	return req.URL, nil
}
