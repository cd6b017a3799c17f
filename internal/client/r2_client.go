package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/reelcraft/api/internal/config"
)

// ErrObjectNotFound is returned by Head when the key provably does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo is the metadata returned by Head.
type ObjectInfo struct {
	Bucket      string
	Key         string
	Size        int64
	ContentType string
}

// StorageClient defines the interface for object storage operations.
// An empty bucket argument means the destination bucket.
type StorageClient interface {
	Head(ctx context.Context, bucket, key string) (*ObjectInfo, error)
	Copy(ctx context.Context, srcBucket, srcKey, dstKey string) error
	GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Bucket() string
}

// R2Client implements StorageClient for Cloudflare R2
type R2Client struct {
	s3Client   *s3.Client
	presigner  *s3.PresignClient
	bucketName string
}

// NewR2Client creates a new R2 storage client
func NewR2Client(cfg *config.R2Config) (*R2Client, error) {
	if cfg.AccountID == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("R2 configuration incomplete")
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &R2Client{
		s3Client:   s3Client,
		presigner:  s3.NewPresignClient(s3Client),
		bucketName: cfg.BucketName,
	}, nil
}

func (c *R2Client) Bucket() string {
	return c.bucketName
}

func (c *R2Client) bucketOr(b string) string {
	if b == "" {
		return c.bucketName
	}
	return b
}

// Head reads object metadata without fetching the body.
func (c *R2Client) Head(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	bucket = c.bucketOr(bucket)
	out, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to head %s/%s: %w", bucket, key, err)
	}
	return &ObjectInfo{
		Bucket:      bucket,
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

// Copy copies srcBucket/srcKey to dstKey in the destination bucket.
func (c *R2Client) Copy(ctx context.Context, srcBucket, srcKey, dstKey string) error {
	src := url.PathEscape(c.bucketOr(srcBucket)) + "/" + url.PathEscape(srcKey)
	_, err := c.s3Client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.bucketName),
		Key:        aws.String(dstKey),
		CopySource: aws.String(src),
	})
	if err != nil {
		if isNotFound(err) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("failed to copy %s to %s: %w", src, dstKey, err)
	}
	return nil
}

// GetSignedURL generates a presigned URL for temporary access
func (c *R2Client) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	return false
}
