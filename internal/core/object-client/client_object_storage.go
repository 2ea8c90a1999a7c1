package objectclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	cfg "github.com/markdave123-py/Somnia/internal/config"
	"github.com/markdave123-py/Somnia/internal/core"
)

var _ core.ObjectClient = (*S3Client)(nil)

// maxObjectBytes bounds catalog seeds; anything larger is not a theme list.
const maxObjectBytes = 4 << 20

type S3Client struct {
	client *s3.Client
}

// NewS3Client uses static credentials when both keys are configured and the
// default AWS credential chain otherwise.
func NewS3Client(ctx context.Context, cfg *cfg.Config) (*S3Client, error) {
	if cfg.AwsRegion == "" {
		return nil, fmt.Errorf("AWS_REGION not set")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.AwsRegion)}
	if cfg.AwsAccessKey != "" && cfg.AwsSecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Client{client: s3.NewFromConfig(awsCfg)}, nil
}

func (c *S3Client) GetFile(ctx context.Context, bucket, key string) ([]byte, error) {
	ctxGet, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := c.client.GetObject(ctxGet, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, core.ErrNotFound)
		}
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxObjectBytes {
		return nil, fmt.Errorf("s3://%s/%s exceeds %d bytes", bucket, key, maxObjectBytes)
	}
	return body, nil
}
