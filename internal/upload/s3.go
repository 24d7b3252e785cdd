package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/MacJediWizard/autobackup/internal/config"
)

// S3Endpoint uploads to an S3-compatible bucket.
type S3Endpoint struct {
	name     string
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Endpoint builds the S3 client for cfg. httpClient may be nil.
func NewS3Endpoint(ctx context.Context, name string, cfg *config.S3Config, httpClient *http.Client) (*S3Endpoint, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("s3 credentials are required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	}
	if httpClient != nil {
		awsOpts = append(awsOpts, awsconfig.WithHTTPClient(httpClient))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		endpointURL := cfg.Endpoint
		if !strings.Contains(endpointURL, "://") {
			scheme := "http"
			if cfg.UseSSL {
				scheme = "https"
			}
			endpointURL = scheme + "://" + endpointURL
		}
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpointURL)
			o.UsePathStyle = true
		})
	}

	if name == "" {
		name = "s3:" + cfg.Bucket
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)
	return &S3Endpoint{
		name:     name,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		uploader: manager.NewUploader(client),
	}, nil
}

// Name implements Endpoint.
func (e *S3Endpoint) Name() string {
	return e.name
}

// Upload implements Endpoint. The reference is s3://bucket/key.
func (e *S3Endpoint) Upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open upload file: %w", err)
	}
	defer f.Close()

	key := e.objectKey(filepath.Base(path))
	_, err = e.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	return fmt.Sprintf("s3://%s/%s", e.bucket, key), nil
}

func (e *S3Endpoint) objectKey(base string) string {
	if e.prefix == "" {
		return base
	}
	return e.prefix + "/" + base
}
