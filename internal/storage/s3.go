package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"

	"imageforge/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client stores build artifacts: dependency manifests, build contexts for
// remote builds, and engine build logs.
type S3Client struct {
	client *s3.Client
	bucket string
	logger *logger.Logger
}

// NewS3Client creates a new S3 client
func NewS3Client(bucket, region, accessKey, secretKey string, logger *logger.Logger) (*S3Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if region == "" {
		return nil, fmt.Errorf("region is required")
	}

	logger.Debug().
		Str("bucket", bucket).
		Str("region", region).
		Msg("Creating S3 client")

	var creds aws.CredentialsProvider
	if accessKey != "" && secretKey != "" {
		creds = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
	}

	var cfg aws.Config
	var err error
	if creds != nil {
		cfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(region),
			config.WithCredentialsProvider(creds),
		)
	} else {
		// Fall back to the default chain: env vars, shared credentials file
		cfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(region),
		)
	}
	if err != nil {
		logger.Error().
			Err(err).
			Str("region", region).
			Msg("Failed to load AWS config")
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg)

	logger.Info().
		Str("bucket", bucket).
		Str("region", region).
		Msg("S3 client created")

	return &S3Client{
		client: client,
		bucket: bucket,
		logger: logger,
	}, nil
}

// Bucket returns the configured bucket name
func (s *S3Client) Bucket() string {
	return s.bucket
}

// UploadFile uploads a file to S3
func (s *S3Client) UploadFile(ctx context.Context, key string, file io.Reader) error {
	s.logger.Debug().
		Str("bucket", s.bucket).
		Str("key", key).
		Msg("Uploading file to S3")

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("bucket", s.bucket).
			Str("key", key).
			Msg("Failed to upload file to S3")
		return fmt.Errorf("failed to upload file to S3: %w", err)
	}

	s.logger.Info().
		Str("bucket", s.bucket).
		Str("key", key).
		Int("size", len(data)).
		Msg("File uploaded to S3")

	return nil
}

// UploadFileFromMultipart uploads a multipart form file to S3 and returns
// the object's s3:// URL
func (s *S3Client) UploadFileFromMultipart(ctx context.Context, file *multipart.FileHeader, key string) (string, error) {
	src, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer src.Close()

	s.logger.Debug().
		Str("filename", file.Filename).
		Str("key", key).
		Int64("size", file.Size).
		Msg("Uploading multipart file to S3")

	data, err := io.ReadAll(src)
	if err != nil {
		return "", fmt.Errorf("failed to read file content: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(file.Header.Get("Content-Type")),
	})
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("bucket", s.bucket).
			Str("key", key).
			Msg("Failed to upload file to S3")
		return "", fmt.Errorf("failed to upload file to S3: %w", err)
	}

	s.logger.Info().
		Str("bucket", s.bucket).
		Str("key", key).
		Int64("size", file.Size).
		Msg("File uploaded to S3")

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// DownloadFile downloads an object from S3
func (s *S3Client) DownloadFile(ctx context.Context, key string) ([]byte, error) {
	s.logger.Debug().
		Str("bucket", s.bucket).
		Str("key", key).
		Msg("Downloading file from S3")

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("bucket", s.bucket).
			Str("key", key).
			Msg("Failed to download file from S3")
		return nil, fmt.Errorf("failed to download file from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file data: %w", err)
	}

	s.logger.Info().
		Str("bucket", s.bucket).
		Str("key", key).
		Int("size", len(data)).
		Msg("File downloaded from S3")

	return data, nil
}

// DeleteFile removes an object from S3
func (s *S3Client) DeleteFile(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete file from S3: %w", err)
	}
	return nil
}

// Ping checks S3 connectivity
func (s *S3Client) Ping(ctx context.Context) error {
	_, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	return nil
}
