package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3Config struct {
	// Endpoint is left empty for AWS itself, or points at a MinIO style
	// server for self hosted deployments.
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string

	// PresignUrls controls whether Upload returns short lived signed GET
	// urls instead of public object urls.
	PresignUrls   bool
	PresignExpiry time.Duration
}

type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     S3Config
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("error loading s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	if cfg.PresignExpiry == 0 {
		cfg.PresignExpiry = 15 * time.Minute
	}

	slog.Info("creating new s3 blob store", "bucket", cfg.Bucket, "endpoint", cfg.Endpoint)

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		cfg:     cfg,
	}, nil
}

func (s *S3Store) Upload(ctx context.Context, path string, data io.Reader, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(path),
		Body:   data,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	_, err := s.client.PutObject(ctx, input)
	if err != nil {
		slog.Error("error uploading object to s3", "path", path, "error", err)
		return "", fmt.Errorf("error uploading object %v: %w", path, err)
	}

	if s.cfg.PresignUrls {
		req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(path),
		}, s3.WithPresignExpires(s.cfg.PresignExpiry))
		if err != nil {
			slog.Error("error presigning object url", "path", path, "error", err)
			return "", fmt.Errorf("error presigning url for object %v: %w", path, err)
		}
		return req.URL, nil
	}

	return s.publicUrl(path), nil
}

func (s *S3Store) publicUrl(path string) string {
	escaped := (&url.URL{Path: "/" + path}).EscapedPath()
	if s.cfg.Endpoint != "" {
		return fmt.Sprintf("%v/%v%v", strings.TrimSuffix(s.cfg.Endpoint, "/"), s.cfg.Bucket, escaped)
	}
	return fmt.Sprintf("https://%v.s3.%v.amazonaws.com%v", s.cfg.Bucket, s.cfg.Region, escaped)
}

func (s *S3Store) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		slog.Error("error checking if object exists in s3", "path", path, "error", err)
		return false, fmt.Errorf("error checking if object %v exists: %w", path, err)
	}
	return true, nil
}

// Delete succeeds if the object is already gone, s3 treats removal of a
// missing key as a no-op.
func (s *S3Store) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		slog.Error("error deleting object from s3", "path", path, "error", err)
		return fmt.Errorf("error deleting object %v: %w", path, err)
	}
	return nil
}

func (s *S3Store) ResolvePath(blobUrl string) (string, error) {
	parsed, err := url.Parse(blobUrl)
	if err != nil {
		return "", fmt.Errorf("error parsing blob url '%v': %w", blobUrl, err)
	}

	// Presigned urls are the plain object url plus signature query params,
	// so the query can be ignored for path resolution.
	if s.cfg.Endpoint != "" {
		endpoint, err := url.Parse(s.cfg.Endpoint)
		if err == nil && parsed.Hostname() == endpoint.Hostname() {
			prefix := "/" + s.cfg.Bucket + "/"
			if strings.HasPrefix(parsed.Path, prefix) {
				return decodePath(strings.TrimPrefix(parsed.EscapedPath(), prefix), nil)
			}
		}
	}

	if parsed.Hostname() == fmt.Sprintf("%v.s3.%v.amazonaws.com", s.cfg.Bucket, s.cfg.Region) {
		return decodePath(strings.TrimPrefix(parsed.EscapedPath(), "/"), nil)
	}

	return ResolveRemoteURL(blobUrl)
}

func (s *S3Store) Location() string {
	return "s3://" + s.cfg.Bucket
}
