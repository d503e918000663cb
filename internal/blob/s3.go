// Package blob uploads exported bar files to S3 or any S3-compatible store
// such as MinIO or Cloudflare R2.
package blob

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// minPartSize is the smallest part S3 accepts in a multipart upload.
const minPartSize int64 = 5 * 1024 * 1024

// ErrBucketRequired is returned when no bucket is configured.
var ErrBucketRequired = errors.New("s3: bucket is required")

// S3Config holds the connection parameters. Endpoint is empty for AWS and
// set for S3-compatible providers.
type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	ForcePathStyle bool

	// Prefix is prepended to every object key, e.g. "rangebar/exports".
	Prefix string

	// PartSize is the multipart part size in bytes, clamped to 5 MiB.
	PartSize int64
}

// uploader is the part of *manager.Uploader used here.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Uploader uploads local files with the multipart upload manager.
type S3Uploader struct {
	up     uploader
	bucket string
	prefix string
}

// NewS3Uploader builds an S3 client from static credentials when given, or
// from the default AWS credential chain otherwise.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, ErrBucketRequired
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(normaliseEndpoint(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	partSize := max(cfg.PartSize, minPartSize)
	up := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
	})
	return newS3Uploader(up, cfg.Bucket, cfg.Prefix), nil
}

func newS3Uploader(up uploader, bucket, prefix string) *S3Uploader {
	return &S3Uploader{up: up, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key joins the configured prefix and parts into an object key.
func (u *S3Uploader) Key(parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	if u.prefix != "" {
		all = append(all, u.prefix)
	}
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			all = append(all, p)
		}
	}
	return path.Join(all...)
}

// UploadFile uploads the file at localPath under key and returns its s3:// URI.
func (u *S3Uploader) UploadFile(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("s3: open %s: %w", localPath, err)
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if ct := contentType(localPath); ct != "" {
		input.ContentType = aws.String(ct)
	}

	if _, err := u.up.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("s3: upload %s: %w", key, err)
	}

	uri := "s3://" + u.bucket + "/" + key
	log.Debug().Str("file", localPath).Str("uri", uri).Msg("Uploaded export")
	return uri, nil
}

func contentType(name string) string {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".parquet":
		return "application/vnd.apache.parquet"
	case ".csv":
		return "text/csv"
	default:
		return mime.TypeByExtension(ext)
	}
}

// normaliseEndpoint adds a scheme to endpoints given as bare host:port.
func normaliseEndpoint(endpoint string, useSSL bool) string {
	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" && parsed.Host != "" {
		return endpoint
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + endpoint
}
