// Package archive uploads WAL segments to S3 before compaction
// deletes them locally, so cold history survives
// past the local retention window. Grounded on the teacher's
// internal/storage/block S3 backend, narrowed from a general
// filesystem abstraction to the one operation compaction needs:
// "archive this file, then it's safe to delete."
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver uploads local files to cold storage, keyed by their base
// name under a configured prefix.
type Archiver interface {
	Archive(ctx context.Context, localPath string) error
}

// NopArchiver is used when archival is disabled; Archive is a no-op.
type NopArchiver struct{}

func (NopArchiver) Archive(ctx context.Context, localPath string) error { return nil }

// S3Archiver uploads to a single S3 bucket/prefix.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// Config selects the bucket, region, and key prefix for archived objects.
type Config struct {
	Bucket string
	Region string
	Prefix string
}

// New builds an S3Archiver using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Archive uploads localPath's contents under prefix/basename.
func (a *S3Archiver) Archive(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", localPath, err)
	}
	defer f.Close()

	key := a.key(filepath.Base(localPath))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	return nil
}

func (a *S3Archiver) key(name string) string {
	if a.prefix == "" {
		return name
	}
	return a.prefix + "/" + name
}
