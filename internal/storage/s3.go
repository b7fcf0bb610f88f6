// Package storage archives uploaded CSVs to S3 so the raw artifact for
// any run can be replayed or audited later.
package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store writes run artifacts under a single bucket, keyed by user and
// run.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store loads the default AWS config (env, shared credentials,
// instance role) and targets the given bucket.
func NewS3Store(ctx context.Context, bucket, region string) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// SaveCSV stores the raw upload bytes and returns the object URL.
func (s *S3Store) SaveCSV(ctx context.Context, userID, runID, source string, data []byte) (string, error) {
	key := fmt.Sprintf("%s/runs/%s/%s.csv", userID, runID, source)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return "", fmt.Errorf("put csv artifact: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
