package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/funcbox/funcbox/interfaces"
)

// S3RouteSource implements RouteSource over a single routes JSON document
// in an S3 (or compatible) bucket. Change detection compares the object's
// ETag, so a routes push by deployment tooling is picked up on the next
// request without polling the body.
type S3RouteSource struct {
	client *s3.S3
	bucket string
	key    string
	log    *slog.Logger

	mu       sync.Mutex
	lastETag string
	checked  bool
}

// NewS3RouteSource creates a route source reading s3://bucket/key.
// If accessKey and secretKey are empty the bucket must be publicly
// readable.
func NewS3RouteSource(bucket, key, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3RouteSource, error) {
	cfg := aws.Config{Region: aws.String(region)}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3RouteSource{
		client: s3.New(sess),
		bucket: bucket,
		key:    key,
		log:    log,
	}, nil
}

// GetAllRoutes fetches and decodes the routes document.
func (s *S3RouteSource) GetAllRoutes(ctx context.Context) ([]interfaces.Route, error) {
	routes, _, err := s.fetch(ctx)
	return routes, err
}

// HasChangedSinceLastCheck compares the object ETag against the previous
// check and returns the new route list only when it differs. The first
// call always reports a change.
func (s *S3RouteSource) HasChangedSinceLastCheck(ctx context.Context) ([]interfaces.Route, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	etag := aws.StringValue(head.ETag)
	if s.checked && etag == s.lastETag {
		return nil, false, nil
	}

	routes, fetchedETag, err := s.fetch(ctx)
	if err != nil {
		return nil, false, err
	}

	s.checked = true
	s.lastETag = fetchedETag
	return routes, true, nil
}

func (s *S3RouteSource) fetch(ctx context.Context) ([]interfaces.Route, string, error) {
	obj, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	defer obj.Body.Close()

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	var routes []interfaces.Route
	if err := json.Unmarshal(data, &routes); err != nil {
		return nil, "", fmt.Errorf("failed to decode routes document: %w", err)
	}

	s.log.Debug("Fetched routes document from S3",
		slog.String("bucket", s.bucket),
		slog.String("key", s.key),
		slog.Int("routes", len(routes)))

	return routes, aws.StringValue(obj.ETag), nil
}
