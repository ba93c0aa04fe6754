package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// S3Options configures the staging bucket.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Stager puts raw files into a bucket so the backend can fetch them by reference.
type S3Stager struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Stager loads AWS config (static keys when given, default chain otherwise).
func NewS3Stager(ctx context.Context, opts S3Options) (*S3Stager, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}
	var loadOpts []func(*awscfg.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awscfg.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	cli := s3.NewFromConfig(cfg)
	return &S3Stager{
		client:   cli,
		uploader: manager.NewUploader(cli),
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
	}, nil
}

// Stage uploads body under a key derived from caseID and name and returns the
// s3:// reference to it.
func (s *S3Stager) Stage(ctx context.Context, caseID, name string, body io.Reader) (string, error) {
	key := ObjectKey(s.prefix, caseID, name, time.Now())
	start := time.Now()
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     body,
		Metadata: map[string]string{"case-id": caseID, "name": name},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to S3: %w", name, err)
	}
	log.Info().
		Str("bucket", s.bucket).
		Str("key", key).
		Str("case_id", caseID).
		Dur("duration", time.Since(start)).
		Msg("staged file in s3")
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// HeadBucket verifies the bucket is reachable with the loaded credentials.
func (s *S3Stager) HeadBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

// Bucket returns the staging bucket name.
func (s *S3Stager) Bucket() string { return s.bucket }

// ObjectKey builds prefix/<case>/<yyyy-mm-dd>/<uuid>_<name>. Path separators in
// caseID or name are flattened so a key never escapes its case folder.
func ObjectKey(prefix, caseID, name string, now time.Time) string {
	clean := func(s string) string {
		s = strings.TrimSpace(s)
		s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
		if s == "" {
			return "unnamed"
		}
		return s
	}
	return path.Join(prefix, clean(caseID), now.UTC().Format("2006-01-02"), uuid.NewString()+"_"+clean(name))
}
