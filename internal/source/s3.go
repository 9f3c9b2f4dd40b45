package source

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/featuremill/featuremill/internal/config"
	"github.com/featuremill/featuremill/internal/event"
)

// S3Source loads JSONL event objects under a bucket prefix. Credentials come
// from the environment or instance profile; static keys are never configured
// here.
type S3Source struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Source creates an S3 source from configuration.
func NewS3Source(ctx context.Context, cfg config.S3Config) (*S3Source, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 source: bucket required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 source: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Source{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// NewS3SourceWithStaticCredentials builds an S3 source against an
// S3-compatible endpoint (MinIO and friends) for test and local use.
func NewS3SourceWithStaticCredentials(ctx context.Context, cfg config.S3Config, accessKey, secretKey string) (*S3Source, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("s3 source: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Source{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Source) Name() string { return "s3" }

// Load lists every object under the prefix and decodes each as JSONL. Keys
// are fetched in lexicographic order so date-partitioned layouts
// (prefix/2024-03-01.jsonl, ...) come back in a stable order.
func (s *S3Source) Load(ctx context.Context) ([]*event.Event, error) {
	keys, err := s.listKeys(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	var events []*event.Event
	for _, key := range keys {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("s3 source: get %s: %w", key, err)
		}
		data, err := io.ReadAll(out.Body)
		out.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("s3 source: read %s: %w", key, err)
		}
		batch, err := decodeJSONL(key, data)
		if err != nil {
			return nil, err
		}
		events = append(events, batch...)
	}
	return events, nil
}

func (s *S3Source) listKeys(ctx context.Context) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 source: list %s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil && obj.Size != nil && *obj.Size > 0 {
				keys = append(keys, *obj.Key)
			}
		}
	}
	return keys, nil
}

// HealthCheck verifies the bucket is reachable.
func (s *S3Source) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	return err
}
