package artifact

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store keeps artifacts in an S3 (or S3-compatible) bucket.
type S3Store struct {
	client putObjectAPI
	bucket string
	prefix string
}

// S3Config selects the bucket and, for S3-compatible services, a custom
// endpoint. Credentials come from the default AWS chain.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// NewS3Store loads AWS configuration and creates an S3Store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 artifact store: bucket is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Store(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Store(client putObjectAPI, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Put uploads data and returns an s3:// URI.
func (s *S3Store) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	rel, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	key := rel
	if s.prefix != "" {
		key = s.prefix + "/" + rel
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}
