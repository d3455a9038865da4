package uploader

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Geni-96/SmartAudioMonitor/internal/store"
)

// S3Config holds the configuration for S3 uploads.
type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string // Optional key prefix
	Endpoint        string // Optional: for custom S3-compatible endpoints
	AccessKeyID     string // Optional: AWS access key ID
	SecretAccessKey string // Optional: AWS secret access key
}

// S3Sink uploads chunks as objects keyed by session and chunk id.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink creates an S3Sink. Credentials fall back to the default AWS chain
// when no static keys are configured.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket cannot be empty")
	}

	var configOpts []func(*config.LoadOptions) error
	configOpts = append(configOpts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Sink{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Key returns the object key of a chunk
func (s *S3Sink) Key(chunk *store.Chunk) string {
	name := strconv.FormatInt(chunk.ID, 10)
	if chunk.Done {
		name += "-complete"
	}
	return path.Join(s.prefix, chunk.SessionID, name+".pcm")
}

// Upload puts the chunk payload under its key
func (s *S3Sink) Upload(ctx context.Context, chunk *store.Chunk) error {
	key := s.Key(chunk)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(chunk.Payload),
		ContentLength: aws.Int64(int64(len(chunk.Payload))),
		ContentType:   aws.String("audio/pcm"),
		Metadata: map[string]string{
			"session-id": chunk.SessionID,
			"timestamp":  strconv.FormatInt(chunk.Timestamp.UnixMilli(), 10),
		},
	})
	if err != nil {
		return fmt.Errorf("upload %s to S3: %w", key, err)
	}
	return nil
}

// Name identifies the sink in logs
func (s *S3Sink) Name() string {
	return "s3://" + s.bucket
}
