package storage

import (
	"bytes"
	"context"

	"emperror.dev/errors"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// S3Config configures an S3Store
type S3Config struct {
	Bucket string
	Region string
	// Endpoint overrides the AWS endpoint for S3-compatible services
	Endpoint     string
	UsePathStyle bool
	// PublicBaseURL, when set, is the prefix public URLs are built from (a CDN or public bucket domain)
	PublicBaseURL string
}

// S3Store stores archives in an S3 bucket
type S3Store struct {
	client *s3.Client
	cfg    S3Config
	logger *zap.Logger
}

// NewS3Store creates an S3 archive store using the default AWS credential chain
func NewS3Store(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}
	cfg.Region = awsCfg.Region

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Store{client: client, cfg: cfg, logger: logger}, nil
}

// Upload puts the archive, overwriting any previous object with the same key
func (s *S3Store) Upload(ctx context.Context, ownerID, filename string, blob []byte) (string, error) {
	if err := validateObject(ownerID, filename); err != nil {
		return "", err
	}
	key := ObjectKey(ownerID, filename)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(blob),
		ContentLength: aws.Int64(int64(len(blob))),
		ContentType:   aws.String(ArchiveContentType),
	})
	if err != nil {
		return "", errors.WrapWithDetails(err, "failed to upload archive", "bucket", s.cfg.Bucket, "key", key)
	}

	s.logger.Info("archive uploaded",
		zap.String("bucket", s.cfg.Bucket),
		zap.String("key", key),
		zap.Int("bytes", len(blob)),
	)
	return key, nil
}

// PublicURL builds the object's public URL
func (s *S3Store) PublicURL(ctx context.Context, ownerID, filename string) (string, error) {
	if err := validateObject(ownerID, filename); err != nil {
		return "", err
	}
	return s3PublicURL(s.cfg, ObjectKey(ownerID, filename))
}

func s3PublicURL(cfg S3Config, key string) (string, error) {
	switch {
	case cfg.PublicBaseURL != "":
		return joinURL(cfg.PublicBaseURL, key)
	case cfg.Endpoint != "" && cfg.UsePathStyle:
		return joinURL(cfg.Endpoint, cfg.Bucket+"/"+key)
	case cfg.Endpoint != "":
		return "", errors.NewWithDetails("cannot derive public URL for a custom endpoint without path-style or a public base URL", "endpoint", cfg.Endpoint)
	case cfg.Bucket != "" && cfg.Region != "":
		return joinURL("https://"+cfg.Bucket+".s3."+cfg.Region+".amazonaws.com", key)
	}
	return "", errors.NewWithDetails("no public URL can be resolved", "bucket", cfg.Bucket)
}
