package storage

import (
	"bytes"
	"context"

	"emperror.dev/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOConfig configures a MinIOStore
type MinIOConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Region        string
	UseSSL        bool
	PublicBaseURL string
}

// MinIOStore stores archives in a MinIO bucket
type MinIOStore struct {
	client *minio.Client
	cfg    MinIOConfig
	logger *zap.Logger
}

// NewMinIOStore creates a MinIO client and ensures the bucket exists
func NewMinIOStore(ctx context.Context, cfg MinIOConfig, logger *zap.Logger) (*MinIOStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("minio bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.WrapWithDetails(err, "failed to create minio client", "endpoint", cfg.Endpoint)
	}

	store := &MinIOStore{client: client, cfg: cfg, logger: logger}
	if err := store.ensureBucketExists(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MinIOStore) ensureBucketExists(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return errors.WrapWithDetails(err, "failed to check bucket", "bucket", s.cfg.Bucket)
	}
	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return errors.WrapWithDetails(err, "failed to create bucket", "bucket", s.cfg.Bucket)
	}
	s.logger.Info("created bucket", zap.String("bucket", s.cfg.Bucket))
	return nil
}

// Upload puts the archive, overwriting any previous object with the same key
func (s *MinIOStore) Upload(ctx context.Context, ownerID, filename string, blob []byte) (string, error) {
	if err := validateObject(ownerID, filename); err != nil {
		return "", err
	}
	key := ObjectKey(ownerID, filename)

	info, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(blob), int64(len(blob)), minio.PutObjectOptions{
		ContentType: ArchiveContentType,
	})
	if err != nil {
		return "", errors.WrapWithDetails(err, "failed to upload archive", "bucket", s.cfg.Bucket, "key", key)
	}

	s.logger.Info("archive uploaded",
		zap.String("bucket", s.cfg.Bucket),
		zap.String("key", key),
		zap.Int64("bytes", info.Size),
	)
	return key, nil
}

// PublicURL builds the object's URL on the MinIO endpoint, or under PublicBaseURL when set
func (s *MinIOStore) PublicURL(ctx context.Context, ownerID, filename string) (string, error) {
	if err := validateObject(ownerID, filename); err != nil {
		return "", err
	}
	key := ObjectKey(ownerID, filename)

	if s.cfg.PublicBaseURL != "" {
		return joinURL(s.cfg.PublicBaseURL, key)
	}
	return joinURL(s.client.EndpointURL().String(), s.cfg.Bucket+"/"+key)
}
