package sourcestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/config"
)

// MinIOConfig holds S3-compatible object storage settings.
type MinIOConfig struct {
	Endpoint  string        `koanf:"endpoint"`
	AccessKey string        `koanf:"access_key"`
	SecretKey config.Secret `koanf:"secret_key"`
	UseSSL    bool          `koanf:"use_ssl"`
	Bucket    string        `koanf:"bucket"`
}

// MinIOStore stores sources as objects in one bucket.
type MinIOStore struct {
	mc     *minio.Client
	bucket string
	logger *zap.Logger
}

// NewMinIOStore connects and creates the bucket if it doesn't exist.
func NewMinIOStore(ctx context.Context, cfg MinIOConfig, logger *zap.Logger) (*MinIOStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "corpusd"
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey.Value(), ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("bucket created", zap.String("bucket", cfg.Bucket))
	}

	return &MinIOStore{mc: mc, bucket: cfg.Bucket, logger: logger}, nil
}

func (s *MinIOStore) put(ctx context.Context, key string, data []byte) error {
	_, err := s.mc.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		return fmt.Errorf("upload %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *MinIOStore) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.mc.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapErr(key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.mapErr(key, err)
	}
	return data, nil
}

func (s *MinIOStore) mapErr(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("get %s/%s: %w", s.bucket, key, err)
}

// WriteSource uploads the source object.
func (s *MinIOStore) WriteSource(ctx context.Context, corpusID, text string) (string, error) {
	if err := validateID("corpus id", corpusID); err != nil {
		return "", err
	}
	key := SourceKey(corpusID)
	if err := s.put(ctx, key, []byte(text)); err != nil {
		return "", err
	}
	s.logger.Debug("source uploaded", zap.String("key", key), zap.Int("bytes", len(text)))
	return key, nil
}

// ReadSource downloads the source object.
func (s *MinIOStore) ReadSource(ctx context.Context, key string) (string, error) {
	data, err := s.get(ctx, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// AppendAttemptLog rewrites the log object with the new line appended.
// Object storage has no append; callers hold the attempt lock, so writes to
// one log never interleave.
func (s *MinIOStore) AppendAttemptLog(ctx context.Context, corpusID, attemptID, line string) error {
	if err := validateID("corpus id", corpusID); err != nil {
		return err
	}
	if err := validateID("attempt id", attemptID); err != nil {
		return err
	}
	key := LogKey(corpusID, attemptID)

	existing, err := s.get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.put(ctx, key, append(existing, formatLogLine(line)...))
}

// ReadAttemptLog downloads the log object.
func (s *MinIOStore) ReadAttemptLog(ctx context.Context, corpusID, attemptID string) ([]string, error) {
	data, err := s.get(ctx, LogKey(corpusID, attemptID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return []string{}, nil
		}
		return nil, err
	}
	return splitLog(string(data)), nil
}

// DeleteCorpus removes every object under the corpus prefix.
func (s *MinIOStore) DeleteCorpus(ctx context.Context, corpusID string) error {
	if err := validateID("corpus id", corpusID); err != nil {
		return err
	}

	opts := minio.ListObjectsOptions{Prefix: corpusPrefix(corpusID) + "/", Recursive: true}
	for obj := range s.mc.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return fmt.Errorf("list %s: %w", s.bucket, obj.Err)
		}
		if err := s.mc.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("delete %s/%s: %w", s.bucket, obj.Key, err)
		}
	}
	return nil
}

var _ Store = (*MinIOStore)(nil)
