// Package storage serves uploaded analyzer files: the script and the
// optional requirements.txt, stored under <analyzer_id>/.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bryanwahyu/analyzer-engine/internal/config"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/analyzers"
	"github.com/bryanwahyu/analyzer-engine/internal/logging"
)

var logger = logging.For("storage")

const (
	ScriptFile       = "script.py"
	RequirementsFile = "requirements.txt"
	prefix           = "analyzers"
)

// MinioStore reads analyzer artifacts from an S3 compatible bucket.
type MinioStore struct {
	client     *minio.Client
	bucketName string
}

// NewMinio buat koneksi MinIO dan pastikan bucket ada
func NewMinio(ctx context.Context, cfg config.Minio) (*MinioStore, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.BucketName, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.BucketName, err)
		}
		logger.WithField("bucket", cfg.BucketName).Info("bucket created")
	}

	return &MinioStore{client: cli, bucketName: cfg.BucketName}, nil
}

// ObjectKey is the object holding file of analyzer id.
func ObjectKey(id analyzers.ID, file string) string {
	return path.Join(prefix, strconv.FormatInt(int64(id), 10), file)
}

func (s *MinioStore) Script(ctx context.Context, id analyzers.ID) ([]byte, error) {
	return s.get(ctx, ObjectKey(id, ScriptFile))
}

func (s *MinioStore) Requirements(ctx context.Context, id analyzers.ID) ([]byte, error) {
	return s.get(ctx, ObjectKey(id, RequirementsFile))
}

// Put uploads an artifact; used by seeding tools and tests.
func (s *MinioStore) Put(ctx context.Context, id analyzers.ID, file string, r io.Reader, size int64) error {
	contentType := "application/octet-stream"
	switch path.Ext(file) {
	case ".py":
		contentType = "text/x-python"
	case ".txt":
		contentType = "text/plain"
	}
	_, err := s.client.PutObject(ctx, s.bucketName, ObjectKey(id, file), r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", file, err)
	}
	return nil
}

func (s *MinioStore) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinioErr(key, err)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key surfaces on the first read
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapMinioErr(key, err)
	}
	return data, nil
}

func mapMinioErr(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", key, analyzers.ErrArtifactNotFound)
	}
	return fmt.Errorf("read %s: %w", key, err)
}

// Ping checks that the bucket is reachable.
func (s *MinioStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucketName)
	return err
}
