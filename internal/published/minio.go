package published

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// MinioSource reads published copies from objects in an S3-compatible bucket.
type MinioSource struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinioSource(cfg MinioConfig) (*MinioSource, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       "us-east-1",
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioSource{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (m *MinioSource) objectName(clean string) string {
	if m.prefix == "" {
		return clean
	}
	return m.prefix + "/" + clean
}

func (m *MinioSource) Published(ctx context.Context, filePath string) (string, bool, error) {
	clean, err := CleanPath(filePath)
	if err != nil {
		return "", false, nil
	}
	name := m.objectName(clean)

	object, err := m.client.GetObject(ctx, m.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return "", false, fmt.Errorf("get object %s: %w", name, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read object %s: %w", name, err)
	}
	return string(data), true, nil
}
