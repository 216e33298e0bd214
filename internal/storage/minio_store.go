// internal/storage/minio_store.go
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrDisabled: MINIO_ACCESS_KEY / MINIO_SECRET_KEY não configurados.
var ErrDisabled = errors.New("snapshot store disabled")

// ImageStore guarda snapshots de alertas e devolve a URL pública.
type ImageStore interface {
	SaveSnapshot(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

type MinioStore struct {
	client  *minio.Client
	bucket  string
	baseURL *url.URL
	useSSL  bool
}

func NewMinioStoreFromEnv() (*MinioStore, error) {
	endpoint := getenv("MINIO_ENDPOINT", "localhost:9000")
	accessKey := os.Getenv("MINIO_ACCESS_KEY")
	secretKey := os.Getenv("MINIO_SECRET_KEY")
	bucket := getenv("MINIO_BUCKET", "cam-console-snapshots")
	useSSL := getenv("MINIO_USE_SSL", "false") == "true"
	base := getenv("MINIO_PUBLIC_BASE_URL", "")

	if accessKey == "" || secretKey == "" {
		return nil, ErrDisabled
	}

	s, err := newMinioStore(endpoint, accessKey, secretKey, bucket, base, useSSL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Cria bucket se não existir
	err = s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
	if err != nil {
		exists, errBucketExists := s.client.BucketExists(ctx, bucket)
		if errBucketExists != nil || !exists {
			return nil, fmt.Errorf("erro criando/verificando bucket %s: %w", bucket, err)
		}
	}

	log.Printf("[minio] conectado ao endpoint %s, bucket=%s", endpoint, bucket)
	return s, nil
}

func newMinioStore(endpoint, accessKey, secretKey, bucket, base string, useSSL bool) (*MinioStore, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("erro criando cliente MinIO: %w", err)
	}

	var u *url.URL
	if base != "" {
		u, err = url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("MINIO_PUBLIC_BASE_URL inválida: %w", err)
		}
	}

	return &MinioStore{
		client:  cli,
		bucket:  bucket,
		baseURL: u,
		useSSL:  useSSL,
	}, nil
}

func (s *MinioStore) SaveSnapshot(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	_, err := s.client.PutObject(
		ctx,
		s.bucket,
		key,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType: contentType,
		},
	)
	if err != nil {
		return "", fmt.Errorf("erro ao enviar objeto pro MinIO: %w", err)
	}

	return s.objectURL(key), nil
}

// objectURL usa MINIO_PUBLIC_BASE_URL quando configurada; senão a URL do
// endpoint S3 (path-style).
func (s *MinioStore) objectURL(key string) string {
	if s.baseURL != nil {
		u := *s.baseURL
		u.Path = path.Join("/", u.Path, key)
		return u.String()
	}

	scheme := "http"
	if s.useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.client.EndpointURL().Host, s.bucket, key)
}

// SnapshotKey monta a chave do objeto de um alerta:
// alerts/<yyyy>/<mm>/<dd>/<source>/<id>.<ext>
func SnapshotKey(source, id string, at time.Time, contentType string) string {
	source = strings.TrimSpace(source)
	if source == "" {
		source = "unknown"
	}
	ext := "jpg"
	switch {
	case strings.HasPrefix(contentType, "image/png"):
		ext = "png"
	case strings.HasPrefix(contentType, "image/gif"):
		ext = "gif"
	}
	at = at.UTC()
	return fmt.Sprintf("alerts/%04d/%02d/%02d/%s/%s.%s", at.Year(), at.Month(), at.Day(), source, id, ext)
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
