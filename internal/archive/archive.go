// Package archive uploads published snapshots and exported reports to
// S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"cellucid/annotation/internal/annotation"
)

var ErrNotFound = errors.New("archive: object not found")

type Category string

const (
	CategorySnapshot Category = "snapshots"
	CategoryReport   Category = "reports"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"lastModified"`
}

type Store struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

// New connects to the endpoint and creates the bucket when it is missing.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("archive endpoint is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("archive bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		log.Info("created archive bucket", zap.String("bucket", cfg.Bucket))
	}

	return &Store{client: client, bucket: cfg.Bucket, log: log.Named("archive")}, nil
}

// SnapshotKey names a published snapshot object. Revisions are zero padded so
// listings sort chronologically.
func SnapshotKey(dataset string, revision uint64, fingerprint string) string {
	short := fingerprint
	if len(short) > 12 {
		short = short[:12]
	}
	return path.Join(string(CategorySnapshot), dataset, fmt.Sprintf("rev-%012d-%s.json", revision, short))
}

func ReportKey(dataset, field, ext string, at time.Time) string {
	return path.Join(string(CategoryReport), dataset, field, at.UTC().Format("20060102T150405Z")+"."+ext)
}

func prefix(category Category, dataset string) string {
	return string(category) + "/" + dataset + "/"
}

// PutSnapshot uploads snap as JSON.
func (s *Store) PutSnapshot(ctx context.Context, dataset string, snap annotation.Snapshot) (Object, error) {
	fingerprint, err := snap.Fingerprint()
	if err != nil {
		return Object{}, err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return Object{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.Put(ctx, SnapshotKey(dataset, snap.Revision, fingerprint), "application/json", payload)
}

func (s *Store) PutReport(ctx context.Context, dataset, field, ext, contentType string, data []byte) (Object, error) {
	return s.Put(ctx, ReportKey(dataset, field, ext, time.Now()), contentType, data)
}

func (s *Store) Put(ctx context.Context, key, contentType string, data []byte) (Object, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Object{}, fmt.Errorf("put object %s: %w", key, err)
	}
	s.log.Debug("uploaded object", zap.String("key", key), zap.Int64("size", info.Size))
	return Object{
		Key:          key,
		Size:         info.Size,
		ContentType:  contentType,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translate(key, err)
	}
	return data, nil
}

// List returns the objects of one category for a dataset, in key order.
func (s *Store) List(ctx context.Context, category Category, dataset string) ([]Object, error) {
	var out []Object
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix(category, dataset),
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list %s: %w", category, info.Err)
		}
		out = append(out, Object{
			Key:          info.Key,
			Size:         info.Size,
			ContentType:  info.ContentType,
			ETag:         info.ETag,
			LastModified: info.LastModified,
		})
	}
	return out, nil
}

func translate(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return fmt.Errorf("get object %s: %w", key, err)
}
