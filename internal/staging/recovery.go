package staging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"commonplace/api/internal/store"
)

// Snapshot is the recovery artifact: the full pending set at shutdown time.
// It is written once during the shutdown sequence and read once at the next
// startup, so no locking is needed around the artifact itself.
type Snapshot struct {
	SavedAt       time.Time            `json:"savedAt"`
	Entries       []store.Entry        `json:"entries"`
	Conversations []store.Conversation `json:"conversations"`
}

// ArtifactStore persists the recovery snapshot.
type ArtifactStore interface {
	// Load returns (nil, nil) when no artifact exists.
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Clear(ctx context.Context) error
}

// FileArtifact keeps the snapshot in a single local file, written with the
// tmp-then-rename dance so a torn write never leaves a corrupt artifact.
type FileArtifact struct {
	path string
}

func NewFileArtifact(path string) *FileArtifact {
	return &FileArtifact{path: path}
}

func (f *FileArtifact) Load(ctx context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read recovery artifact: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode recovery artifact: %w", err)
	}
	return &snap, nil
}

func (f *FileArtifact) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode recovery artifact: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create recovery dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write recovery artifact: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("rename recovery artifact: %w", err)
	}
	return nil
}

func (f *FileArtifact) Clear(ctx context.Context) error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove recovery artifact: %w", err)
	}
	return nil
}

// ObjectArtifact keeps the snapshot in S3-compatible object storage, for
// deployments whose local disk does not survive a restart.
type ObjectArtifact struct {
	client *minio.Client
	bucket string
	object string
}

func NewObjectArtifact(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*ObjectArtifact, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object storage: %w", err)
	}
	return &ObjectArtifact{
		client: client,
		bucket: bucket,
		object: "recovery/pending.json",
	}, nil
}

func (o *ObjectArtifact) Load(ctx context.Context) (*Snapshot, error) {
	obj, err := o.client.GetObject(ctx, o.bucket, o.object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get recovery object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("read recovery object: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode recovery object: %w", err)
	}
	return &snap, nil
}

func (o *ObjectArtifact) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode recovery object: %w", err)
	}
	exists, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return fmt.Errorf("check recovery bucket: %w", err)
	}
	if !exists {
		if err := o.client.MakeBucket(ctx, o.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create recovery bucket: %w", err)
		}
	}
	_, err = o.client.PutObject(ctx, o.bucket, o.object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put recovery object: %w", err)
	}
	return nil
}

func (o *ObjectArtifact) Clear(ctx context.Context) error {
	if err := o.client.RemoveObject(ctx, o.bucket, o.object, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove recovery object: %w", err)
	}
	return nil
}

// ArtifactConfig selects the artifact backend: object storage when Endpoint
// is set, the local file otherwise.
type ArtifactConfig struct {
	Path      string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewArtifactStore(cfg ArtifactConfig) (ArtifactStore, error) {
	if cfg.Endpoint != "" {
		return NewObjectArtifact(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Bucket, cfg.UseSSL)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("recovery artifact path not configured")
	}
	return NewFileArtifact(cfg.Path), nil
}
