// Package storage holds the object-storage collaborators: an S3-compatible
// client backed by minio-go and a filesystem backend for local runs and tests.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrNotFound = errors.New("object not found")

type Backend string

const (
	BackendMinio Backend = "minio"
	BackendLocal Backend = "local"
)

type ObjectInfo struct {
	Key          string
	ContentType  string
	Size         int64
	ETag         string
	VersionID    string
	LastModified time.Time
}

// Ack is returned once the backend has durably accepted a write.
type Ack struct {
	Key          string
	Size         int64
	ETag         string
	VersionID    string
	LastModified time.Time
}

// Token identifies this particular write of the key.
func (a Ack) Token() string {
	if a.VersionID != "" {
		return a.VersionID
	}
	return a.ETag
}

type PutOptions struct {
	ContentType string
	// PartSize bounds the multipart chunk when size is unknown. Zero lets the
	// backend choose.
	PartSize uint64
}

// ObjectStore is the surface shared by both backends.
type ObjectStore interface {
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Exists(ctx context.Context, key string) (bool, error)
	ContentType(ctx context.Context, key string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) (Ack, error)
	Delete(ctx context.Context, key string) error
}

type Config struct {
	Backend   Backend
	Endpoint  string
	Access    string
	Secret    string
	Bucket    string
	Region    string
	UseSSL    bool
	LocalPath string
}

// New builds the configured backend.
func New(cfg Config) (ObjectStore, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(string(cfg.Backend)))) {
	case BackendLocal:
		return NewLocalDir(cfg.LocalPath)
	case BackendMinio, "":
		return NewClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("object key is required")
	}
	return nil
}
