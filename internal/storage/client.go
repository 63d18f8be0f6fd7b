package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Client struct {
	minio  *minio.Client
	bucket string
	region string
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Client{
		minio:  mc,
		bucket: cfg.Bucket,
		region: cfg.Region,
	}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: c.region}); err != nil {
		exists, checkErr := c.minio.BucketExists(ctx, c.bucket)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}

	return nil
}

func (c *Client) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	if err := validKey(key); err != nil {
		return ObjectInfo{}, err
	}
	info, err := c.minio.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, c.mapErr("stat", key, err)
	}
	return objectInfo(info), nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.Stat(ctx, key)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func (c *Client) ContentType(ctx context.Context, key string) (string, error) {
	info, err := c.Stat(ctx, key)
	if err != nil {
		return "", err
	}
	return info.ContentType, nil
}

// Open streams the object body. The caller closes the reader.
func (c *Client) Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	if err := validKey(key); err != nil {
		return nil, ObjectInfo{}, err
	}
	obj, err := c.minio.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, c.mapErr("get", key, err)
	}

	// GetObject is lazy; Stat surfaces a missing key before the body is read.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, ObjectInfo{}, c.mapErr("get", key, err)
	}
	return obj, objectInfo(info), nil
}

func (c *Client) OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	if offset < 0 || length <= 0 {
		return nil, fmt.Errorf("invalid range offset=%d length=%d", offset, length)
	}

	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, fmt.Errorf("set range: %w", err)
	}
	obj, err := c.minio.GetObject(ctx, c.bucket, key, opts)
	if err != nil {
		return nil, c.mapErr("get range", key, err)
	}
	return obj, nil
}

// Put uploads r. A negative size streams with multipart upload in PartSize
// chunks; a known size goes up in a single request when it fits.
func (c *Client) Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) (Ack, error) {
	if err := validKey(key); err != nil {
		return Ack{}, err
	}

	info, err := c.minio.PutObject(ctx, c.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: opts.ContentType,
		PartSize:    opts.PartSize,
	})
	if err != nil {
		return Ack{}, fmt.Errorf("put object %s: %w", key, err)
	}

	return Ack{
		Key:          key,
		Size:         info.Size,
		ETag:         info.ETag,
		VersionID:    info.VersionID,
		LastModified: info.LastModified,
	}, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.minio.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func (c *Client) mapErr(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject" {
		return fmt.Errorf("%s object %s: %w", op, key, ErrNotFound)
	}
	return fmt.Errorf("%s object %s: %w", op, key, err)
}

func objectInfo(info minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:          info.Key,
		ContentType:  info.ContentType,
		Size:         info.Size,
		ETag:         info.ETag,
		VersionID:    info.VersionID,
		LastModified: info.LastModified,
	}
}
