package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const metaDir = ".meta"

type localMeta struct {
	ContentType  string    `json:"content_type"`
	ETag         string    `json:"etag"`
	VersionID    string    `json:"version_id"`
	LastModified time.Time `json:"last_modified"`
}

// Local keeps objects as files on an afero filesystem. Object metadata lives
// beside the data under .meta/. Every put gets a fresh version id.
type Local struct {
	fs  afero.Fs
	now func() time.Time
	mu  sync.Mutex
}

func NewLocal(fs afero.Fs) *Local {
	return &Local{fs: fs, now: time.Now}
}

// NewLocalDir roots a Local backend at dir on the OS filesystem.
func NewLocalDir(dir string) (*Local, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "./storage"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return NewLocal(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

func (l *Local) Stat(_ context.Context, key string) (ObjectInfo, error) {
	p, err := cleanKey(key)
	if err != nil {
		return ObjectInfo{}, err
	}

	fi, err := l.fs.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return ObjectInfo{}, fmt.Errorf("stat object %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat object %s: %w", key, err)
	}
	if fi.IsDir() {
		return ObjectInfo{}, fmt.Errorf("stat object %s: %w", key, ErrNotFound)
	}

	meta, err := l.readMeta(p)
	if err != nil {
		return ObjectInfo{}, err
	}
	modified := meta.LastModified
	if modified.IsZero() {
		modified = fi.ModTime()
	}
	return ObjectInfo{
		Key:          key,
		ContentType:  meta.ContentType,
		Size:         fi.Size(),
		ETag:         meta.ETag,
		VersionID:    meta.VersionID,
		LastModified: modified,
	}, nil
}

func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	_, err := l.Stat(ctx, key)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func (l *Local) ContentType(ctx context.Context, key string) (string, error) {
	info, err := l.Stat(ctx, key)
	if err != nil {
		return "", err
	}
	return info.ContentType, nil
}

func (l *Local) Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	info, err := l.Stat(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	p, _ := cleanKey(key)
	f, err := l.fs.Open(p)
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("open object %s: %w", key, err)
	}
	return f, info, nil
}

func (l *Local) OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 || length <= 0 {
		return nil, fmt.Errorf("invalid range offset=%d length=%d", offset, length)
	}
	rc, _, err := l.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	f := rc.(afero.File)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seek object %s: %w", key, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(f, length), f}, nil
}

// Put writes to a staging file and renames it into place so readers never
// observe a partial object.
func (l *Local) Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) (Ack, error) {
	p, err := cleanKey(key)
	if err != nil {
		return Ack{}, err
	}
	if err := l.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return Ack{}, fmt.Errorf("put object %s: %w", key, err)
	}

	staging := p + ".part-" + uuid.NewString()
	f, err := l.fs.Create(staging)
	if err != nil {
		return Ack{}, fmt.Errorf("put object %s: %w", key, err)
	}

	hash := md5.New()
	written, err := io.Copy(io.MultiWriter(f, hash), contextReader{ctx: ctx, r: r})
	if err == nil && size >= 0 && written != size {
		err = fmt.Errorf("short write: got %d bytes, want %d", written, size)
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = l.fs.Remove(staging)
		return Ack{}, fmt.Errorf("put object %s: %w", key, err)
	}

	meta := localMeta{
		ContentType:  opts.ContentType,
		ETag:         hex.EncodeToString(hash.Sum(nil)),
		VersionID:    uuid.NewString(),
		LastModified: l.now().UTC(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fs.Rename(staging, p); err != nil {
		_ = l.fs.Remove(staging)
		return Ack{}, fmt.Errorf("put object %s: %w", key, err)
	}
	if err := l.writeMeta(p, meta); err != nil {
		return Ack{}, err
	}

	return Ack{
		Key:          key,
		Size:         written,
		ETag:         meta.ETag,
		VersionID:    meta.VersionID,
		LastModified: meta.LastModified,
	}, nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	p, err := cleanKey(key)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	if err := l.fs.Remove(metaPath(p)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove object metadata %s: %w", key, err)
	}
	return nil
}

func (l *Local) readMeta(p string) (localMeta, error) {
	var meta localMeta
	data, err := afero.ReadFile(l.fs, metaPath(p))
	if errors.Is(err, os.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return meta, fmt.Errorf("read object metadata %s: %w", p, err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode object metadata %s: %w", p, err)
	}
	return meta, nil
}

func (l *Local) writeMeta(p string, meta localMeta) error {
	mp := metaPath(p)
	if err := l.fs.MkdirAll(path.Dir(mp), 0o755); err != nil {
		return fmt.Errorf("write object metadata %s: %w", p, err)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode object metadata %s: %w", p, err)
	}
	if err := afero.WriteFile(l.fs, mp, data, 0o644); err != nil {
		return fmt.Errorf("write object metadata %s: %w", p, err)
	}
	return nil
}

func metaPath(p string) string {
	return path.Join(metaDir, p+".json")
}

func cleanKey(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	p := path.Clean("/" + key)[1:]
	if p == "" || p == metaDir || strings.HasPrefix(p, metaDir+"/") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return p, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
