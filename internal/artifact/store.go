// Package artifact stores trained checkpoints and training history in a
// local models directory, optionally mirrored to S3.
package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/samber/mo"
	"go.uber.org/zap"
)

type mirror struct {
	blob   Blob
	bucket string
	prefix string
}

// Store reads and writes named artifacts. Writes land on disk first and are
// then uploaded to the mirror, if any. Reads prefer the local copy and fall
// back to the mirror, caching what they download.
type Store struct {
	dir    string
	mirror mo.Option[mirror]
	logger *zap.Logger
}

// NewStore keeps artifacts under dir only.
func NewStore(dir string, logger *zap.Logger) Store {
	return Store{dir: dir, mirror: mo.None[mirror](), logger: logger}
}

// FromArgs builds a store for dir, mirrored to S3 when a bucket is configured.
func FromArgs(dir string, args S3Args, logger *zap.Logger) Store {
	s := NewStore(dir, logger)
	if args.Bucket == "" {
		return s
	}
	return s.WithMirror(NewS3Client(args), args.Bucket, args.Prefix)
}

// WithMirror returns a copy of the store that also mirrors to blob.
func (s Store) WithMirror(blob Blob, bucket, prefix string) Store {
	s.mirror = mo.Some(mirror{blob: blob, bucket: bucket, prefix: prefix})
	return s
}

func (s Store) Dir() string {
	return s.dir
}

// Path is the local path of the named artifact.
func (s Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Location describes where the artifact is kept, for logs.
func (s Store) Location(name string) string {
	if m, ok := s.mirror.Get(); ok {
		return fmt.Sprintf("s3://%s/%s", m.bucket, path.Join(m.prefix, name))
	}
	return s.Path(name)
}

// Write atomically replaces the named artifact.
func (s Store) Write(name string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.Path(name)); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", name, err)
	}

	if m, ok := s.mirror.Get(); ok {
		key := path.Join(m.prefix, name)
		if err := m.blob.Upload(bytes.NewReader(data), key, m.bucket); err != nil {
			return fmt.Errorf("failed to upload %s to s3://%s/%s: %w", name, m.bucket, key, err)
		}
		s.logger.Debug("mirrored artifact", zap.String("name", name), zap.String("bucket", m.bucket), zap.String("key", key))
	}
	return nil
}

// Read returns the named artifact.
func (s Store) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(name))
	if err == nil {
		return data, nil
	}
	m, ok := s.mirror.Get()
	if !ok || !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	key := path.Join(m.prefix, name)
	s.logger.Info("fetching artifact from mirror", zap.String("name", name), zap.String("bucket", m.bucket), zap.String("key", key))
	data, err = m.blob.Download(key, m.bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to download s3://%s/%s: %w", m.bucket, key, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err == nil {
		if err := os.WriteFile(s.Path(name), data, 0o644); err != nil {
			s.logger.Warn("failed to cache artifact locally", zap.String("name", name), zap.Error(err))
		}
	}
	return data, nil
}

// Fetch makes sure the named artifact exists on local disk and returns its
// path. Runtimes that only open files by path use this.
func (s Store) Fetch(name string) (string, error) {
	p := s.Path(name)
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	data, err := s.Read(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		if err := os.WriteFile(p, data, 0o644); err != nil {
			return "", fmt.Errorf("failed to cache %s: %w", name, err)
		}
	}
	return p, nil
}
