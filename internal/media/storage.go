// Package media stores uploaded attachments and measures their billable length.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidName = errors.New("media: invalid file name")

// Storage keeps attachments for the lifetime of a service record.
type Storage interface {
	Save(ctx context.Context, ext string, r io.Reader) (string, error)
	Open(name string) (io.ReadSeekCloser, error)
	Remove(name string) error
}

// DiskStorage stores files under a single directory with uuid names.
type DiskStorage struct {
	dir string
}

func NewDiskStorage(dir string) (*DiskStorage, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating media dir: %w", err)
	}
	return &DiskStorage{dir: dir}, nil
}

// Save writes r to a new file and returns its base name.
func (s *DiskStorage) Save(ctx context.Context, ext string, r io.Reader) (string, error) {
	name := uuid.NewString()
	if ext != "" {
		name += "." + strings.TrimPrefix(ext, ".")
	}

	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("creating media file: %w", err)
	}

	if _, err := io.Copy(f, &ctxReader{ctx: ctx, r: r}); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing media file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing media file: %w", err)
	}
	return name, nil
}

func (s *DiskStorage) Open(name string) (io.ReadSeekCloser, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

func (s *DiskStorage) Remove(name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *DiskStorage) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrInvalidName
	}
	return filepath.Join(s.dir, name), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
