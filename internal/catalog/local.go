package catalog

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// LocalBucket keeps videos as files in one directory.
type LocalBucket struct {
	root string
}

func NewLocalBucket(root string) (*LocalBucket, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalBucket{root: root}, nil
}

func (b *LocalBucket) Put(ctx context.Context, name string, r io.Reader, _ int64) error {
	if err := validName(name); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(b.root, ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, readerWithContext(ctx, r)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(b.root, name))
}

// List returns the newest names first.
func (b *LocalBucket) List(ctx context.Context, limit int) ([]Object, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, err
	}
	out := []Object{}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.Type().IsRegular() || e.Name()[0] == '.' {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Object{Name: e.Name(), Size: info.Size(), UpdatedAt: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *LocalBucket) Remove(_ context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(b.root, name))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrObjectNotFound
	}
	return err
}

func (b *LocalBucket) Stat(_ context.Context, name string) (Object, error) {
	if err := validName(name); err != nil {
		return Object{}, err
	}
	info, err := os.Stat(filepath.Join(b.root, name))
	if errors.Is(err, fs.ErrNotExist) {
		return Object{}, ErrObjectNotFound
	}
	if err != nil {
		return Object{}, err
	}
	return Object{Name: name, Size: info.Size(), UpdatedAt: info.ModTime()}, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
