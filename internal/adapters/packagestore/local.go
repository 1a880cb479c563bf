package packagestore

import (
	"bytes"
	"context"
	"path/filepath"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
)

// LocalBackend keeps archives on any afs-addressable location, the local
// filesystem by default.
type LocalBackend struct {
	fs   afs.Service
	root string
}

func NewLocalBackend(fsys afs.Service, root string) *LocalBackend {
	return &LocalBackend{fs: fsys, root: root}
}

func (b *LocalBackend) Upload(ctx context.Context, key string, data []byte) error {
	location := filepath.Join(b.root, filepath.FromSlash(key))
	if err := ensureDir(ctx, b.fs, filepath.Dir(location)); err != nil {
		return err
	}
	return b.fs.Upload(ctx, location, file.DefaultFileOsMode, bytes.NewReader(data))
}

func (b *LocalBackend) Download(ctx context.Context, key string) ([]byte, error) {
	return b.fs.DownloadWithURL(ctx, filepath.Join(b.root, filepath.FromSlash(key)))
}
