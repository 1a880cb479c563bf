// Package packagestore is the Package Store: raw archives on an archive
// backend, unpacked code units on the local filesystem through afs.
package packagestore

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"cloudfunctions/internal/core/functions"

	"github.com/rs/zerolog"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
)

// DefaultMaxExtractBytes caps the total uncompressed size of one archive.
const DefaultMaxExtractBytes int64 = 1 << 30

// Backend persists raw archives under store-relative keys.
type Backend interface {
	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
}

// Store implements functions.PackageStore.
type Store struct {
	fs              afs.Service
	root            string
	archives        Backend
	maxExtractBytes int64
	lg              zerolog.Logger
}

// New creates a store rooted at root. A nil backend keeps archives under root as well.
func New(root string, archives Backend, lg zerolog.Logger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	fsys := afs.New()
	if archives == nil {
		archives = NewLocalBackend(fsys, abs)
	}
	s := &Store{
		fs:              fsys,
		root:            abs,
		archives:        archives,
		maxExtractBytes: DefaultMaxExtractBytes,
		lg:              lg.With().Str("adapter", "packagestore").Logger(),
	}
	if err := ensureDir(context.Background(), fsys, abs); err != nil {
		return nil, fmt.Errorf("%w: create storage root: %w", functions.ErrStorageWrite, err)
	}
	return s, nil
}

// Root is the absolute directory unpacked units live under.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) Write(ctx context.Context, p string, data []byte) error {
	if err := s.archives.Upload(ctx, p, data); err != nil {
		return fmt.Errorf("%w: %s: %w", functions.ErrStorageWrite, p, err)
	}
	s.lg.Debug().Str("path", p).Int("bytes", len(data)).Msg("archive stored")
	return nil
}

func (s *Store) Extract(ctx context.Context, archivePath, targetPath string) (string, error) {
	data, err := s.archives.Download(ctx, archivePath)
	if err != nil {
		return "", fmt.Errorf("%w: read back %s: %w", functions.ErrStorageWrite, archivePath, err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", functions.ErrCorruptArchive, archivePath, err)
	}

	target := s.resolve(targetPath)
	if exists, _ := s.fs.Exists(ctx, target); exists {
		if err := s.fs.Delete(ctx, target); err != nil {
			return "", fmt.Errorf("%w: clear %s: %w", functions.ErrStorageWrite, target, err)
		}
	}
	if err := ensureDir(ctx, s.fs, target); err != nil {
		return "", fmt.Errorf("%w: create %s: %w", functions.ErrStorageWrite, target, err)
	}

	var total int64
	for _, f := range zr.File {
		name, err := entryName(f.Name)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", functions.ErrCorruptArchive, archivePath, err)
		}
		if name == "" {
			continue
		}
		dest := filepath.Join(target, filepath.FromSlash(name))
		if f.FileInfo().IsDir() {
			if err := ensureDir(ctx, s.fs, dest); err != nil {
				return "", fmt.Errorf("%w: create %s: %w", functions.ErrStorageWrite, dest, err)
			}
			continue
		}

		total += int64(f.UncompressedSize64)
		if total > s.maxExtractBytes {
			return "", fmt.Errorf("%w: %s: uncompressed size exceeds %d bytes", functions.ErrCorruptArchive, archivePath, s.maxExtractBytes)
		}
		content, err := readEntry(f, s.maxExtractBytes)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %s: %w", functions.ErrCorruptArchive, archivePath, f.Name, err)
		}

		mode := f.Mode().Perm()
		if mode == 0 {
			mode = file.DefaultFileOsMode
		}
		if err := ensureDir(ctx, s.fs, filepath.Dir(dest)); err != nil {
			return "", fmt.Errorf("%w: create %s: %w", functions.ErrStorageWrite, filepath.Dir(dest), err)
		}
		if err := s.fs.Upload(ctx, dest, mode, bytes.NewReader(content)); err != nil {
			return "", fmt.Errorf("%w: write %s: %w", functions.ErrStorageWrite, dest, err)
		}
	}

	s.lg.Debug().Str("archive", archivePath).Str("target", target).Int("entries", len(zr.File)).Msg("archive extracted")
	return target, nil
}

func (s *Store) Read(ctx context.Context, p string) ([]byte, error) {
	location := s.resolve(p)
	exists, err := s.fs.Exists(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", location, err)
	}
	if !exists {
		return nil, fmt.Errorf("%s: %w", location, fs.ErrNotExist)
	}
	data, err := s.fs.DownloadWithURL(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", location, err)
	}
	return data, nil
}

func (s *Store) resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(s.root, filepath.FromSlash(p))
}

// entryName cleans a zip entry name and rejects names escaping the target.
func entryName(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("entry %q has an absolute path", name)
	}
	cleaned := path.Clean(name)
	if cleaned == "." {
		return "", nil
	}
	if !filepath.IsLocal(filepath.FromSlash(cleaned)) {
		return "", fmt.Errorf("entry %q escapes the extraction directory", name)
	}
	return cleaned, nil
}

func readEntry(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("entry exceeds %d bytes", limit)
	}
	return data, nil
}

func ensureDir(ctx context.Context, fsys afs.Service, dir string) error {
	exists, err := fsys.Exists(ctx, dir)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return fsys.Create(ctx, dir, file.DefaultDirOsMode, true)
}

var _ functions.PackageStore = (*Store)(nil)
