package packagestore

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"cloudfunctions/internal/config"
	"cloudfunctions/internal/core/functions"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newStore(t *testing.T, backend Backend) *Store {
	t.Helper()
	s, err := New(t.TempDir(), backend, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestStore_WriteExtractRead(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	archive := zipOf(t, map[string]string{
		"hello.py":      "def run():\n    return 'hi'\n",
		"lib/util.py":   "X = 1\n",
		"function.yaml": "entrypoint: hello.py\n",
	})
	require.NoError(t, s.Write(ctx, "archives/greet.zip", archive))

	stored, err := os.ReadFile(filepath.Join(s.Root(), "archives", "greet.zip"))
	require.NoError(t, err)
	assert.Equal(t, archive, stored)

	dir, err := s.Extract(ctx, "archives/greet.zip", "functions/greet")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "functions", "greet"), dir)
	assert.True(t, filepath.IsAbs(dir))

	data, err := s.Read(ctx, filepath.Join(dir, "hello.py"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "def run")

	data, err = s.Read(ctx, "functions/greet/lib/util.py")
	require.NoError(t, err)
	assert.Equal(t, "X = 1\n", string(data))
}

func TestStore_ExtractReplacesPreviousContents(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	require.NoError(t, s.Write(ctx, "archives/greet.zip", zipOf(t, map[string]string{"old.py": "x"})))
	_, err := s.Extract(ctx, "archives/greet.zip", "functions/greet")
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "archives/greet.zip", zipOf(t, map[string]string{"new.py": "y"})))
	dir, err := s.Extract(ctx, "archives/greet.zip", "functions/greet")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "old.py"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "new.py"))
	assert.NoError(t, err)
}

func TestStore_ExtractCorruptArchive(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	require.NoError(t, s.Write(ctx, "archives/broken.zip", []byte("this is not a zip")))
	_, err := s.Extract(ctx, "archives/broken.zip", "functions/broken")
	require.Error(t, err)
	assert.ErrorIs(t, err, functions.ErrCorruptArchive)
}

func TestStore_ExtractRejectsEscapingEntries(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	require.NoError(t, s.Write(ctx, "archives/evil.zip", zipOf(t, map[string]string{"../../escape.py": "x"})))
	_, err := s.Extract(ctx, "archives/evil.zip", "functions/evil")
	require.Error(t, err)
	assert.ErrorIs(t, err, functions.ErrCorruptArchive)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(s.Root()), "escape.py"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestStore_ExtractEnforcesSizeLimit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)
	s.maxExtractBytes = 8

	require.NoError(t, s.Write(ctx, "archives/big.zip", zipOf(t, map[string]string{"big.txt": strings.Repeat("a", 64)})))
	_, err := s.Extract(ctx, "archives/big.zip", "functions/big")
	assert.ErrorIs(t, err, functions.ErrCorruptArchive)
}

func TestStore_ReadMissing(t *testing.T) {
	s := newStore(t, nil)
	_, err := s.Read(context.Background(), "functions/nope/function.yaml")
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

type failingBackend struct{}

func (failingBackend) Upload(context.Context, string, []byte) error {
	return io.ErrClosedPipe
}

func (failingBackend) Download(context.Context, string) ([]byte, error) {
	return nil, io.ErrClosedPipe
}

func TestStore_WriteFailureIsStorageWrite(t *testing.T) {
	s := newStore(t, failingBackend{})
	err := s.Write(context.Background(), "archives/greet.zip", []byte("x"))
	assert.ErrorIs(t, err, functions.ErrStorageWrite)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestEntryName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "hello.py", want: "hello.py"},
		{in: "lib/", want: "lib"},
		{in: "./a/../b.py", want: "b.py"},
		{in: "../x", wantErr: true},
		{in: "/etc/passwd", wantErr: true},
		{in: `..\x`, wantErr: true},
		{in: "./", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := entryName(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// fakeS3 is a minimal path-style object store speaking enough of the S3
// REST API for PutObject and GetObject.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		w.Header().Set("ETag", `"fake"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Backend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	emulator := &fakeS3{objects: map[string][]byte{}}
	srv := httptest.NewServer(emulator)
	defer srv.Close()

	backend, err := NewS3Backend(ctx, config.S3Config{
		Endpoint:  srv.URL,
		Region:    "us-east-1",
		Bucket:    "functions",
		AccessKey: "test",
		SecretKey: "test",
	})
	require.NoError(t, err)

	s := newStore(t, backend)
	archive := zipOf(t, map[string]string{"hello.py": "def run():\n    return 1\n"})
	require.NoError(t, s.Write(ctx, "archives/greet.zip", archive))

	emulator.mu.Lock()
	assert.Equal(t, archive, emulator.objects["/functions/archives/greet.zip"])
	emulator.mu.Unlock()

	dir, err := s.Extract(ctx, "archives/greet.zip", "functions/greet")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "hello.py"))
	assert.NoError(t, err)

	_, err = backend.Download(ctx, "archives/missing.zip")
	assert.Error(t, err)
}

func TestNewS3Backend_RequiresBucket(t *testing.T) {
	_, err := NewS3Backend(context.Background(), config.S3Config{Region: "us-east-1"})
	assert.Error(t, err)
}
