package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, EnvProcess, cfg.ExecutionEnv)
	assert.Equal(t, BackendLocal, cfg.ArchiveBackend)
	assert.Equal(t, "hello.py", cfg.DefaultEntrypoint)
	assert.Equal(t, 30*time.Second, cfg.InvokeTimeout)
	assert.True(t, cfg.UnitCache)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("EXECUTION_ENV", "Docker")
	t.Setenv("INVOKE_TIMEOUT", "2s")
	t.Setenv("NOTIFY_WORKERS", "9")
	t.Setenv("UNIT_CACHE", "false")
	t.Setenv("FUNCTION_STORAGE_DIR", "/srv/functions")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, EnvDocker, cfg.ExecutionEnv)
	assert.Equal(t, 2*time.Second, cfg.InvokeTimeout)
	assert.Equal(t, 9, cfg.NotifyWorkers)
	assert.False(t, cfg.UnitCache)
	assert.Equal(t, "/srv/functions", cfg.FunctionStorageDir)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
execution_env: kubernetes
notify_timeout: 750ms
archive_backend: s3
s3:
  bucket: archives
`), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LISTEN_ADDR", ":7070")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, EnvKubernetes, cfg.ExecutionEnv)
	assert.Equal(t, 750*time.Millisecond, cfg.NotifyTimeout)
	assert.Equal(t, BackendS3, cfg.ArchiveBackend)
	assert.Equal(t, "archives", cfg.S3.Bucket)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		val  string
	}{
		{name: "bad duration", key: "INVOKE_TIMEOUT", val: "soon"},
		{name: "bad int", key: "NOTIFY_QUEUE_SIZE", val: "many"},
		{name: "zero workers", key: "NOTIFY_WORKERS", val: "0"},
		{name: "s3 without bucket", key: "ARCHIVE_BACKEND", val: "s3"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", "")
			t.Setenv("S3_BUCKET", "")
			t.Setenv(tc.key, tc.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
