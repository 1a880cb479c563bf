package functions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeline_DeployRegistersInactiveFunction(t *testing.T) {
	h := newHarness(t, DispatcherConfig{})
	ctx := context.Background()

	name := h.deploy(t, "greet.zip", helloUnit)
	assert.Equal(t, "greet", name)

	fn, err := h.registry.Get(ctx, "greet")
	require.NoError(t, err)
	assert.Equal(t, "/mem/functions/greet", fn.CodePath)
	assert.False(t, fn.IsActive)

	assert.Contains(t, h.store.files, "archives/greet.zip")
	assert.Contains(t, h.store.files, "/mem/functions/greet/hello.py")
}

func TestPipeline_RedeployReplacesCodeAndKeepsActivation(t *testing.T) {
	h := newHarness(t, DispatcherConfig{})
	ctx := context.Background()

	h.deployActive(t, "greet.zip", map[string]string{"hello.py": "v1", "old.py": "x"})
	h.deploy(t, "greet.zip", map[string]string{"hello.py": "v2"})

	fn, err := h.registry.Get(ctx, "greet")
	require.NoError(t, err)
	assert.True(t, fn.IsActive)
	assert.Equal(t, 2, fn.Revision)
	assert.Equal(t, "v2", string(h.store.files["/mem/functions/greet/hello.py"]))
	assert.NotContains(t, h.store.files, "/mem/functions/greet/old.py")

	list, err := h.registry.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPipeline_DeployFailuresLeaveRegistryUntouched(t *testing.T) {
	tests := []struct {
		name    string
		archive string
		data    func(t *testing.T) []byte
		prepare func(s *memStore)
		wantErr error
	}{
		{
			name:    "corrupt archive",
			archive: "broken.zip",
			data:    func(*testing.T) []byte { return []byte("definitely not a zip") },
			wantErr: ErrCorruptArchive,
		},
		{
			name:    "storage write failure",
			archive: "greet.zip",
			data:    func(t *testing.T) []byte { return zipOf(t, helloUnit) },
			prepare: func(s *memStore) { s.writeErr = errors.New("disk full") },
			wantErr: ErrStorageWrite,
		},
		{
			name:    "invalid manifest",
			archive: "greet.zip",
			data: func(t *testing.T) []byte {
				return zipOf(t, map[string]string{"hello.py": "x", "function.yaml": "runtime: cobol\n"})
			},
			wantErr: ErrCorruptArchive,
		},
		{
			name:    "empty name",
			archive: "",
			data:    func(t *testing.T) []byte { return zipOf(t, helloUnit) },
			wantErr: ErrInvalidArchiveName,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DispatcherConfig{})
			if tt.prepare != nil {
				tt.prepare(h.store)
			}
			_, err := h.pipeline.Deploy(context.Background(), tt.archive, tt.data(t))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			list, err := h.registry.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestParseArchiveName(t *testing.T) {
	tests := []struct {
		in       string
		file     string
		function string
		wantErr  bool
	}{
		{in: "greet.zip", file: "greet.zip", function: "greet"},
		{in: "uploads/greet.zip", file: "greet.zip", function: "greet"},
		{in: `C:\Users\me\greet.zip`, file: "greet.zip", function: "greet"},
		{in: "archive.tar.gz", file: "archive.tar.gz", function: "archive.tar"},
		{in: "noext", file: "noext", function: "noext"},
		{in: "", wantErr: true},
		{in: ".", wantErr: true},
		{in: "..", wantErr: true},
		{in: "/", wantErr: true},
		{in: ".zip", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			file, function, err := ParseArchiveName(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArchiveName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.file, file)
			assert.Equal(t, tt.function, function)
		})
	}
}
