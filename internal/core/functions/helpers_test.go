package functions

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
	"sync"
	"testing"

	dbadapter "cloudfunctions/internal/adapters/gorm"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := dbadapter.New("sqlite://"+filepath.Join(t.TempDir(), "registry.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbadapter.Close(db) })

	reg, err := NewRegistry(db, zerolog.Nop())
	require.NoError(t, err)
	return reg
}

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// memStore is an in-memory PackageStore; extracted units live under /mem.
type memStore struct {
	mu       sync.Mutex
	files    map[string][]byte
	writeErr error
}

func newMemStore() *memStore {
	return &memStore{files: map[string][]byte{}}
}

func (s *memStore) Write(_ context.Context, p string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.files[p] = data
	return nil
}

func (s *memStore) Extract(_ context.Context, archivePath, targetPath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.files[archivePath]
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCorruptArchive, err)
	}
	root := path.Join("/mem", targetPath)
	for name := range s.files {
		if strings.HasPrefix(name, root+"/") {
			delete(s.files, name)
		}
	}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return "", err
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", err
		}
		s.files[path.Join(root, f.Name)] = content
	}
	return root, nil
}

func (s *memStore) Read(_ context.Context, p string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[filepath.ToSlash(p)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, fs.ErrNotExist)
	}
	return data, nil
}

type runFunc func(ctx context.Context, unit CodeUnit) (any, error)

// fakeRuntime counts loads and runs units through run.
type fakeRuntime struct {
	name    string
	run     runFunc
	loadErr error

	mu       sync.Mutex
	loads    int
	releases int
	units    []CodeUnit
}

func newFakeRuntime(name string, run runFunc) *fakeRuntime {
	return &fakeRuntime{name: name, run: run}
}

func returning(v any) runFunc {
	return func(context.Context, CodeUnit) (any, error) { return v, nil }
}

func (r *fakeRuntime) Name() string { return r.name }

func (r *fakeRuntime) Load(_ context.Context, unit CodeUnit) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads++
	r.units = append(r.units, unit)
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	return &fakeHandle{rt: r, unit: unit, run: r.run}, nil
}

func (r *fakeRuntime) loadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads
}

func (r *fakeRuntime) releaseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releases
}

func (r *fakeRuntime) lastUnit() CodeUnit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.units[len(r.units)-1]
}

type fakeHandle struct {
	rt   *fakeRuntime
	unit CodeUnit
	run  runFunc
}

func (h *fakeHandle) Run(ctx context.Context) (any, error) {
	return h.run(ctx, h.unit)
}

func (h *fakeHandle) Release(context.Context) error {
	h.rt.mu.Lock()
	defer h.rt.mu.Unlock()
	h.rt.releases++
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	outcomes []*Outcome
	targets  []Targets
}

func (n *recordingNotifier) Notify(_ context.Context, o *Outcome, t Targets) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, o)
	n.targets = append(n.targets, t)
}

// harness wires a registry, pipeline and dispatcher around memStore.
type harness struct {
	store      *memStore
	registry   *Registry
	pipeline   *Pipeline
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, cfg DispatcherConfig, runtimes ...Runtime) *harness {
	t.Helper()
	if cfg.DefaultRuntime == "" {
		cfg.DefaultRuntime = "process"
	}
	if cfg.DefaultEntrypoint == "" {
		cfg.DefaultEntrypoint = "hello.py"
	}
	store := newMemStore()
	reg := newTestRegistry(t)
	return &harness{
		store:      store,
		registry:   reg,
		pipeline:   NewPipeline(store, reg, zerolog.Nop()),
		dispatcher: NewDispatcher(reg, store, runtimes, cfg, zerolog.Nop()),
	}
}

func (h *harness) deploy(t *testing.T, archiveName string, files map[string]string) string {
	t.Helper()
	name, err := h.pipeline.Deploy(context.Background(), archiveName, zipOf(t, files))
	require.NoError(t, err)
	return name
}

func (h *harness) deployActive(t *testing.T, archiveName string, files map[string]string) string {
	t.Helper()
	name := h.deploy(t, archiveName, files)
	_, err := h.registry.SetActive(context.Background(), name, true)
	require.NoError(t, err)
	return name
}

var helloUnit = map[string]string{"hello.py": "def run():\n    return 'Hello, World!'\n"}
