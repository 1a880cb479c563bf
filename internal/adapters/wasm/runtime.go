// Package wasm runs WebAssembly code units in-process on wazero.
package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"cloudfunctions/internal/core/codeunit"
	"cloudfunctions/internal/core/functions"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// RuntimeName selects this runtime in function.yaml.
const RuntimeName = "wasm"

const (
	runExport        = "run"
	initializeExport = "_initialize"
	errorTailLength  = 2048
)

// Runtime compiles a unit once at load and instantiates a fresh module per
// invocation, so invocations share no memory.
type Runtime struct {
	rt wazero.Runtime
	lg zerolog.Logger
}

func New(ctx context.Context, lg zerolog.Logger) *Runtime {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)
	return &Runtime{
		rt: rt,
		lg: lg.With().Str("adapter", "wasm").Logger(),
	}
}

func (r *Runtime) Name() string { return RuntimeName }

func (r *Runtime) Load(ctx context.Context, unit functions.CodeUnit) (functions.Handle, error) {
	bin, err := os.ReadFile(unit.EntrypointPath())
	if err != nil {
		return nil, fmt.Errorf("%w: entry file %s: %w", functions.ErrLoad, unit.Entrypoint, err)
	}
	compiled, err := r.rt.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("%w: compile %s: %w", functions.ErrLoad, unit.Entrypoint, err)
	}

	exports := compiled.ExportedFunctions()
	run, ok := exports[runExport]
	if !ok {
		_ = compiled.Close(ctx)
		return nil, fmt.Errorf("%w: %s does not export %q", functions.ErrLoad, unit.Entrypoint, runExport)
	}
	if len(run.ParamTypes()) != 0 {
		_ = compiled.Close(ctx)
		return nil, fmt.Errorf("%w: %q must take no arguments", functions.ErrLoad, runExport)
	}
	_, reactor := exports[initializeExport]

	r.lg.Debug().Str("function", unit.Function).Int("revision", unit.Revision).Msg("module compiled")
	return &handle{rt: r, unit: unit, compiled: compiled, results: run.ResultTypes(), reactor: reactor}, nil
}

// Close releases all compiled modules.
func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

type handle struct {
	rt       *Runtime
	unit     functions.CodeUnit
	compiled wazero.CompiledModule
	results  []api.ValueType
	reactor  bool
	released atomic.Bool
}

// Release frees the compiled module. Later runs fail with ErrLoad.
func (h *handle) Release(ctx context.Context) error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	return h.compiled.Close(ctx)
}

func (h *handle) Run(ctx context.Context) (any, error) {
	if h.released.Load() {
		return nil, fmt.Errorf("%w: module %s was released", functions.ErrLoad, h.unit.Entrypoint)
	}
	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(h.unit.Function).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions()
	if h.reactor {
		cfg = cfg.WithStartFunctions(initializeExport)
	}

	mod, err := h.rt.rt.InstantiateModule(ctx, h.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: instantiate: %w", functions.ErrLoad, err)
	}
	defer mod.Close(context.Background())

	values, err := mod.ExportedFunction(runExport).Call(ctx)
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			switch exitErr.ExitCode() {
			case 0:
				return h.result(stdout.Bytes(), nil)
			case codeunit.ExitLoadFailure:
				return nil, fmt.Errorf("%w: %s", functions.ErrLoad, codeunit.Tail(stderr.Bytes(), errorTailLength))
			}
		}
		if tail := codeunit.Tail(stderr.Bytes(), errorTailLength); tail != "" {
			return nil, fmt.Errorf("%w: %w: %s", functions.ErrExecution, err, tail)
		}
		return nil, fmt.Errorf("%w: %w", functions.ErrExecution, err)
	}
	return h.result(stdout.Bytes(), values)
}

// result prefers a marker line, then stdout as a whole JSON document, then
// the first return value of run.
func (h *handle) result(stdout []byte, values []uint64) (any, error) {
	result, found, err := codeunit.ParseResult(stdout)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", functions.ErrExecution, err)
	}
	if found {
		return result, nil
	}
	if trimmed := bytes.TrimSpace(stdout); len(trimmed) > 0 {
		if v, err := codeunit.DecodeJSON(trimmed); err == nil {
			return v, nil
		}
	}
	if len(values) == 0 || len(h.results) == 0 {
		return nil, nil
	}
	return decodeValue(h.results[0], values[0]), nil
}

func decodeValue(t api.ValueType, v uint64) any {
	switch t {
	case api.ValueTypeI32:
		return int64(api.DecodeI32(v))
	case api.ValueTypeI64:
		return int64(v)
	case api.ValueTypeF32:
		return float64(api.DecodeF32(v))
	case api.ValueTypeF64:
		return api.DecodeF64(v)
	default:
		return nil
	}
}

var (
	_ functions.Runtime  = (*Runtime)(nil)
	_ functions.Releaser = (*handle)(nil)
)
