package functions

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"cloudfunctions/internal/core/codeunit"
	"cloudfunctions/internal/tracing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DispatcherConfig holds the defaults applied to units without a manifest.
type DispatcherConfig struct {
	DefaultRuntime    string
	DefaultEntrypoint string
	Timeout           time.Duration
	CacheHandles      bool
}

// Dispatcher loads and runs active functions and turns whatever happens into an Outcome.
type Dispatcher struct {
	registry *Registry
	store    PackageStore
	runtimes map[string]Runtime
	cfg      DispatcherConfig
	cache    *handleCache
	lg       zerolog.Logger
}

func NewDispatcher(registry *Registry, store PackageStore, runtimes []Runtime, cfg DispatcherConfig, lg zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		store:    store,
		runtimes: make(map[string]Runtime, len(runtimes)),
		cfg:      cfg,
		lg:       lg.With().Str("component", "execution-dispatcher").Logger(),
	}
	for _, rt := range runtimes {
		d.runtimes[rt.Name()] = rt
	}
	if cfg.CacheHandles {
		d.cache = newHandleCache()
	}
	return d
}

// Invoke runs the function named name.
//
// Only ErrNotFound, ErrInactive and registry failures are returned as errors,
// and in those cases nothing is loaded. Load and execution faults come back
// as an error Outcome.
func (d *Dispatcher) Invoke(ctx context.Context, name string) (*Outcome, error) {
	fn, err := d.registry.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if !fn.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrInactive, name)
	}

	invocationID := uuid.NewString()
	ctx, span := tracing.StartSpan(ctx, "functions.invoke",
		attribute.String("function", name), attribute.String("invocation_id", invocationID))
	lg := d.lg.With().Str("function", name).Str("invocation_id", invocationID).Logger()

	start := time.Now()
	var outcome *Outcome
	handle, unit, lease, err := d.load(ctx, fn)
	if err != nil {
		outcome = newErrorOutcome(name, invocationID, err)
	} else {
		result, err := d.run(ctx, handle, unit)
		if errors.Is(err, ErrLoad) {
			d.retire(d.cache.evict(name, lease))
		}
		d.done(lease, handle)
		if err != nil {
			outcome = newErrorOutcome(name, invocationID, err)
		} else {
			outcome = newResultOutcome(name, invocationID, result)
		}
	}
	outcome.Duration = time.Since(start)

	span.SetAttributes(attribute.String("status", string(outcome.Status)))
	span.End(outcome.Err)

	if outcome.Err != nil {
		lg.Warn().Err(outcome.Err).Dur("duration", outcome.Duration).Msg("function invocation failed")
	} else {
		lg.Info().Str("status", string(outcome.Status)).Dur("duration", outcome.Duration).Msg("function invoked")
	}
	return outcome, nil
}

// load returns a handle for fn and the cache lease it was taken under (nil
// when caching is off). Every successful load must be paired with done.
func (d *Dispatcher) load(ctx context.Context, fn *Function) (Handle, CodeUnit, *cachedHandle, error) {
	unit, runtimeName, err := d.resolve(ctx, fn)
	if err != nil {
		return nil, unit, nil, err
	}

	key := cacheKey{codePath: fn.CodePath, revision: fn.Revision, runtime: runtimeName, entrypoint: unit.Entrypoint}
	if lease, ok := d.cache.acquire(fn.Name, key); ok {
		return lease.handle, unit, lease, nil
	}

	rt, ok := d.runtimes[runtimeName]
	if !ok {
		return nil, unit, nil, fmt.Errorf("%w: runtime %q is not available", ErrLoad, runtimeName)
	}
	h, err := rt.Load(ctx, unit)
	if err != nil {
		if !errors.Is(err, ErrLoad) {
			err = fmt.Errorf("%w: %w", ErrLoad, err)
		}
		return nil, unit, nil, err
	}
	lease, replaced := d.cache.add(fn.Name, key, h)
	d.retire(replaced)
	return h, unit, lease, nil
}

// done hands a handle back after a run. Uncached handles are released
// right away.
func (d *Dispatcher) done(lease *cachedHandle, h Handle) {
	if lease == nil {
		d.retire(h)
		return
	}
	d.retire(d.cache.release(lease))
}

// retire releases h if it holds resources. A nil h is ignored.
func (d *Dispatcher) retire(h Handle) {
	r, ok := h.(Releaser)
	if !ok {
		return
	}
	if err := r.Release(context.Background()); err != nil {
		d.lg.Warn().Err(err).Msg("failed to release handle")
	}
}

func (d *Dispatcher) resolve(ctx context.Context, fn *Function) (CodeUnit, string, error) {
	unit := CodeUnit{
		Function: fn.Name,
		Dir:      fn.CodePath,
		Revision: fn.Revision,
		Timeout:  d.cfg.Timeout,
	}

	var manifest *codeunit.Manifest
	data, err := d.store.Read(ctx, filepath.Join(fn.CodePath, codeunit.ManifestFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return unit, "", fmt.Errorf("%w: read manifest: %w", ErrLoad, err)
	default:
		if manifest, err = codeunit.ParseManifest(data); err != nil {
			return unit, "", fmt.Errorf("%w: %w", ErrLoad, err)
		}
	}

	unit.Entrypoint = manifest.ResolveEntrypoint(d.cfg.DefaultEntrypoint)
	if timeout, _ := manifest.TimeoutDuration(); timeout > 0 {
		unit.Timeout = timeout
	}
	return unit, manifest.ResolveRuntime(unit.Entrypoint, d.cfg.DefaultRuntime), nil
}

func (d *Dispatcher) run(ctx context.Context, h Handle, unit CodeUnit) (result any, err error) {
	if unit.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, unit.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("%w: panic: %v", ErrExecution, r)
		}
	}()

	result, err = h.Run(ctx)
	if err == nil {
		return result, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrLoad) {
		return nil, fmt.Errorf("%w: timed out after %s: %w", ErrExecution, unit.Timeout, err)
	}
	if !errors.Is(err, ErrLoad) && !errors.Is(err, ErrExecution) {
		err = fmt.Errorf("%w: %w", ErrExecution, err)
	}
	return nil, err
}

type cacheKey struct {
	codePath   string
	revision   int
	runtime    string
	entrypoint string
}

// cachedHandle doubles as the lease a running invocation holds.
type cachedHandle struct {
	key     cacheKey
	handle  Handle
	refs    int
	retired bool
}

// handleCache keeps at most one handle per function; a key mismatch means
// the function was redeployed or its manifest changed. A replaced or evicted
// handle is returned for release once its last lease is given back. A nil
// cache is a disabled cache.
type handleCache struct {
	mu      sync.Mutex
	entries map[string]*cachedHandle
}

func newHandleCache() *handleCache {
	return &handleCache{entries: map[string]*cachedHandle{}}
}

func (c *handleCache) acquire(name string, key cacheKey) (*cachedHandle, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[name]
	if !ok || entry.key != key {
		return nil, false
	}
	entry.refs++
	return entry, true
}

// add caches h with one lease taken and returns the handle it displaced if
// that one is free to release.
func (c *handleCache) add(name string, key cacheKey, h Handle) (*cachedHandle, Handle) {
	if c == nil {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var free Handle
	if old, ok := c.entries[name]; ok {
		free = c.retireLocked(name, old)
	}
	entry := &cachedHandle{key: key, handle: h, refs: 1}
	c.entries[name] = entry
	return entry, free
}

// release gives back one lease and returns the handle once a retired entry
// has no leases left.
func (c *handleCache) release(entry *cachedHandle) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.refs--
	if entry.retired && entry.refs == 0 {
		return entry.handle
	}
	return nil
}

// evict drops lease's entry if it is still the cached one for name.
func (c *handleCache) evict(name string, lease *cachedHandle) Handle {
	if c == nil || lease == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[name] != lease {
		return nil
	}
	return c.retireLocked(name, lease)
}

func (c *handleCache) retireLocked(name string, entry *cachedHandle) Handle {
	delete(c.entries, name)
	entry.retired = true
	if entry.refs == 0 {
		return entry.handle
	}
	return nil
}
