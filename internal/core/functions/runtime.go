package functions

import (
	"context"
	"path/filepath"
	"time"
)

// CodeUnit is everything a runtime needs to load one deployed function.
type CodeUnit struct {
	Function   string
	Dir        string // code_path of the registry entry
	Entrypoint string // file inside Dir
	Revision   int
	Timeout    time.Duration
}

// EntrypointPath is the absolute location of the entry file.
func (u CodeUnit) EntrypointPath() string {
	return filepath.Join(u.Dir, u.Entrypoint)
}

// Runtime loads code units into invocable handles.
type Runtime interface {
	// Name is the value function.yaml uses to select this runtime.
	Name() string
	// Load validates the unit and returns a handle; failures wrap ErrLoad.
	Load(ctx context.Context, unit CodeUnit) (Handle, error)
}

// Handle is a loaded code unit exposing the zero-argument run entry point.
type Handle interface {
	// Run invokes the entry point. Faults raised by the unit wrap ErrExecution;
	// a unit that turns out not to be loadable wraps ErrLoad.
	Run(ctx context.Context) (any, error)
}

// Releaser is implemented by handles that hold resources between runs, such
// as a compiled module. Release is called once no invocation uses the handle
// anymore.
type Releaser interface {
	Release(ctx context.Context) error
}

// PackageStore is the byte storage for archives and unpacked units. Paths
// are relative to the store root unless absolute.
type PackageStore interface {
	Write(ctx context.Context, path string, data []byte) error
	// Extract unpacks the archive at archivePath into targetPath, replacing
	// previous contents, and returns the absolute local directory.
	Extract(ctx context.Context, archivePath, targetPath string) (string, error)
	// Read returns file contents; a missing file yields an error matching fs.ErrNotExist.
	Read(ctx context.Context, path string) ([]byte, error)
}

// Notifier delivers outcomes to callback targets without blocking the caller.
type Notifier interface {
	Notify(ctx context.Context, outcome *Outcome, targets Targets)
}
