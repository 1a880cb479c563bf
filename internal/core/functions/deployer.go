package functions

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"cloudfunctions/internal/core/codeunit"
	"cloudfunctions/internal/tracing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	archivesDir  = "archives"
	functionsDir = "functions"
)

// Pipeline turns uploaded archives into registered code units.
type Pipeline struct {
	store    PackageStore
	registry *Registry
	lg       zerolog.Logger
}

func NewPipeline(store PackageStore, registry *Registry, lg zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		registry: registry,
		lg:       lg.With().Str("component", "deployment-pipeline").Logger(),
	}
}

// Deploy persists the archive, unpacks it and upserts the registry entry.
// It returns the function name, which is the archive name without extension.
//
// A failed extraction may leave a partially written unit directory behind;
// the registry is only touched once extraction and manifest checks passed.
func (p *Pipeline) Deploy(ctx context.Context, archiveName string, data []byte) (name string, err error) {
	fileName, name, err := ParseArchiveName(archiveName)
	if err != nil {
		return "", err
	}

	ctx, span := tracing.StartSpan(ctx, "functions.deploy",
		attribute.String("function", name), attribute.Int("archive.bytes", len(data)))
	defer func() { span.End(err) }()

	archivePath := path.Join(archivesDir, fileName)
	if err := p.store.Write(ctx, archivePath, data); err != nil {
		return "", classify(err, ErrStorageWrite, "write archive %s", archivePath)
	}

	codePath, err := p.store.Extract(ctx, archivePath, path.Join(functionsDir, name))
	if err != nil {
		return "", classify(err, ErrCorruptArchive, "extract %s", archivePath)
	}

	if err := p.checkManifest(ctx, codePath); err != nil {
		return "", err
	}

	fn, err := p.registry.Upsert(ctx, name, codePath)
	if err != nil {
		return "", err
	}

	p.lg.Info().
		Str("function", fn.Name).
		Str("code_path", fn.CodePath).
		Int("revision", fn.Revision).
		Bool("active", fn.IsActive).
		Msg("function deployed")
	return fn.Name, nil
}

func (p *Pipeline) checkManifest(ctx context.Context, codePath string) error {
	data, err := p.store.Read(ctx, filepath.Join(codePath, codeunit.ManifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read manifest: %w", ErrStorageWrite, err)
	}
	if _, err := codeunit.ParseManifest(data); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptArchive, err)
	}
	return nil
}

// ParseArchiveName reduces an uploaded file name to its base name and derives
// the function name from it.
func ParseArchiveName(archiveName string) (fileName, functionName string, err error) {
	fileName = path.Base(strings.ReplaceAll(strings.TrimSpace(archiveName), `\`, "/"))
	switch fileName {
	case "", ".", "..", "/":
		return "", "", fmt.Errorf("%w: %q", ErrInvalidArchiveName, archiveName)
	}
	functionName = strings.TrimSuffix(fileName, path.Ext(fileName))
	if functionName == "" || functionName == "." || functionName == ".." {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidArchiveName, archiveName)
	}
	return fileName, functionName, nil
}

// classify keeps an already classified error and otherwise wraps err with kind.
func classify(err, kind error, format string, args ...any) error {
	for _, known := range []error{ErrStorageWrite, ErrCorruptArchive, ErrInvalidArchiveName} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %w", kind, fmt.Sprintf(format, args...), err)
}
