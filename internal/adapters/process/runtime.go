// Package process runs code units as local child processes.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cloudfunctions/internal/core/codeunit"
	"cloudfunctions/internal/core/functions"

	"github.com/rs/zerolog"
)

// RuntimeName selects this runtime in function.yaml.
const RuntimeName = "process"

const (
	errorTailLength = 2048
	waitDelay       = 2 * time.Second
)

// Runtime starts one child process per invocation. Python entry files run
// through the bootstrap; shell entry files are run by sh and are expected to
// print the result marker themselves.
type Runtime struct {
	python string
	shell  string
	lg     zerolog.Logger
}

func New(pythonBin string, lg zerolog.Logger) *Runtime {
	if pythonBin == "" {
		pythonBin = "python3"
	}
	return &Runtime{
		python: pythonBin,
		shell:  "sh",
		lg:     lg.With().Str("adapter", "process").Logger(),
	}
}

func (r *Runtime) Name() string { return RuntimeName }

func (r *Runtime) Load(_ context.Context, unit functions.CodeUnit) (functions.Handle, error) {
	entry := unit.EntrypointPath()
	info, err := os.Stat(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: entry file %s: %w", functions.ErrLoad, unit.Entrypoint, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: entry %s is a directory", functions.ErrLoad, unit.Entrypoint)
	}

	var argv []string
	switch strings.ToLower(filepath.Ext(entry)) {
	case ".py":
		argv = codeunit.PythonCommand(r.python, entry)
	case ".sh":
		argv = []string{r.shell, entry}
	default:
		return nil, fmt.Errorf("%w: no interpreter for %s", functions.ErrLoad, unit.Entrypoint)
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("%w: %w", functions.ErrLoad, err)
	}
	return &handle{unit: unit, argv: argv, lg: r.lg}, nil
}

type handle struct {
	unit functions.CodeUnit
	argv []string
	lg   zerolog.Logger
}

func (h *handle) Run(ctx context.Context) (any, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, h.argv[0], h.argv[1:]...)
	cmd.Dir = h.unit.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(),
		"CLOUDFUNCTIONS_FUNCTION="+h.unit.Function,
		"CLOUDFUNCTIONS_REVISION="+strconv.Itoa(h.unit.Revision),
	)

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: start %s: %w", functions.ErrLoad, h.argv[0], err)
		}
		if exitErr.ExitCode() == codeunit.ExitLoadFailure {
			return nil, fmt.Errorf("%w: %s", functions.ErrLoad, codeunit.Tail(stderr.Bytes(), errorTailLength))
		}
		return nil, fmt.Errorf("%w: %s: %s", functions.ErrExecution, exitErr, codeunit.Tail(stderr.Bytes(), errorTailLength))
	}

	if stderr.Len() > 0 {
		h.lg.Debug().Str("function", h.unit.Function).Str("stderr", codeunit.Tail(stderr.Bytes(), errorTailLength)).Msg("unit wrote to stderr")
	}

	result, _, err := codeunit.ParseResult(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", functions.ErrExecution, err)
	}
	return result, nil
}

var _ functions.Runtime = (*Runtime)(nil)
