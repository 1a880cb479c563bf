package docker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"time"

	"cloudfunctions/internal/config"
	"cloudfunctions/internal/core/codeunit"
	"cloudfunctions/internal/core/functions"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
)

// RuntimeName selects this runtime in function.yaml.
const RuntimeName = "docker"

const (
	mountPoint      = "/app/function"
	interpreter     = "python3"
	labelFunction   = "cloudfunctions.function"
	labelRevision   = "cloudfunctions.revision"
	cleanupTimeout  = 10 * time.Second
	errorTailLength = 2048
)

// ContainerAPI is the part of the Docker Engine client the runtime needs.
type ContainerAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (image.InspectResponse, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Runtime runs each invocation in a fresh worker container with the unit
// directory bind-mounted read-only.
type Runtime struct {
	api        ContainerAPI
	image      string
	authHeader string
	lg         zerolog.Logger
}

// New connects to the Docker daemon from the environment.
func New(cfg config.Config, lg zerolog.Logger) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	authHeader := ""
	if cfg.HarborUser != "" && cfg.HarborPass != "" {
		authConfig := registry.AuthConfig{
			Username:      cfg.HarborUser,
			Password:      cfg.HarborPass,
			ServerAddress: cfg.HarborURL,
		}
		encodedJSON, err := json.Marshal(authConfig)
		if err != nil {
			return nil, fmt.Errorf("marshal auth config: %w", err)
		}
		authHeader = base64.URLEncoding.EncodeToString(encodedJSON)
		lg.Info().Str("registry", cfg.HarborURL).Msg("configured Harbor registry authentication")
	}

	return NewWithAPI(cli, cfg.WorkerImage, authHeader, lg), nil
}

func NewWithAPI(api ContainerAPI, workerImage, authHeader string, lg zerolog.Logger) *Runtime {
	return &Runtime{
		api:        api,
		image:      workerImage,
		authHeader: authHeader,
		lg:         lg.With().Str("adapter", "docker").Logger(),
	}
}

func (r *Runtime) Name() string { return RuntimeName }

func (r *Runtime) Load(ctx context.Context, unit functions.CodeUnit) (functions.Handle, error) {
	info, err := os.Stat(unit.EntrypointPath())
	if err != nil {
		return nil, fmt.Errorf("%w: entry file %s: %w", functions.ErrLoad, unit.Entrypoint, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: entry %s is a directory", functions.ErrLoad, unit.Entrypoint)
	}
	if err := r.ensureImage(ctx, r.image); err != nil {
		return nil, fmt.Errorf("%w: %w", functions.ErrLoad, err)
	}
	return &handle{rt: r, unit: unit}, nil
}

func (r *Runtime) ensureImage(ctx context.Context, img string) error {
	_, _, err := r.api.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("image inspect: %w", err)
	}

	r.lg.Info().Str("image", img).Msg("pulling image from registry")
	rc, err := r.api.ImagePull(ctx, img, image.PullOptions{RegistryAuth: r.authHeader})
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)

	return nil
}

type handle struct {
	rt   *Runtime
	unit functions.CodeUnit
}

func (h *handle) Run(ctx context.Context) (any, error) {
	r := h.rt
	entry := path.Join(mountPoint, h.unit.Entrypoint)

	resp, err := r.api.ContainerCreate(ctx,
		&container.Config{
			Image:      r.image,
			Cmd:        codeunit.PythonCommand(interpreter, entry),
			WorkingDir: mountPoint,
			Labels: map[string]string{
				labelFunction: h.unit.Function,
				labelRevision: strconv.Itoa(h.unit.Revision),
			},
		},
		&container.HostConfig{
			Binds: []string{fmt.Sprintf("%s:%s:ro", h.unit.Dir, mountPoint)},
		},
		nil, nil, "",
	)
	if err != nil {
		return nil, fmt.Errorf("%w: docker create: %w", functions.ErrLoad, err)
	}
	defer r.remove(resp.ID)

	if err := r.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: docker start: %w", functions.ErrLoad, err)
	}
	r.lg.Debug().Str("container_id", resp.ID).Str("function", h.unit.Function).Msg("worker container started")

	var exitCode int64
	waitCh, errCh := r.api.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case res := <-waitCh:
		if res.Error != nil {
			return nil, fmt.Errorf("docker wait: %s", res.Error.Message)
		}
		exitCode = res.StatusCode
	case err := <-errCh:
		return nil, fmt.Errorf("docker wait: %w", err)
	}

	stdout, stderr, err := r.logs(ctx, resp.ID)
	if err != nil {
		return nil, err
	}

	switch {
	case exitCode == codeunit.ExitLoadFailure:
		return nil, fmt.Errorf("%w: %s", functions.ErrLoad, codeunit.Tail(stderr, errorTailLength))
	case exitCode != 0:
		return nil, fmt.Errorf("%w: exit status %d: %s", functions.ErrExecution, exitCode, codeunit.Tail(stderr, errorTailLength))
	}

	result, _, err := codeunit.ParseResult(stdout)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", functions.ErrExecution, err)
	}
	return result, nil
}

func (r *Runtime) logs(ctx context.Context, containerID string) (stdout, stderr []byte, err error) {
	rc, err := r.api.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, nil, fmt.Errorf("docker logs: %w", err)
	}
	defer rc.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, rc); err != nil {
		return nil, nil, fmt.Errorf("docker logs: %w", err)
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

func (r *Runtime) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	err := r.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		r.lg.Warn().Err(err).Str("container_id", containerID).Msg("failed to remove worker container")
	}
}

var _ functions.Runtime = (*Runtime)(nil)
