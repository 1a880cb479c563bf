package kubernetes

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"
	"unicode/utf8"

	"cloudfunctions/internal/config"
	"cloudfunctions/internal/core/codeunit"
	"cloudfunctions/internal/core/functions"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	apiv1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// RuntimeName selects this runtime in function.yaml.
const RuntimeName = "kubernetes"

const (
	appName         = "cloudfunctions-worker"
	containerName   = "worker"
	mountPoint      = "/app/function"
	interpreter     = "python3"
	pullSecret      = "harbor-registry-secret"
	maxUnitBytes    = 1 << 20 // ConfigMap size limit
	cleanupTimeout  = 10 * time.Second
	errorTailLength = 2048

	annotationFunction = "cloudfunctions/function"
	annotationRevision = "cloudfunctions/revision"
)

// Runtime runs each invocation as a one-shot pod. The unit's files travel
// in a ConfigMap mounted at /app/function.
type Runtime struct {
	clientset    kubernetes.Interface
	namespace    string
	image        string
	pullSecret   bool
	pollInterval time.Duration
	lg           zerolog.Logger
}

// New builds a runtime from the in-cluster service account.
func New(cfg config.Config, lg zerolog.Logger) (*Runtime, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get in-cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	rt := NewWithClientset(clientset, cfg.KubeNamespace, cfg.WorkerImage, lg)
	rt.pullSecret = cfg.HarborUser != ""
	return rt, nil
}

func NewWithClientset(clientset kubernetes.Interface, namespace, image string, lg zerolog.Logger) *Runtime {
	return &Runtime{
		clientset:    clientset,
		namespace:    namespace,
		image:        image,
		pollInterval: time.Second,
		lg:           lg.With().Str("adapter", "kubernetes").Logger(),
	}
}

func (r *Runtime) Name() string { return RuntimeName }

// Load packs the unit directory into ConfigMap data. Keys are synthetic
// since ConfigMap keys cannot hold directory separators. Files that are not
// valid UTF-8 go to BinaryData.
func (r *Runtime) Load(_ context.Context, unit functions.CodeUnit) (functions.Handle, error) {
	info, err := os.Stat(unit.EntrypointPath())
	if err != nil {
		return nil, fmt.Errorf("%w: entry file %s: %w", functions.ErrLoad, unit.Entrypoint, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: entry %s is a directory", functions.ErrLoad, unit.Entrypoint)
	}

	h := &handle{rt: r, unit: unit, data: map[string]string{}, binary: map[string][]byte{}}
	total := 0
	err = filepath.WalkDir(unit.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(unit.Dir, p)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		total += len(content)
		if total > maxUnitBytes {
			return fmt.Errorf("unit exceeds %d bytes", maxUnitBytes)
		}
		key := "f" + strconv.Itoa(len(h.items))
		if utf8.Valid(content) {
			h.data[key] = string(content)
		} else {
			h.binary[key] = content
		}
		h.items = append(h.items, apiv1.KeyToPath{Key: key, Path: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pack unit: %w", functions.ErrLoad, err)
	}
	return h, nil
}

type handle struct {
	rt     *Runtime
	unit   functions.CodeUnit
	data   map[string]string
	binary map[string][]byte
	items  []apiv1.KeyToPath
}

func (h *handle) Run(ctx context.Context) (any, error) {
	r := h.rt
	name := "cf-" + uuid.NewString()
	annotations := map[string]string{
		annotationFunction: h.unit.Function,
		annotationRevision: strconv.Itoa(h.unit.Revision),
	}

	configMap := &apiv1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   r.namespace,
			Labels:      map[string]string{"app": appName},
			Annotations: annotations,
		},
		Data:       h.data,
		BinaryData: h.binary,
	}
	if _, err := r.clientset.CoreV1().ConfigMaps(r.namespace).Create(ctx, configMap, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("%w: failed to create configmap: %w", functions.ErrLoad, err)
	}
	defer r.cleanup(name)

	pod := &apiv1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   r.namespace,
			Labels:      map[string]string{"app": appName},
			Annotations: annotations,
		},
		Spec: apiv1.PodSpec{
			RestartPolicy: apiv1.RestartPolicyNever,
			Containers: []apiv1.Container{
				{
					Name:       containerName,
					Image:      r.image,
					Command:    codeunit.PythonCommand(interpreter, path.Join(mountPoint, h.unit.Entrypoint)),
					WorkingDir: mountPoint,
					VolumeMounts: []apiv1.VolumeMount{
						{
							Name:      "unit",
							MountPath: mountPoint,
							ReadOnly:  true,
						},
					},
				},
			},
			Volumes: []apiv1.Volume{
				{
					Name: "unit",
					VolumeSource: apiv1.VolumeSource{
						ConfigMap: &apiv1.ConfigMapVolumeSource{
							LocalObjectReference: apiv1.LocalObjectReference{Name: name},
							Items:                h.items,
						},
					},
				},
			},
		},
	}
	if r.pullSecret {
		pod.Spec.ImagePullSecrets = []apiv1.LocalObjectReference{{Name: pullSecret}}
	}
	if _, err := r.clientset.CoreV1().Pods(r.namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("%w: failed to create pod: %w", functions.ErrLoad, err)
	}
	r.lg.Debug().Str("pod", name).Str("function", h.unit.Function).Msg("worker pod created")

	finished, err := r.waitForCompletion(ctx, name)
	if err != nil {
		return nil, err
	}

	logs, err := r.clientset.CoreV1().Pods(r.namespace).GetLogs(name, &apiv1.PodLogOptions{Container: containerName}).DoRaw(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read pod logs: %w", err)
	}

	exitCode, ok := exitCodeOf(finished)
	switch {
	case !ok && finished.Status.Phase == apiv1.PodFailed:
		return nil, fmt.Errorf("%w: pod failed: %s", functions.ErrExecution, finished.Status.Message)
	case exitCode == codeunit.ExitLoadFailure:
		return nil, fmt.Errorf("%w: %s", functions.ErrLoad, codeunit.Tail(logs, errorTailLength))
	case exitCode != 0:
		return nil, fmt.Errorf("%w: exit status %d: %s", functions.ErrExecution, exitCode, codeunit.Tail(logs, errorTailLength))
	}

	result, _, err := codeunit.ParseResult(logs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", functions.ErrExecution, err)
	}
	return result, nil
}

func (r *Runtime) waitForCompletion(ctx context.Context, name string) (*apiv1.Pod, error) {
	var finished *apiv1.Pod
	err := wait.PollUntilContextCancel(ctx, r.pollInterval, true, func(ctx context.Context) (bool, error) {
		pod, err := r.clientset.CoreV1().Pods(r.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		switch pod.Status.Phase {
		case apiv1.PodSucceeded, apiv1.PodFailed:
			finished = pod
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("wait for pod %s: %w", name, err)
	}
	return finished, nil
}

func exitCodeOf(pod *apiv1.Pod) (int32, bool) {
	for _, status := range pod.Status.ContainerStatuses {
		if status.Name == containerName && status.State.Terminated != nil {
			return status.State.Terminated.ExitCode, true
		}
	}
	if pod.Status.Phase == apiv1.PodSucceeded {
		return 0, true
	}
	return 0, false
}

func (r *Runtime) cleanup(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	grace := int64(0)
	if err := r.clientset.CoreV1().Pods(r.namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
	}); err != nil && !errors.IsNotFound(err) {
		r.lg.Warn().Err(err).Str("pod", name).Msg("failed to delete worker pod")
	}
	if err := r.clientset.CoreV1().ConfigMaps(r.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		r.lg.Warn().Err(err).Str("configmap", name).Msg("failed to delete unit configmap")
	}
}

var _ functions.Runtime = (*Runtime)(nil)
