package kubernetes

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cloudfunctions/internal/core/codeunit"
	"cloudfunctions/internal/core/functions"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apiv1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

const testNamespace = "functions"

func finishPodsWith(cs *fake.Clientset, phase apiv1.PodPhase, exitCode int32) {
	cs.PrependReactor("get", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		get, ok := action.(k8stesting.GetAction)
		if !ok || action.GetSubresource() != "" {
			// pod log reads go through the default reactor
			return false, nil, nil
		}
		return true, &apiv1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: get.GetName(), Namespace: get.GetNamespace()},
			Status: apiv1.PodStatus{
				Phase: phase,
				ContainerStatuses: []apiv1.ContainerStatus{{
					Name:  containerName,
					State: apiv1.ContainerState{Terminated: &apiv1.ContainerStateTerminated{ExitCode: exitCode}},
				}},
			},
		}, nil
	})
}

func writeUnit(t *testing.T) functions.CodeUnit {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.py"), []byte("def run():\n    return 1\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib", "util.py"), []byte("X = 1\n"), 0o644))
	return functions.CodeUnit{Function: "greet", Dir: dir, Entrypoint: "hello.py", Revision: 1}
}

func newTestRuntime(cs *fake.Clientset) *Runtime {
	rt := NewWithClientset(cs, testNamespace, "python:3.12-slim", zerolog.Nop())
	rt.pollInterval = 10 * time.Millisecond
	return rt
}

func TestRuntime_RunCreatesAndCleansUp(t *testing.T) {
	cs := fake.NewSimpleClientset()
	finishPodsWith(cs, apiv1.PodSucceeded, 0)

	var createdPod *apiv1.Pod
	var createdConfigMap *apiv1.ConfigMap
	cs.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		createdPod = action.(k8stesting.CreateAction).GetObject().(*apiv1.Pod)
		return false, nil, nil
	})
	cs.PrependReactor("create", "configmaps", func(action k8stesting.Action) (bool, runtime.Object, error) {
		createdConfigMap = action.(k8stesting.CreateAction).GetObject().(*apiv1.ConfigMap)
		return false, nil, nil
	})

	rt := newTestRuntime(cs)
	h, err := rt.Load(context.Background(), writeUnit(t))
	require.NoError(t, err)

	// the fake clientset serves "fake logs", which carry no result marker
	result, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result)

	require.NotNil(t, createdPod)
	assert.Equal(t, apiv1.RestartPolicyNever, createdPod.Spec.RestartPolicy)
	container := createdPod.Spec.Containers[0]
	assert.Equal(t, "python:3.12-slim", container.Image)
	assert.Equal(t, "/app/function/hello.py", container.Command[len(container.Command)-1])
	assert.Equal(t, "greet", createdPod.Annotations[annotationFunction])

	require.NotNil(t, createdConfigMap)
	assert.Len(t, createdConfigMap.Data, 2)
	paths := []string{}
	for _, item := range createdPod.Spec.Volumes[0].ConfigMap.Items {
		paths = append(paths, item.Path)
	}
	assert.ElementsMatch(t, []string{"hello.py", "lib/util.py"}, paths)

	pods, err := cs.CoreV1().Pods(testNamespace).List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pods.Items)
	configMaps, err := cs.CoreV1().ConfigMaps(testNamespace).List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, configMaps.Items)
}

func TestRuntime_BinaryFilesUseBinaryData(t *testing.T) {
	cs := fake.NewSimpleClientset()
	finishPodsWith(cs, apiv1.PodSucceeded, 0)
	var createdConfigMap *apiv1.ConfigMap
	cs.PrependReactor("create", "configmaps", func(action k8stesting.Action) (bool, runtime.Object, error) {
		createdConfigMap = action.(k8stesting.CreateAction).GetObject().(*apiv1.ConfigMap)
		return false, nil, nil
	})

	unit := writeUnit(t)
	blob := []byte{0x42, 0x0d, 0x0d, 0x0a, 0xff, 0xfe, 0x00}
	require.NoError(t, os.WriteFile(filepath.Join(unit.Dir, "lib", "util.pyc"), blob, 0o644))

	h, err := newTestRuntime(cs).Load(context.Background(), unit)
	require.NoError(t, err)
	_, err = h.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, createdConfigMap)
	assert.Len(t, createdConfigMap.Data, 2)
	require.Len(t, createdConfigMap.BinaryData, 1)
	for _, content := range createdConfigMap.BinaryData {
		assert.Equal(t, blob, content)
	}
	for _, content := range createdConfigMap.Data {
		assert.NotEqual(t, string(blob), content)
	}
}

func TestRuntime_ExitCodes(t *testing.T) {
	tests := []struct {
		name    string
		phase   apiv1.PodPhase
		code    int32
		wantErr error
	}{
		{name: "load failure", phase: apiv1.PodFailed, code: codeunit.ExitLoadFailure, wantErr: functions.ErrLoad},
		{name: "raised", phase: apiv1.PodFailed, code: 1, wantErr: functions.ErrExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := fake.NewSimpleClientset()
			finishPodsWith(cs, tt.phase, tt.code)
			rt := newTestRuntime(cs)

			h, err := rt.Load(context.Background(), writeUnit(t))
			require.NoError(t, err)
			_, err = h.Run(context.Background())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRuntime_RunHonorsContext(t *testing.T) {
	cs := fake.NewSimpleClientset()
	rt := newTestRuntime(cs)
	h, err := rt.Load(context.Background(), writeUnit(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRuntime_LoadMissingEntry(t *testing.T) {
	rt := newTestRuntime(fake.NewSimpleClientset())
	_, err := rt.Load(context.Background(), functions.CodeUnit{Function: "x", Dir: t.TempDir(), Entrypoint: "hello.py"})
	assert.ErrorIs(t, err, functions.ErrLoad)
}
