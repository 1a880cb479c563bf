package functions

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, rt Runtime) (*Manager, *recordingNotifier) {
	t.Helper()
	h := newHarness(t, DispatcherConfig{CacheHandles: true}, rt)
	notifier := &recordingNotifier{}
	return NewManager(h.registry, h.pipeline, h.dispatcher, notifier, zerolog.Nop()), notifier
}

func TestManager_GreetLifecycle(t *testing.T) {
	mgr, notifier := newTestManager(t, newFakeRuntime("process", returning("Hello, World!")))
	ctx := context.Background()

	name, err := mgr.DeployFunction(ctx, "greet.zip", bytes.NewReader(zipOf(t, helloUnit)))
	require.NoError(t, err)
	assert.Equal(t, "greet", name)

	list, err := mgr.ListFunctions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].IsActive)

	_, err = mgr.InvokeFunction(ctx, "greet", Targets{})
	assert.ErrorIs(t, err, ErrInactive)

	fn, err := mgr.ActivateFunction(ctx, "greet")
	require.NoError(t, err)
	assert.True(t, fn.IsActive)

	targets := Targets{OnSuccess: "http://localhost:5000/notify"}
	outcome, err := mgr.InvokeFunction(ctx, "greet", targets)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, outcome.Status)
	assert.Equal(t, "Hello, World!", outcome.Result)

	require.Len(t, notifier.outcomes, 1)
	assert.Same(t, outcome, notifier.outcomes[0])
	assert.Equal(t, targets, notifier.targets[0])

	fn, err = mgr.DeactivateFunction(ctx, "greet")
	require.NoError(t, err)
	assert.False(t, fn.IsActive)
	_, err = mgr.InvokeFunction(ctx, "greet", targets)
	assert.ErrorIs(t, err, ErrInactive)
	assert.Len(t, notifier.outcomes, 1)
}

func TestManager_UnknownFunction(t *testing.T) {
	mgr, notifier := newTestManager(t, newFakeRuntime("process", returning(true)))
	ctx := context.Background()

	_, err := mgr.GetFunction(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = mgr.ActivateFunction(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = mgr.DeactivateFunction(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = mgr.InvokeFunction(ctx, "ghost", Targets{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, notifier.outcomes)
}

func TestManager_FailedInvocationIsStillNotified(t *testing.T) {
	mgr, notifier := newTestManager(t, newFakeRuntime("process", returning(nil)))
	ctx := context.Background()

	_, err := mgr.DeployFunction(ctx, "greet.zip", bytes.NewReader(zipOf(t, helloUnit)))
	require.NoError(t, err)
	_, err = mgr.ActivateFunction(ctx, "greet")
	require.NoError(t, err)

	outcome, err := mgr.InvokeFunction(ctx, "greet", Targets{OnFailure: "http://f"})
	require.NoError(t, err)
	assert.Equal(t, StatusError, outcome.Status)
	require.Len(t, notifier.outcomes, 1)
	assert.Equal(t, "http://f", notifier.targets[0].URLFor(notifier.outcomes[0]))
}
