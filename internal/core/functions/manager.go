package functions

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// Manager is the boundary the delivery layer talks to: deploy, list,
// activate/deactivate and invoke.
type Manager struct {
	registry   *Registry
	pipeline   *Pipeline
	dispatcher *Dispatcher
	notifier   Notifier
	lg         zerolog.Logger
}

func NewManager(registry *Registry, pipeline *Pipeline, dispatcher *Dispatcher, notifier Notifier, lg zerolog.Logger) *Manager {
	return &Manager{
		registry:   registry,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		notifier:   notifier,
		lg:         lg.With().Str("component", "function-manager").Logger(),
	}
}

// DeployFunction ingests an archive and returns the derived function name.
func (m *Manager) DeployFunction(ctx context.Context, archiveName string, archive io.Reader) (string, error) {
	data, err := io.ReadAll(archive)
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	name, err := m.pipeline.Deploy(ctx, archiveName, data)
	if err != nil {
		m.lg.Error().Err(err).Str("archive", archiveName).Msg("failed to deploy function")
		return "", err
	}
	return name, nil
}

func (m *Manager) ListFunctions(ctx context.Context) ([]Function, error) {
	return m.registry.List(ctx)
}

func (m *Manager) GetFunction(ctx context.Context, name string) (*Function, error) {
	return m.registry.Get(ctx, name)
}

func (m *Manager) ActivateFunction(ctx context.Context, name string) (*Function, error) {
	return m.registry.SetActive(ctx, name, true)
}

func (m *Manager) DeactivateFunction(ctx context.Context, name string) (*Function, error) {
	return m.registry.SetActive(ctx, name, false)
}

// InvokeFunction runs the function and hands the outcome to the notifier.
// Notification happens in the background and never changes the returned outcome.
func (m *Manager) InvokeFunction(ctx context.Context, name string, targets Targets) (*Outcome, error) {
	outcome, err := m.dispatcher.Invoke(ctx, name)
	if err != nil {
		return nil, err
	}
	if m.notifier != nil {
		m.notifier.Notify(context.WithoutCancel(ctx), outcome, targets)
	}
	return outcome, nil
}
