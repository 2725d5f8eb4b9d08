package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"furnace/internal/config"
	"furnace/internal/runtime"
)

// ContainerManager provisions containers with destructive-replace
// semantics: Ensure always removes any pre-existing container of the same
// name before creating a fresh one. Callers depend on guaranteed-fresh
// state per invocation; this is a contract, not an optimization to undo.
type ContainerManager struct {
	client runtime.Client
	labels map[string]string
	log    *slog.Logger
}

func NewContainerManager(client runtime.Client, labels map[string]string, log *slog.Logger) *ContainerManager {
	return &ContainerManager{client: client, labels: labels, log: log}
}

// Ensure force-removes any existing container named name, then launches a
// new detached container on net with parameters derived from spec.
func (m *ContainerManager) Ensure(ctx context.Context, name string, spec config.ContainerSpec, net runtime.Network) (runtime.Container, error) {
	existing, err := m.client.GetContainer(ctx, name)
	switch {
	case err == nil:
		m.log.Debug("removing existing container", "container", name)
		if err := m.client.RemoveContainer(ctx, existing, true); err != nil && !runtime.IsNotFound(err) {
			return runtime.Container{}, fmt.Errorf("removing existing container %q: %w", name, err)
		}
	case !runtime.IsNotFound(err):
		return runtime.Container{}, fmt.Errorf("inspecting container %q: %w", name, err)
	}

	opts, err := m.runOptions(name, spec, net.Name)
	if err != nil {
		return runtime.Container{}, err
	}

	m.log.Debug("creating container", "container", name, "image", spec.Image)
	ctr, err := m.client.RunContainer(ctx, opts)
	if err != nil {
		return runtime.Container{}, err
	}
	return ctr, nil
}

// ConnectExtra attaches a running container to an additional network.
// Failure is logged, not fatal: an instance can still run usefully without
// coordinator connectivity.
func (m *ContainerManager) ConnectExtra(ctx context.Context, ctr runtime.Container, net runtime.Network) {
	if err := m.client.Connect(ctx, net, ctr); err != nil {
		m.log.Error("connecting container to network failed",
			"container", ctr.Name, "network", net.Name, "error", err)
	}
}

// Remove force-removes the named container if it exists.
func (m *ContainerManager) Remove(ctx context.Context, name string) error {
	ctr, err := m.client.GetContainer(ctx, name)
	if err != nil {
		if runtime.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspecting container %q: %w", name, err)
	}
	if err := m.client.RemoveContainer(ctx, ctr, true); err != nil && !runtime.IsNotFound(err) {
		return fmt.Errorf("removing container %q: %w", name, err)
	}
	return nil
}

// runOptions derives launch parameters deterministically from the spec.
// Relative bind-mount host paths resolve against the current working
// directory.
func (m *ContainerManager) runOptions(name string, spec config.ContainerSpec, network string) (runtime.RunOptions, error) {
	var binds []string
	for _, vol := range spec.Volumes {
		host := vol.HostPath
		if !filepath.IsAbs(host) {
			abs, err := filepath.Abs(host)
			if err != nil {
				return runtime.RunOptions{}, fmt.Errorf("resolving bind path %q: %w", host, err)
			}
			host = abs
		}
		binds = append(binds, fmt.Sprintf("%s:%s:%s", host, vol.ContainerPath, vol.Mode))
	}

	var ports []runtime.PortBinding
	for _, p := range spec.Ports {
		ports = append(ports, runtime.PortBinding{
			HostPort:      p.HostPort,
			ContainerPort: p.ContainerPort,
		})
	}

	return runtime.RunOptions{
		Name:     name,
		Image:    spec.Image,
		Hostname: spec.Hostname,
		Env:      spec.EnvList(),
		Binds:    binds,
		Ports:    ports,
		Command:  spec.Command,
		Network:  network,
		Labels:   m.labels,
	}, nil
}
