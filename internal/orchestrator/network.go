package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"furnace/internal/runtime"
)

// NetworkManager provides idempotent get-or-create of isolated bridge
// networks. Any engine error other than "not found" during lookup or
// creation is returned to the caller as-is; the orchestrator cannot safely
// proceed without its network namespace guarantees.
type NetworkManager struct {
	client runtime.Client
	labels map[string]string
	log    *slog.Logger
}

func NewNetworkManager(client runtime.Client, labels map[string]string, log *slog.Logger) *NetworkManager {
	return &NetworkManager{client: client, labels: labels, log: log}
}

// Ensure returns the network named name, creating it if absent. Repeated
// calls with the same name return the same underlying network.
func (m *NetworkManager) Ensure(ctx context.Context, name string) (runtime.Network, error) {
	net, err := m.client.GetNetwork(ctx, name)
	if err == nil {
		m.log.Debug("using existing network", "network", name)
		return net, nil
	}
	if !runtime.IsNotFound(err) {
		return runtime.Network{}, fmt.Errorf("inspecting network %q: %w", name, err)
	}

	m.log.Debug("creating network", "network", name)
	created, err := m.client.CreateNetwork(ctx, name, m.labels)
	if err != nil {
		return runtime.Network{}, fmt.Errorf("creating network %q: %w", name, err)
	}
	return created, nil
}

// Remove deletes the network. A network that is already gone is not an
// error.
func (m *NetworkManager) Remove(ctx context.Context, net runtime.Network) error {
	m.log.Debug("removing network", "network", net.Name)
	if err := m.client.RemoveNetwork(ctx, net); err != nil && !runtime.IsNotFound(err) {
		return fmt.Errorf("removing network %q: %w", net.Name, err)
	}
	return nil
}
