package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// DockerClient implements Client against a real Docker engine.
type DockerClient struct {
	cli *client.Client
}

// NewDockerClient connects to the engine using the standard environment
// (DOCKER_HOST etc.) and verifies the connection with a ping.
func NewDockerClient(ctx context.Context) (*DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating Docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("pinging Docker daemon: %w", err)
	}
	return &DockerClient{cli: cli}, nil
}

// wrapNotFound folds the engine's not-found errors into ErrNotFound so
// callers can classify without importing engine packages.
func wrapNotFound(err error) error {
	if err != nil && errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func (d *DockerClient) GetNetwork(ctx context.Context, name string) (Network, error) {
	resp, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		return Network{}, wrapNotFound(err)
	}
	return Network{ID: resp.ID, Name: resp.Name}, nil
}

func (d *DockerClient) CreateNetwork(ctx context.Context, name string, labels map[string]string) (Network, error) {
	resp, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: labels,
	})
	if err != nil {
		return Network{}, err
	}
	return Network{ID: resp.ID, Name: name}, nil
}

func (d *DockerClient) RemoveNetwork(ctx context.Context, net Network) error {
	return wrapNotFound(d.cli.NetworkRemove(ctx, net.ID))
}

func (d *DockerClient) Connect(ctx context.Context, net Network, ctr Container) error {
	return wrapNotFound(d.cli.NetworkConnect(ctx, net.ID, ctr.ID, nil))
}

func (d *DockerClient) GetContainer(ctx context.Context, name string) (Container, error) {
	resp, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return Container{}, wrapNotFound(err)
	}
	return Container{ID: resp.ID, Name: strings.TrimPrefix(resp.Name, "/")}, nil
}

func (d *DockerClient) RunContainer(ctx context.Context, opts RunOptions) (Container, error) {
	exposed, bindings := portMaps(opts.Ports)

	cfg := &container.Config{
		Image:        opts.Image,
		Hostname:     opts.Hostname,
		Env:          opts.Env,
		Cmd:          opts.Command,
		Labels:       opts.Labels,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		Binds:        opts.Binds,
		PortBindings: bindings,
	}
	var netCfg *network.NetworkingConfig
	if opts.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				opts.Network: {},
			},
		}
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, opts.Name)
	if err != nil {
		return Container{}, fmt.Errorf("creating container %q: %w", opts.Name, err)
	}
	ctr := Container{ID: created.ID, Name: opts.Name}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Don't leave a created-but-never-started container behind.
		_ = d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return Container{}, fmt.Errorf("starting container %q: %w", opts.Name, err)
	}
	return ctr, nil
}

func (d *DockerClient) RemoveContainer(ctx context.Context, ctr Container, force bool) error {
	return wrapNotFound(d.cli.ContainerRemove(ctx, ctr.ID, container.RemoveOptions{Force: force}))
}

func (d *DockerClient) StopContainer(ctx context.Context, ctr Container) error {
	return wrapNotFound(d.cli.ContainerStop(ctx, ctr.ID, container.StopOptions{}))
}

func (d *DockerClient) ContainerStatus(ctx context.Context, ctr Container) (string, error) {
	resp, err := d.cli.ContainerInspect(ctx, ctr.ID)
	if err != nil {
		return "", wrapNotFound(err)
	}
	return resp.State.Status, nil
}

func (d *DockerClient) StreamLogs(ctx context.Context, ctr Container) (io.ReadCloser, error) {
	rc, err := d.cli.ContainerLogs(ctx, ctr.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, wrapNotFound(err)
	}

	// Containers run without a TTY, so the stream is multiplexed; demux
	// stdout and stderr into a single plain byte stream.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(err)
	}()
	return &demuxStream{pr: pr, src: rc}, nil
}

func (d *DockerClient) Close() error {
	return d.cli.Close()
}

type demuxStream struct {
	pr  *io.PipeReader
	src io.ReadCloser
}

func (s *demuxStream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

func (s *demuxStream) Close() error {
	s.src.Close()
	return s.pr.Close()
}

func portMaps(ports []PortBinding) (nat.PortSet, nat.PortMap) {
	if len(ports) == 0 {
		return nil, nil
	}
	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for _, p := range ports {
		port := nat.Port(strconv.Itoa(p.ContainerPort) + "/tcp")
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(p.HostPort),
		}}
	}
	return exposed, bindings
}
