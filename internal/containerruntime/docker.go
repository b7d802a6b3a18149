package containerruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// DockerRuntime implements Runtime over the Docker Engine API, decoding the
// Engine's typed stats response directly for the CPU-percent computation.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the daemon at host (empty uses the SDK's
// environment-derived default) and verifies connectivity.
func NewDockerRuntime(ctx context.Context, host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

func (r *DockerRuntime) Run(ctx context.Context, spec RunSpec) (Handle, error) {
	var binds []string
	for host, inContainer := range spec.Volumes {
		binds = append(binds, host+":"+inContainer)
	}

	cfg := &container.Config{
		Image: spec.Image,
		Cmd:   spec.Command,
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			CpusetCpus: spec.CPUSet,
		},
		Binds: binds,
	}
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return Handle{}, fmt.Errorf("create %s: %w", spec.Name, err)
	}
	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return Handle{}, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	return Handle{ID: created.ID, Name: spec.Name}, nil
}

func (r *DockerRuntime) Stats(ctx context.Context, name string) (<-chan Sample, <-chan error) {
	samples := make(chan Sample)
	errs := make(chan error, 1)

	go func() {
		defer close(samples)
		defer close(errs)

		resp, err := r.cli.ContainerStats(ctx, name, true)
		if err != nil {
			if client.IsErrNotFound(err) {
				errs <- &ErrNotFound{Name: name}
			} else {
				errs <- err
			}
			return
		}
		defer resp.Body.Close()

		dec := json.NewDecoder(resp.Body)
		for {
			var raw container.StatsResponse
			if err := dec.Decode(&raw); err != nil {
				if err == io.EOF {
					errs <- &ErrNotFound{Name: name}
				} else {
					errs <- err
				}
				return
			}

			select {
			case samples <- Sample{
				CPUTotalUsage:    raw.CPUStats.CPUUsage.TotalUsage,
				PreCPUTotalUsage: raw.PreCPUStats.CPUUsage.TotalUsage,
				SystemCPUUsage:   raw.CPUStats.SystemUsage,
				PreSystemUsage:   raw.PreCPUStats.SystemUsage,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return samples, errs
}

func (r *DockerRuntime) List(ctx context.Context) ([]Handle, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, err
	}
	out := make([]Handle, 0, len(containers))
	for _, c := range containers {
		name := strings.TrimPrefix(firstOrEmpty(c.Names), "/")
		out = append(out, Handle{ID: c.ID, Name: name})
	}
	return out, nil
}

func (r *DockerRuntime) Remove(ctx context.Context, name string) error {
	err := r.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}
