package harness

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/pkg/errors"
)

// DockerNode is one real core-node process running in its own container,
// reachable over a loopback port the Docker daemon published for it.
type DockerNode struct {
	ID            int
	ContainerID   string
	HostPort      string
}

// DockerCluster runs a multi-member set as real containers instead of
// in-process Contexts, for the CORE_DOCKER_IT=1 variant of the cluster
// scenarios: it exercises the actual cmd/core-node binary and its real
// process lifecycle/signal handling, which the in-process Cluster never
// touches.
type DockerCluster struct {
	cli   *client.Client
	image string
	nodes []*DockerNode
}

// DockerClusterConfig names the image (already built and available to the
// local daemon) and how many members to start.
type DockerClusterConfig struct {
	Image     string
	NodeCount int
}

// NewDockerCluster starts NodeCount containers from cfg.Image, each
// running `core-node --config /etc/core/config.yaml`, and waits for each
// one's admin port to accept a TCP connection before returning.
func NewDockerCluster(ctx context.Context, cfg DockerClusterConfig) (*DockerCluster, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "harness: connect to docker daemon")
	}

	dc := &DockerCluster{cli: cli, image: cfg.Image}
	for i := 1; i <= cfg.NodeCount; i++ {
		n, err := dc.startNode(ctx, i)
		if err != nil {
			dc.Close(ctx)
			return nil, errors.Wrapf(err, "harness: start container for node %d", i)
		}
		dc.nodes = append(dc.nodes, n)
	}

	for _, n := range dc.nodes {
		if err := waitForTCP(ctx, n.HostPort, 30*time.Second); err != nil {
			dc.Close(ctx)
			return nil, errors.Wrapf(err, "harness: node %d never became reachable", n.ID)
		}
	}
	return dc, nil
}

func (dc *DockerCluster) startNode(ctx context.Context, id int) (*DockerNode, error) {
	const adminPort = "27019/tcp"
	resp, err := dc.cli.ContainerCreate(ctx, &container.Config{
		Image:        dc.image,
		Cmd:          []string{"core-node", "--config", "/etc/core/config.yaml", fmt.Sprintf("--node-id=%d", id)},
		ExposedPorts: nat.PortSet{nat.Port(adminPort): struct{}{}},
	}, &container.HostConfig{
		PortBindings: nat.PortMap{nat.Port(adminPort): []nat.PortBinding{{HostIP: "127.0.0.1"}}},
		AutoRemove:   true,
	}, nil, nil, fmt.Sprintf("core-node-it-%d", id))
	if err != nil {
		return nil, err
	}
	if err := dc.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, err
	}

	info, err := dc.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, err
	}
	bindings := info.NetworkSettings.Ports[nat.Port(adminPort)]
	if len(bindings) == 0 {
		return nil, errors.Errorf("harness: node %d published no admin port", id)
	}
	return &DockerNode{ID: id, ContainerID: resp.ID, HostPort: net.JoinHostPort("127.0.0.1", bindings[0].HostPort)}, nil
}

// Close stops and removes every container; errors are collected but
// every container is attempted regardless of earlier failures.
func (dc *DockerCluster) Close(ctx context.Context) error {
	var firstErr error
	for _, n := range dc.nodes {
		timeout := 5
		if err := dc.cli.ContainerStop(ctx, n.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func waitForTCP(ctx context.Context, addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := (&net.Dialer{Timeout: time.Second}).DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return errors.Errorf("harness: %s never accepted a connection", addr)
}

