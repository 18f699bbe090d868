package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"kiruna/internal/constants"
	"kiruna/internal/logger"
	"kiruna/internal/queue"
)

// Client implements API over the Docker SDK. All calls are serialized
// through one queue; the SDK client is never hit concurrently.
type Client struct {
	api   *client.Client
	queue *queue.Serial
}

// NewClient connects to the engine using the standard environment settings.
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client: %w", err)
	}

	return &Client{
		api:   cli,
		queue: queue.NewSerial("engine"),
	}, nil
}

// Close stops the call queue.
func (c *Client) Close() {
	c.queue.Close()
}

// InspectContainer looks up a container by name or ID
func (c *Client) InspectContainer(ctx context.Context, ref string) (types.ContainerJSON, error) {
	var info types.ContainerJSON
	err := c.queue.Do(ctx, func(ctx context.Context) error {
		var err error
		info, err = c.api.ContainerInspect(ctx, ref)
		return decorate("inspect container", ref, err)
	})
	return info, err
}

// CreateContainer creates a container and returns its ID
func (c *Client) CreateContainer(ctx context.Context, opts CreateOptions) (string, error) {
	var id string
	err := c.queue.Do(ctx, func(ctx context.Context) error {
		cfg := &container.Config{
			Image:        opts.Image,
			Env:          opts.Env,
			Cmd:          opts.Cmd,
			ExposedPorts: opts.ExposedPorts,
		}
		hostCfg := &container.HostConfig{
			PortBindings:    opts.PortBindings,
			PublishAllPorts: opts.PublishAllPorts,
			Links:           opts.Links,
			Binds:           opts.Binds,
		}

		resp, err := c.api.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, opts.Name)
		if err != nil {
			return decorate("create container", opts.Name, err)
		}
		id = resp.ID

		logger.WithFields(logger.Fields{
			"container": opts.Name,
			"image":     opts.Image,
			"id":        shortID(id),
		}).Info("Container created")
		return nil
	})
	return id, err
}

// StartContainer starts a created container
func (c *Client) StartContainer(ctx context.Context, ref string) error {
	return c.queue.Do(ctx, func(ctx context.Context) error {
		err := c.api.ContainerStart(ctx, ref, types.ContainerStartOptions{})
		return decorate("start container", ref, err)
	})
}

// StopContainer stops a running container
func (c *Client) StopContainer(ctx context.Context, ref string) error {
	return c.queue.Do(ctx, func(ctx context.Context) error {
		timeout := int(constants.StopTimeout.Seconds())
		err := c.api.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout})
		return decorate("stop container", ref, err)
	})
}

// RemoveContainer force-removes a container
func (c *Client) RemoveContainer(ctx context.Context, ref string) error {
	return c.queue.Do(ctx, func(ctx context.Context) error {
		err := c.api.ContainerRemove(ctx, ref, types.ContainerRemoveOptions{Force: true})
		return decorate("remove container", ref, err)
	})
}

// ListContainers lists all containers, including stopped ones
func (c *Client) ListContainers(ctx context.Context) ([]types.Container, error) {
	var containers []types.Container
	err := c.queue.Do(ctx, func(ctx context.Context) error {
		var err error
		containers, err = c.api.ContainerList(ctx, types.ContainerListOptions{All: true})
		return decorate("list containers", "", err)
	})
	return containers, err
}

// ContainerLogs returns the last tail lines of a container's output
func (c *Client) ContainerLogs(ctx context.Context, ref string, tail int) (string, error) {
	var logs string
	err := c.queue.Do(ctx, func(ctx context.Context) error {
		reader, err := c.api.ContainerLogs(ctx, ref, types.ContainerLogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Tail:       fmt.Sprintf("%d", tail),
		})
		if err != nil {
			return decorate("container logs", ref, err)
		}
		defer reader.Close()

		out, err := io.ReadAll(io.LimitReader(reader, 1<<20))
		if err != nil {
			return decorate("container logs", ref, err)
		}
		logs = string(out)
		return nil
	})
	return logs, err
}

// InspectImage verifies an image is available locally
func (c *Client) InspectImage(ctx context.Context, ref string) error {
	return c.queue.Do(ctx, func(ctx context.Context) error {
		_, _, err := c.api.ImageInspectWithRaw(ctx, ref)
		return decorate("inspect image", ref, err)
	})
}

// PullImage pulls an image, draining the progress stream to completion
func (c *Client) PullImage(ctx context.Context, opts PullOptions) error {
	return c.queue.Do(ctx, func(ctx context.Context) error {
		ref := opts.Ref()
		logger.WithField("image", ref).Info("Pulling image")

		reader, err := c.api.ImagePull(ctx, ref, types.ImagePullOptions{})
		if err != nil {
			return decorate("pull image", ref, err)
		}
		defer reader.Close()

		// The pull completes when the progress stream ends; a broken stream
		// fails the pull.
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return decorate("pull image", ref, err)
		}

		logger.WithField("image", ref).Info("Image pulled")
		return nil
	})
}

// ListImages lists local images
func (c *Client) ListImages(ctx context.Context) ([]types.ImageSummary, error) {
	var images []types.ImageSummary
	err := c.queue.Do(ctx, func(ctx context.Context) error {
		var err error
		images, err = c.api.ImageList(ctx, types.ImageListOptions{})
		return decorate("list images", "", err)
	})
	return images, err
}

// RemoveImage removes an image by reference
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	return c.queue.Do(ctx, func(ctx context.Context) error {
		_, err := c.api.ImageRemove(ctx, ref, types.ImageRemoveOptions{})
		return decorate("remove image", ref, err)
	})
}

// shortID trims a container ID for logging.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
