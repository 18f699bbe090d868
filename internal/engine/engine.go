// Package engine is the serialized façade over the container engine. Every
// call funnels through one FIFO queue, so at most one engine request is in
// flight at a time and failures diagnose deterministically. Missing
// containers and images are normalized into the NotFound flag instead of
// surfacing as raw API errors.
package engine

import (
	"context"

	"github.com/docker/docker/api/types"
	"github.com/docker/go-connections/nat"
)

// CreateOptions holds everything needed to create and wire one container.
type CreateOptions struct {
	Name            string
	Image           string
	Env             []string
	Cmd             []string
	ExposedPorts    nat.PortSet
	PortBindings    nat.PortMap
	PublishAllPorts bool
	Links           []string
	Binds           []string
}

// PullOptions identifies an image to pull.
type PullOptions struct {
	FromImage string
	Tag       string
	Registry  string
}

// Ref returns the full image reference for the pull.
func (o PullOptions) Ref() string {
	image := o.FromImage
	if o.Registry != "" {
		image = o.Registry + "/" + image
	}
	if o.Tag == "" {
		return image
	}
	return image + ":" + o.Tag
}

// API is the set of engine primitives the daemon uses. The concrete Client
// implements it over the Docker SDK; tests substitute a fake.
type API interface {
	// InspectContainer looks up a container by name or ID.
	InspectContainer(ctx context.Context, ref string) (types.ContainerJSON, error)

	// CreateContainer creates a container and returns its ID.
	CreateContainer(ctx context.Context, opts CreateOptions) (string, error)

	// StartContainer starts a created container.
	StartContainer(ctx context.Context, ref string) error

	// StopContainer stops a running container.
	StopContainer(ctx context.Context, ref string) error

	// RemoveContainer force-removes a container.
	RemoveContainer(ctx context.Context, ref string) error

	// ListContainers lists all containers, including stopped ones.
	ListContainers(ctx context.Context) ([]types.Container, error)

	// ContainerLogs returns the last tail lines of a container's output.
	ContainerLogs(ctx context.Context, ref string, tail int) (string, error)

	// InspectImage verifies an image is available locally.
	InspectImage(ctx context.Context, ref string) error

	// PullImage pulls an image, consuming the progress stream to completion.
	PullImage(ctx context.Context, opts PullOptions) error

	// ListImages lists local images.
	ListImages(ctx context.Context) ([]types.ImageSummary, error)

	// RemoveImage removes an image by reference.
	RemoveImage(ctx context.Context, ref string) error
}
