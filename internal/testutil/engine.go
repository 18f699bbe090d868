// Package testutil provides the in-memory fake engine the unit tests drive
// rollouts against.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"

	"kiruna/internal/engine"
)

// FakeContainer is one container known to the fake engine.
type FakeContainer struct {
	ID      string
	Name    string
	Image   string
	Running bool
	Ports   nat.PortMap
}

// FakeEngine implements engine.API against in-memory state. It records every
// call for assertions and supports simple error injection.
type FakeEngine struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*FakeContainer
	images     map[string]bool

	Calls   []string
	Pulled  []string
	Created map[string]engine.CreateOptions

	FailCreate error
	FailStart  error
	FailStop   error
	FailPull   error
}

// NewFakeEngine creates an empty fake engine.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		containers: make(map[string]*FakeContainer),
		images:     make(map[string]bool),
		Created:    make(map[string]engine.CreateOptions),
	}
}

// AddRunning registers a running container.
func (f *FakeEngine) AddRunning(name, image string, ports nat.PortMap) *FakeContainer {
	return f.add(name, image, ports, true)
}

// AddStopped registers a stopped container.
func (f *FakeEngine) AddStopped(name, image string) *FakeContainer {
	return f.add(name, image, nil, false)
}

func (f *FakeEngine) add(name, image string, ports nat.PortMap, running bool) *FakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c := &FakeContainer{
		ID:      fmt.Sprintf("fake-%04d", f.nextID),
		Name:    name,
		Image:   image,
		Running: running,
		Ports:   ports,
	}
	f.containers[name] = c
	return c
}

// AddImage registers a local image.
func (f *FakeEngine) AddImage(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = true
}

// Container returns the container with the given name, if any.
func (f *FakeEngine) Container(name string) *FakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[name]
}

// ContainerNames returns the names of all known containers.
func (f *FakeEngine) ContainerNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.containers))
	for name := range f.containers {
		names = append(names, name)
	}
	return names
}

// CallCount returns how many recorded calls start with prefix.
func (f *FakeEngine) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.Calls {
		if len(call) >= len(prefix) && call[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *FakeEngine) record(format string, args ...interface{}) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

func (f *FakeEngine) find(ref string) *FakeContainer {
	if c, ok := f.containers[ref]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.ID == ref {
			return c
		}
	}
	return nil
}

func notFound(op, ref string) error {
	return &engine.Error{Op: op, Ref: ref, NotFound: true, Err: errors.New("no such container")}
}

// InspectContainer implements engine.API
func (f *FakeEngine) InspectContainer(ctx context.Context, ref string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("inspect %s", ref)

	c := f.find(ref)
	if c == nil {
		return types.ContainerJSON{}, notFound("inspect container", ref)
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:   c.ID,
			Name: "/" + c.Name,
			State: &types.ContainerState{
				Running: c.Running,
			},
		},
		Config: &container.Config{Image: c.Image},
		NetworkSettings: &types.NetworkSettings{
			NetworkSettingsBase: types.NetworkSettingsBase{Ports: c.Ports},
		},
	}, nil
}

// CreateContainer implements engine.API
func (f *FakeEngine) CreateContainer(ctx context.Context, opts engine.CreateOptions) (string, error) {
	f.mu.Lock()
	if f.FailCreate != nil {
		f.record("create %s", opts.Name)
		f.mu.Unlock()
		return "", f.FailCreate
	}
	f.record("create %s", opts.Name)
	f.Created[opts.Name] = opts
	f.mu.Unlock()

	c := f.add(opts.Name, opts.Image, opts.PortBindings, false)
	return c.ID, nil
}

// StartContainer implements engine.API
func (f *FakeEngine) StartContainer(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start %s", ref)
	if f.FailStart != nil {
		return f.FailStart
	}
	c := f.find(ref)
	if c == nil {
		return notFound("start container", ref)
	}
	c.Running = true
	return nil
}

// StopContainer implements engine.API
func (f *FakeEngine) StopContainer(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop %s", ref)
	if f.FailStop != nil {
		return f.FailStop
	}
	c := f.find(ref)
	if c == nil {
		return notFound("stop container", ref)
	}
	c.Running = false
	return nil
}

// RemoveContainer implements engine.API
func (f *FakeEngine) RemoveContainer(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove %s", ref)
	c := f.find(ref)
	if c == nil {
		return notFound("remove container", ref)
	}
	delete(f.containers, c.Name)
	return nil
}

// ListContainers implements engine.API
func (f *FakeEngine) ListContainers(ctx context.Context) ([]types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list containers")

	out := make([]types.Container, 0, len(f.containers))
	for _, c := range f.containers {
		state := "exited"
		if c.Running {
			state = "running"
		}
		out = append(out, types.Container{
			ID:    c.ID,
			Names: []string{"/" + c.Name},
			Image: c.Image,
			State: state,
		})
	}
	return out, nil
}

// ContainerLogs implements engine.API
func (f *FakeEngine) ContainerLogs(ctx context.Context, ref string, tail int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("logs %s", ref)
	if f.find(ref) == nil {
		return "", notFound("container logs", ref)
	}
	return "fake container output\n", nil
}

// InspectImage implements engine.API
func (f *FakeEngine) InspectImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("inspect image %s", ref)
	if !f.images[ref] {
		return &engine.Error{Op: "inspect image", Ref: ref, NotFound: true, Err: errors.New("no such image")}
	}
	return nil
}

// PullImage implements engine.API
func (f *FakeEngine) PullImage(ctx context.Context, opts engine.PullOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := opts.Ref()
	f.record("pull %s", ref)
	if f.FailPull != nil {
		return f.FailPull
	}
	f.Pulled = append(f.Pulled, ref)
	f.images[opts.FromImage+":"+opts.Tag] = true
	f.images[ref] = true
	return nil
}

// ListImages implements engine.API
func (f *FakeEngine) ListImages(ctx context.Context) ([]types.ImageSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list images")

	out := make([]types.ImageSummary, 0, len(f.images))
	i := 0
	for ref := range f.images {
		out = append(out, types.ImageSummary{
			ID:       fmt.Sprintf("img-%04d", i),
			RepoTags: []string{ref},
		})
		i++
	}
	return out, nil
}

// RemoveImage implements engine.API
func (f *FakeEngine) RemoveImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove image %s", ref)
	if !f.images[ref] {
		return &engine.Error{Op: "remove image", Ref: ref, NotFound: true, Err: errors.New("no such image")}
	}
	delete(f.images, ref)
	return nil
}
