// Package service implements the per-service rollout state machine. Every
// mutating step of a service runs on its own serial work queue, so two
// rollouts of the same service can never interleave. Services publish
// started, allStarted and stopped events; linked dependents subscribe and
// react, which is how stop cascades and start resumption propagate across
// the graph.
package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"

	"kiruna/internal/config"
	"kiruna/internal/constants"
	"kiruna/internal/engine"
	"kiruna/internal/logger"
	"kiruna/internal/queue"
	"kiruna/internal/runner"
)

// Host is what a service needs from the application that owns it.
type Host interface {
	// StopDependents stops, in reverse dependency order, every service that
	// depends on svc.
	StopDependents(ctx context.Context, svc *Service) error

	// StopAndRemoveContainer stops and removes one container, treating
	// missing containers as success.
	StopAndRemoveContainer(ctx context.Context, ref string) error

	// Stopping reports whether the owning application is being torn down.
	Stopping() bool
}

// Service is the runtime object for one manifest entry.
type Service struct {
	Spec *config.ServiceSpec

	host    Host
	eng     engine.API
	pub     runner.Publisher
	version string
	hash    string
	queue   *queue.Serial
	log     *logrus.Entry

	// directDeps preserves the manifest's dependency tokens with aliases;
	// deps is the linked transitive closure, sorted by name.
	directDeps []*Service
	aliases    map[string]string
	deps       []*Service

	// mu guards the mutable rollout state. The work queue serializes all
	// writers; the mutex makes cross-service and status-server reads safe.
	mu             sync.Mutex
	runners        []*runner.Runner
	recentFailures int
	launched       bool
	stopping       bool
	quarantined    bool

	startedFns    []func(*Service)
	allStartedFns []func(*Service)
	stoppedFns    []func(*Service)
}

// New creates a service for a spec. Dependencies are linked separately once
// all services of the application exist.
func New(spec *config.ServiceSpec, host Host, eng engine.API, pub runner.Publisher, version string) *Service {
	return &Service{
		Spec:    spec,
		host:    host,
		eng:     eng,
		pub:     pub,
		version: version,
		hash:    SpecHash(spec, version),
		queue:   queue.NewSerial("service:" + spec.Name),
		aliases: make(map[string]string),
		log:     logger.WithField("service", spec.Name),
	}
}

// Name returns the service name.
func (s *Service) Name() string {
	return s.Spec.Name
}

// Hash returns the generation hash of the current spec.
func (s *Service) Hash() string {
	return s.hash
}

// ContainerName returns the canonical container name for one replica index.
func (s *Service) ContainerName(index int) string {
	return ContainerName(s.Spec, s.version, index)
}

// Close releases the work queue.
func (s *Service) Close() {
	s.queue.Close()
}

// OnStarted subscribes to the service's started event (first replica up).
func (s *Service) OnStarted(fn func(*Service)) {
	s.startedFns = append(s.startedFns, fn)
}

// OnAllStarted subscribes to the allStarted event (every replica up).
func (s *Service) OnAllStarted(fn func(*Service)) {
	s.allStartedFns = append(s.allStartedFns, fn)
}

// OnStopped subscribes to the stopped event (no replica running).
func (s *Service) OnStopped(fn func(*Service)) {
	s.stoppedFns = append(s.stoppedFns, fn)
}

// LinkDependencies resolves the spec's dependency tokens against the
// application's services and takes the union with each direct dependency's
// already-linked transitive closure. The application links services in
// dependency order, so a direct dependency is always linked before its
// dependents. Subscriptions are wired here and never change afterwards.
func (s *Service) LinkDependencies(services map[string]*Service) error {
	seen := make(map[string]*Service)
	for _, token := range s.Spec.Dependencies {
		name, alias := ParseDependency(token)
		dep, ok := services[name]
		if !ok {
			return fmt.Errorf("service %s depends on unknown service %s", s.Name(), name)
		}
		s.directDeps = append(s.directDeps, dep)
		s.aliases[name] = alias
		seen[name] = dep
		for _, transitive := range dep.deps {
			seen[transitive.Name()] = transitive
		}
	}

	s.deps = make([]*Service, 0, len(seen))
	for _, dep := range seen {
		s.deps = append(s.deps, dep)
	}
	sort.Slice(s.deps, func(i, j int) bool {
		return s.deps[i].Name() < s.deps[j].Name()
	})

	for _, dep := range s.deps {
		dep.OnStarted(s.onDependencyStarted)
		dep.OnStopped(s.onDependencyStopped)
	}
	return nil
}

// Dependencies returns the linked transitive closure.
func (s *Service) Dependencies() []*Service {
	return s.deps
}

// DependsOn reports whether other is among this service's transitive
// dependencies.
func (s *Service) DependsOn(other *Service) bool {
	for _, dep := range s.deps {
		if dep == other {
			return true
		}
	}
	return false
}

// Running reports whether at least one replica is up.
func (s *Service) Running() bool {
	return s.runningCount() > 0
}

// Up reports whether the service needs no further work: disabled, or every
// replica running.
func (s *Service) Up() bool {
	if !s.Spec.IsEnabled() {
		return true
	}
	return s.runningCount() == s.Spec.Scale
}

// RunnerIDs returns the engine IDs of the current runners.
func (s *Service) RunnerIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runners))
	for _, r := range s.runners {
		if id := r.ID(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// RunningCount returns how many replicas are currently up.
func (s *Service) RunningCount() int {
	return s.runningCount()
}

func (s *Service) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.runners {
		if r.Running() {
			n++
		}
	}
	return n
}

// Release detaches the service from its containers without stopping them:
// runners skip their remaining ticks and nothing is restarted. The
// superseding application adopts the containers that still run.
func (s *Service) Release() {
	s.mu.Lock()
	s.stopping = true
	released := s.runners
	s.runners = nil
	s.mu.Unlock()

	for _, r := range released {
		r.MarkStopping()
	}
}

// PullImage makes the service's image available locally. An image already
// present is not pulled again.
func (s *Service) PullImage(ctx context.Context) error {
	ref := s.Spec.ImageRef()
	if err := s.eng.InspectImage(ctx, ref); err == nil {
		s.log.WithField("image", ref).Debug("Image already present")
		return nil
	}

	if err := s.eng.PullImage(ctx, engine.PullOptions{
		FromImage: s.Spec.Image,
		Tag:       s.Spec.Tag,
		Registry:  s.Spec.Registry,
	}); err != nil {
		return err
	}

	// Confirm the pull actually made the image available.
	if err := s.eng.InspectImage(ctx, ref); err != nil {
		return fmt.Errorf("image %s missing after pull: %w", ref, err)
	}
	return nil
}

// Launch reconciles the service toward its spec: adopt what already runs,
// clear the old generation on a hard deploy, then create and start the rest.
func (s *Service) Launch(ctx context.Context) error {
	return s.queue.Do(ctx, func(ctx context.Context) error {
		s.collectRunningContainers(ctx)

		if len(s.runners) == 0 && s.Spec.HardDeploy {
			s.log.Info("Hard deploy, stopping previous generation first")
			if err := s.stopInline(ctx); err != nil {
				s.log.WithError(err).Warn("Hard deploy pre-stop failed")
			}
		}

		s.mu.Lock()
		s.launched = true
		s.mu.Unlock()
		return s.startContainers(ctx)
	})
}

// Stop stops the service: dependents first, then every owned container.
func (s *Service) Stop(ctx context.Context) error {
	return s.queue.Do(ctx, s.stopInline)
}

// collectRunningContainers adopts every replica whose canonical container
// already runs. Missing or exited containers are left for startContainers.
func (s *Service) collectRunningContainers(ctx context.Context) {
	for i := 0; i < s.Spec.Scale; i++ {
		if s.runnerForIndex(i) != nil {
			continue
		}
		name := s.ContainerName(i)
		info, err := s.eng.InspectContainer(ctx, name)
		if err != nil || info.State == nil || !info.State.Running {
			continue
		}
		s.log.WithField("container", name).Info("Adopting running container")
		s.adopt(i, name)
	}
}

// startContainers brings every replica up, in index order. It is a no-op
// when all replicas already run, and backs off when a dependency is down;
// the dependency's started event re-runs it.
func (s *Service) startContainers(ctx context.Context) error {
	s.mu.Lock()
	stopping, quarantined := s.stopping, s.quarantined
	s.mu.Unlock()

	if s.host.Stopping() || stopping {
		return nil
	}
	if quarantined {
		s.log.Error("Service is quarantined, not restarting")
		return nil
	}

	for _, dep := range s.deps {
		if !dep.Running() {
			s.log.WithField("dependency", dep.Name()).Info("Waiting for dependency before start")
			return nil
		}
	}

	for i := 0; i < s.Spec.Scale; i++ {
		if s.runnerForIndex(i) != nil {
			continue
		}
		if err := s.startContainer(ctx, i); err != nil {
			return fmt.Errorf("failed to start %s replica %d: %w", s.Name(), i, err)
		}
	}
	return nil
}

func (s *Service) startContainer(ctx context.Context, index int) error {
	name := s.ContainerName(index)

	info, err := s.eng.InspectContainer(ctx, name)
	switch {
	case err == nil && info.State != nil && info.State.Running:
		s.adopt(index, name)
		return nil
	case err == nil:
		// Exists but is not running: recreate from scratch.
		if err := s.eng.RemoveContainer(ctx, name); err != nil && !engine.IsNotFound(err) {
			return err
		}
	case !engine.IsNotFound(err):
		return err
	}

	if _, err := s.eng.CreateContainer(ctx, s.createOptions(name)); err != nil {
		return err
	}
	if err := s.eng.StartContainer(ctx, name); err != nil {
		return err
	}
	s.adopt(index, name)
	return nil
}

// adopt wires a runner for one live container.
func (s *Service) adopt(index int, ref string) {
	r := runner.New(s.eng, s.publisher(), s.Spec, index, ref, runner.Events{
		Started: s.onRunnerStarted,
		Stopped: s.onRunnerStopped,
	})
	s.mu.Lock()
	s.runners = append(s.runners, r)
	s.mu.Unlock()
}

func (s *Service) publisher() runner.Publisher {
	if !s.Spec.DoRegister() {
		return nil
	}
	return s.pub
}

func (s *Service) runnerForIndex(index int) *runner.Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runners {
		if r.Index() == index {
			return r
		}
	}
	return nil
}

// createOptions maps the spec onto engine create options.
func (s *Service) createOptions(name string) engine.CreateOptions {
	opts := engine.CreateOptions{
		Name:            name,
		Image:           s.Spec.ImageRef(),
		Cmd:             s.Spec.Cmd,
		PublishAllPorts: s.Spec.PublishAllPorts,
	}

	for key, value := range s.Spec.Environment {
		opts.Env = append(opts.Env, key+"="+value)
	}
	sort.Strings(opts.Env)

	if len(s.Spec.Expose) > 0 {
		opts.ExposedPorts = nat.PortSet{}
		for _, port := range s.Spec.Expose {
			opts.ExposedPorts[normalizePort(port)] = struct{}{}
		}
	}

	if len(s.Spec.Ports) > 0 {
		opts.PortBindings = nat.PortMap{}
		for containerPort, host := range s.Spec.Ports {
			ip := host.Ip
			if ip == "" {
				ip = "0.0.0.0"
			}
			opts.PortBindings[normalizePort(containerPort)] = []nat.PortBinding{
				{HostIP: ip, HostPort: host.Port},
			}
		}
	}

	for _, dep := range s.directDeps {
		alias := s.aliases[dep.Name()]
		opts.Links = append(opts.Links, dep.ContainerName(0)+":"+alias)
	}

	for containerPath, hostPath := range s.Spec.Volumes {
		opts.Binds = append(opts.Binds, hostPath+":"+containerPath)
	}
	sort.Strings(opts.Binds)

	return opts
}

// stopInline is the stop sequence run on the work queue: release runners,
// stop dependents, then remove every owned container of any generation.
func (s *Service) stopInline(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	released := s.runners
	s.runners = nil
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.stopping = false
		s.mu.Unlock()
	}()

	for _, r := range released {
		r.MarkStopping()
	}

	if err := s.host.StopDependents(ctx, s); err != nil {
		s.log.WithError(err).Warn("Failed to stop dependent services")
	}

	return s.stopOldContainers(ctx, true)
}

// stopOldContainers removes this service's containers from previous
// generations. With force, the current generation goes too. Names with more
// than one slash are link aliases of other containers, not containers.
func (s *Service) stopOldContainers(ctx context.Context, force bool) error {
	containers, err := s.eng.ListContainers(ctx)
	if err != nil {
		return err
	}

	prefix := s.Name() + "-"
	for _, c := range containers {
		if len(c.Names) == 0 {
			continue
		}
		raw := c.Names[0]
		name := strings.TrimPrefix(raw, "/")

		if !strings.HasPrefix(name, prefix) || !IsOwned(name) {
			continue
		}
		if strings.Count(raw, "/") > 1 {
			continue
		}
		if !force && strings.Contains(name, s.hash) {
			continue
		}

		s.log.WithField("container", name).Info("Retiring container")
		if err := s.host.StopAndRemoveContainer(ctx, c.ID); err != nil {
			s.log.WithFields(logger.Fields{"container": name}).WithError(err).Warn("Failed to retire container")
		}
	}
	return nil
}

// onRunnerStarted aggregates runner starts into service-level events.
func (s *Service) onRunnerStarted(r *runner.Runner) {
	s.queue.Enqueue(func(ctx context.Context) error {
		s.mu.Lock()
		if s.recentFailures > 0 {
			s.recentFailures--
		}
		s.mu.Unlock()

		running := s.runningCount()
		if running == 1 {
			s.emit(s.startedFns)
		}
		if running == s.Spec.Scale {
			s.log.Info("All replicas running")
			s.emit(s.allStartedFns)
			s.scheduleRetire()
		}
		return nil
	})
}

// scheduleRetire retires the previous generation once the new one has
// settled. Without a settle timeout the old generation goes immediately.
func (s *Service) scheduleRetire() {
	settle := s.Spec.SettleTimeout()
	retire := func(ctx context.Context) error {
		return s.stopOldContainers(ctx, false)
	}

	if settle <= 0 {
		s.queue.Enqueue(retire)
		return
	}
	time.AfterFunc(settle, func() {
		s.queue.Enqueue(retire)
	})
}

// onRunnerStopped replaces a lost container, up to the failure budget.
func (s *Service) onRunnerStopped(r *runner.Runner) {
	s.queue.Enqueue(func(ctx context.Context) error {
		s.mu.Lock()
		for i, existing := range s.runners {
			if existing == r {
				s.runners = append(s.runners[:i], s.runners[i+1:]...)
				break
			}
		}
		s.recentFailures++
		failures := s.recentFailures
		s.mu.Unlock()

		if s.runningCount() == 0 {
			s.emit(s.stoppedFns)
		}

		if failures > constants.MaxFailures {
			s.mu.Lock()
			first := !s.quarantined
			s.quarantined = true
			s.mu.Unlock()
			if first {
				s.log.WithField("failures", failures).Error("Too many failures, service quarantined until next configuration change")
			}
			return nil
		}

		return s.startContainers(ctx)
	})
}

// onDependencyStarted resumes a launch that was waiting for the dependency.
func (s *Service) onDependencyStarted(dep *Service) {
	s.queue.Enqueue(func(ctx context.Context) error {
		s.mu.Lock()
		launched := s.launched
		s.mu.Unlock()
		if !launched {
			return nil
		}
		s.log.WithField("dependency", dep.Name()).Debug("Dependency started, resuming start")
		return s.startContainers(ctx)
	})
}

// onDependencyStopped cascades a dependency loss into a stop of this
// service.
func (s *Service) onDependencyStopped(dep *Service) {
	s.queue.Enqueue(func(ctx context.Context) error {
		s.log.WithField("dependency", dep.Name()).Info("Dependency stopped, stopping service")
		return s.stopInline(ctx)
	})
}

func (s *Service) emit(fns []func(*Service)) {
	for _, fn := range fns {
		fn(s)
	}
}

// normalizePort appends the default protocol to a bare port number.
func normalizePort(spec string) nat.Port {
	if !strings.Contains(spec, "/") {
		spec = spec + "/tcp"
	}
	return nat.Port(spec)
}
