// Package runner owns one live engine container from adoption until its
// terminal stop. Each runner drives a sequential watch loop: inspect, probe,
// publish, reschedule. The loop emits two edge-triggered events, started and
// stopped, and each fires at most once.
package runner

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"

	"kiruna/internal/config"
	"kiruna/internal/constants"
	"kiruna/internal/engine"
	"kiruna/internal/health"
	"kiruna/internal/logger"
)

// Publisher writes a container's endpoints into the registry. Nil disables
// registration.
type Publisher interface {
	PublishContainer(ctx context.Context, service string, index int, ports nat.PortMap) error
}

// Events carries the runner's lifecycle callbacks. Started fires once after
// the first healthy check; Stopped fires once when the runner is terminal.
type Events struct {
	Started func(*Runner)
	Stopped func(*Runner)
}

// Runner watches one engine container.
type Runner struct {
	eng    engine.API
	pub    Publisher
	spec   *config.ServiceSpec
	index  int
	ref    string
	events Events
	log    *logrus.Entry

	fastInterval   time.Duration
	steadyInterval time.Duration

	mu             sync.Mutex
	id             string
	name           string
	started        bool
	stopped        bool
	stopping       bool
	logsAttached   bool
	healthFailures int
	interval       time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New adopts the container referenced by ref and starts its watch loop.
func New(eng engine.API, pub Publisher, spec *config.ServiceSpec, index int, ref string, events Events) *Runner {
	r := &Runner{
		eng:            eng,
		pub:            pub,
		spec:           spec,
		index:          index,
		ref:            ref,
		events:         events,
		fastInterval:   constants.WatchIntervalFast,
		steadyInterval: constants.WatchIntervalSteady,
		interval:       constants.WatchIntervalFast,
		stopCh:         make(chan struct{}),
		log: logger.WithFields(logger.Fields{
			"service":   spec.Name,
			"container": ref,
			"index":     index,
		}),
	}
	go r.watch()
	return r
}

// Name returns the engine-assigned container name, cached at adoption.
func (r *Runner) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.name != "" {
		return r.name
	}
	return r.ref
}

// ID returns the engine container ID.
func (r *Runner) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// Index returns the replica index within the service.
func (r *Runner) Index() int {
	return r.index
}

// Running reports whether the container has started and not yet stopped.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started && !r.stopped
}

// MarkStopping makes the runner skip all remaining ticks. No stopped event
// is emitted; the runner is being released, not lost.
func (r *Runner) MarkStopping() {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// watch is the runner's sequential loop. At most one inspect and probe is in
// flight per runner.
func (r *Runner) watch() {
	ctx := context.Background()

	// One inspect up front to cache the engine-assigned name.
	info, err := r.eng.InspectContainer(ctx, r.ref)
	if err != nil {
		r.log.WithError(err).Warn("Container vanished before first check")
		r.emitStopped()
		return
	}
	r.mu.Lock()
	r.id = info.ID
	r.name = strings.TrimPrefix(info.Name, "/")
	r.mu.Unlock()

	for {
		select {
		case <-r.stopCh:
			return
		case <-time.After(r.currentInterval()):
		}

		if r.isStopping() {
			return
		}
		if !r.tick(ctx) {
			return
		}
	}
}

// tick runs one inspect-and-probe round. It returns false when the loop must
// end.
func (r *Runner) tick(ctx context.Context) bool {
	info, err := r.eng.InspectContainer(ctx, r.ref)
	if err != nil {
		if engine.IsNotFound(err) {
			r.log.Debug("Container no longer exists")
		} else {
			r.log.WithError(err).Error("Container inspect failed")
		}
		r.emitStopped()
		return false
	}

	if info.State == nil || !info.State.Running {
		r.attachLogs(ctx)
		r.emitStopped()
		return false
	}

	if health.Check(ctx, r.spec.Health, info) {
		return r.onHealthy(ctx, info)
	}
	return r.onUnhealthy(ctx)
}

func (r *Runner) onHealthy(ctx context.Context, info types.ContainerJSON) bool {
	r.mu.Lock()
	r.healthFailures = 0
	r.interval = r.steadyInterval
	r.mu.Unlock()

	if r.pub != nil && r.spec.DoRegister() && info.NetworkSettings != nil {
		// Re-publish on every healthy check so the registry keys outlive
		// their TTL only while the container stays healthy.
		if err := r.pub.PublishContainer(ctx, r.spec.Name, r.index, info.NetworkSettings.Ports); err != nil {
			r.log.WithError(err).Warn("Endpoint registration failed")
		}
	}

	r.emitStarted()
	return true
}

func (r *Runner) onUnhealthy(ctx context.Context) bool {
	r.mu.Lock()
	if !r.started {
		// Startup is probed at the fast interval and does not count against
		// the failure budget.
		r.interval = r.fastInterval
		r.mu.Unlock()
		return true
	}

	r.healthFailures++
	failures := r.healthFailures
	r.interval = r.fastInterval
	r.mu.Unlock()

	if failures < constants.MaxHealthFailures {
		r.log.WithField("failures", failures).Warn("Health check failed")
		return true
	}

	r.log.WithField("failures", failures).Error("Health budget exhausted, stopping container")
	if err := r.eng.StopContainer(ctx, r.ref); err != nil {
		r.log.WithError(err).Warn("Container stop failed")
	}
	r.emitStopped()
	return false
}

// attachLogs pulls the tail of a dead container's output into the daemon
// log, once.
func (r *Runner) attachLogs(ctx context.Context) {
	r.mu.Lock()
	if r.logsAttached {
		r.mu.Unlock()
		return
	}
	r.logsAttached = true
	r.mu.Unlock()

	out, err := r.eng.ContainerLogs(ctx, r.ref, constants.LogTailLines)
	if err != nil {
		r.log.WithError(err).Debug("Failed to collect container logs")
		return
	}
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line != "" {
			r.log.WithField("source", "container").Info(line)
		}
	}
}

func (r *Runner) currentInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

func (r *Runner) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

func (r *Runner) emitStarted() {
	r.mu.Lock()
	if r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.log.Info("Container started")
	if r.events.Started != nil {
		r.events.Started(r)
	}
}

func (r *Runner) emitStopped() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	r.log.Info("Container stopped")
	if r.events.Stopped != nil {
		r.events.Stopped(r)
	}
}
